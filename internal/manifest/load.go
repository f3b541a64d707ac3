package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	perrors "github.com/jmgilman/go/errors"
)

// Placeholder 是控制器脚本中等待注入的原始赋值语句。
const Placeholder = "self.__PRECACHE_MANIFEST = self.__PRECACHE_MANIFEST || [];"

var (
	// ErrNotInjected 表示脚本仍保留占位符，构建流程未执行注入。
	ErrNotInjected = errors.New("precache manifest not injected")

	injectedPattern = regexp.MustCompile(`self\.__PRECACHE_MANIFEST\s*=\s*(\[[\s\S]*?\])\s*;`)
	// placeholderPattern 同时接受带与不带结尾分号的占位符写法。
	placeholderPattern = regexp.MustCompile(`self\.__PRECACHE_MANIFEST\s*=\s*self\.__PRECACHE_MANIFEST\s*\|\|\s*\[\s*\]\s*;?`)
)

// Load 读取构建产物中的资源列表：既支持纯 JSON 数组文件，也支持已注入的控制器脚本。
// 占位符尚未替换时返回空列表与 ErrNotInjected，调用方可据此告警后继续运行。
func Load(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNotFound, "read precache manifest %s", path)
	}
	return Parse(raw)
}

// Parse 解析 Load 支持的两种格式。
func Parse(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		return decodeList(trimmed)
	}

	if placeholderPattern.Match(raw) {
		return []string{}, ErrNotInjected
	}

	match := injectedPattern.FindSubmatch(raw)
	if match == nil {
		return nil, perrors.New(perrors.CodeInvalidInput, "precache manifest assignment not found")
	}
	return decodeList(match[1])
}

func decodeList(payload []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "decode precache manifest")
	}
	for i, entry := range list {
		if entry == "" || entry[0] != '/' {
			return nil, perrors.New(perrors.CodeInvalidInput, fmt.Sprintf("precache entry %d must be an absolute path: %q", i, entry))
		}
	}
	return list, nil
}
