package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	perrors "github.com/jmgilman/go/errors"
)

const (
	// DefaultBuildManifest 是 Vite 在 build.manifest 开启时输出的清单位置（相对 dist）。
	DefaultBuildManifest = ".vite/manifest.json"
	// DefaultTarget 是待注入的控制器脚本（相对 dist）。
	DefaultTarget = "service-worker.js"
)

// ErrPlaceholderMissing 表示目标脚本中找不到占位符，部署必须中止。
var ErrPlaceholderMissing = errors.New("placeholder not found")

// InjectOptions 描述一次注入所需的路径，相对路径均基于 DistDir。
type InjectOptions struct {
	DistDir       string
	BuildManifest string
	Target        string
	// Output 非空时额外写出 JSON 数组，供网关的 ManifestPath 直接读取。
	Output string
}

// InjectResult 汇总注入结果。
type InjectResult struct {
	Target string
	Assets []string
}

// buildChunk 对应 Vite manifest 中的单个条目，仅关心产物文件。
type buildChunk struct {
	File   string   `json:"file"`
	CSS    []string `json:"css"`
	Assets []string `json:"assets"`
}

// Inject 收集构建产物并替换控制器脚本中的占位符。
func Inject(opts InjectOptions) (*InjectResult, error) {
	opts = opts.withDefaults()

	manifestRaw, err := os.ReadFile(opts.BuildManifest)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNotFound, "read build manifest %s", opts.BuildManifest)
	}
	source, err := os.ReadFile(opts.Target)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNotFound, "read controller script %s", opts.Target)
	}

	assets, err := CollectAssets(manifestRaw)
	if err != nil {
		return nil, err
	}
	payload, err := encodeList(assets)
	if err != nil {
		return nil, err
	}

	loc := placeholderPattern.FindIndex(source)
	if loc == nil {
		return nil, perrors.Wrapf(ErrPlaceholderMissing, perrors.CodeNotFound, "inject into %s", opts.Target)
	}
	next := make([]byte, 0, len(source)+len(payload))
	next = append(next, source[:loc[0]]...)
	next = append(next, "self.__PRECACHE_MANIFEST = "...)
	next = append(next, payload...)
	next = append(next, ';')
	next = append(next, source[loc[1]:]...)

	if err := writeFileAtomic(opts.Target, next); err != nil {
		return nil, err
	}
	if opts.Output != "" {
		if err := writeFileAtomic(opts.Output, append(payload, '\n')); err != nil {
			return nil, err
		}
	}
	return &InjectResult{Target: opts.Target, Assets: assets}, nil
}

// CollectAssets 从 Vite manifest 提取 file/css/assets，加上前导斜杠、去重并按字典序排序。
func CollectAssets(manifestRaw []byte) ([]string, error) {
	var chunks map[string]buildChunk
	if err := json.Unmarshal(manifestRaw, &chunks); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "decode build manifest")
	}

	set := make(map[string]struct{})
	for _, chunk := range chunks {
		if chunk.File != "" {
			set["/"+chunk.File] = struct{}{}
		}
		for _, file := range chunk.CSS {
			set["/"+file] = struct{}{}
		}
		for _, file := range chunk.Assets {
			set["/"+file] = struct{}{}
		}
	}

	assets := make([]string, 0, len(set))
	for asset := range set {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets, nil
}

func (o InjectOptions) withDefaults() InjectOptions {
	if o.DistDir == "" {
		o.DistDir = "dist"
	}
	if o.BuildManifest == "" {
		o.BuildManifest = DefaultBuildManifest
	}
	if o.Target == "" {
		o.Target = DefaultTarget
	}
	o.BuildManifest = resolveIn(o.DistDir, o.BuildManifest)
	o.Target = resolveIn(o.DistDir, o.Target)
	return o
}

func resolveIn(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// encodeList 以两空格缩进输出 JSON 数组，不转义 HTML 字符。
func encodeList(list []string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		return nil, fmt.Errorf("encode precache manifest: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".inject-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if info, err := os.Stat(path); err == nil {
		os.Chmod(tmpName, info.Mode().Perm())
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
