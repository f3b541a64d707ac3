package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

// distFixture 把 manifest 包的测试产物复制为一个临时构建目录。
func distFixture(t *testing.T) string {
	t.Helper()
	src := filepath.Join(projectRoot(t), "internal", "manifest", "testdata")
	dist := t.TempDir()
	copies := map[string]string{
		"vite-manifest.json": filepath.Join(dist, ".vite", "manifest.json"),
		"service-worker.js":  filepath.Join(dist, "service-worker.js"),
	}
	for name, dst := range copies {
		data, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			t.Fatalf("读取测试产物失败: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			t.Fatalf("创建目录失败: %v", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			t.Fatalf("写入测试产物失败: %v", err)
		}
	}
	return dist
}
