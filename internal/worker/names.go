package worker

import "strings"

// Names 固定缓存命名方案，部署之间必须保持字节一致，否则旧代无法被识别和清理。
type Names struct {
	Prefix  string
	Version string
}

// Precache 返回当前版本的预缓存名称。
func (n Names) Precache() string {
	return n.Prefix + "-" + n.Version
}

// Runtime 返回跨版本共享的运行时缓存名称。
func (n Names) Runtime() string {
	return n.Prefix + "-runtime"
}

// Owns 判断缓存是否属于本控制器的命名空间。
func (n Names) Owns(name string) bool {
	return strings.HasPrefix(name, n.Prefix)
}

// Retired 判断缓存是否为应在激活时清理的旧代。
func (n Names) Retired(name string) bool {
	return n.Owns(name) && name != n.Precache() && name != n.Runtime()
}
