package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述网关进程级行为：监听端口、日志、磁盘缓存与上游访问参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	MaxMemoryCache  int64    `mapstructure:"MaxMemoryCacheSize"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// ControllerConfig 描述离线缓存控制器：缓存命名、离线页与预缓存清单来源。
// CachePrefix/Version 在多次部署之间必须保持字节级稳定，只有修改 Version 才会让旧预缓存失效。
type ControllerConfig struct {
	CachePrefix       string   `mapstructure:"CachePrefix"`
	Version           string   `mapstructure:"Version"`
	OfflinePath       string   `mapstructure:"OfflinePath"`
	AppShell          []string `mapstructure:"AppShell"`
	ManifestPath      string   `mapstructure:"ManifestPath"`
	RuntimeMaxEntries int      `mapstructure:"RuntimeMaxEntries"`
	SkipWaiting       bool     `mapstructure:"SkipWaiting"`
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`
}

// OriginConfig 描述一个可被网关接管的源站：Domain 为客户端访问的 Host，Upstream 为真实回源地址。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Scheme   string `mapstructure:"Scheme"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。App 为应用自身的同源站点，Origins 为跨域静态资源站点。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Controller ControllerConfig `mapstructure:"Controller"`
	App        OriginConfig     `mapstructure:"App"`
	Origins    []OriginConfig   `mapstructure:"Origin"`
}

// PublicURL 返回客户端视角下的源站地址（scheme://domain）。
func (o OriginConfig) PublicURL() *url.URL {
	scheme := o.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(o.Domain)}
}

// PrecacheName 返回当前版本的预缓存名称，例如 lavender-pwa-v1。
func (c ControllerConfig) PrecacheName() string {
	return c.CachePrefix + "-" + c.Version
}

// RuntimeName 返回跨版本保留的运行时缓存名称，例如 lavender-pwa-runtime。
func (c ControllerConfig) RuntimeName() string {
	return c.CachePrefix + "-runtime"
}

// AllOrigins 按 App 在前的顺序返回所有源站配置。
func (c *Config) AllOrigins() []OriginConfig {
	result := make([]OriginConfig, 0, len(c.Origins)+1)
	result = append(result, c.App)
	result = append(result, c.Origins...)
	return result
}

// OriginSummaries 返回形如 fonts:fonts.example 的源站摘要，供日志字段使用。
func OriginSummaries(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Domain)
	}
	return result
}
