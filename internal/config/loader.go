package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultAppShell 是应用外壳的默认清单：离线渲染所需的最小路由与资源集合。
var DefaultAppShell = []string{
	"/",
	"/index.html",
	"/offline.html",
	"/manifest.webmanifest",
	"/icons/lavender-192.png",
	"/icons/lavender-512.png",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectOriginLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyControllerDefaults(&cfg.Controller)
	applyOriginDefaults(&cfg.App)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Controller.ManifestPath != "" && !filepath.IsAbs(cfg.Controller.ManifestPath) {
		// 相对路径以配置文件所在目录为基准，避免受进程工作目录影响。
		cfg.Controller.ManifestPath = filepath.Join(filepath.Dir(path), cfg.Controller.ManifestPath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheTTL", 86400)
	v.SetDefault("MaxMemoryCacheSize", 64*1024*1024)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Controller.CachePrefix", "lavender-pwa")
	v.SetDefault("Controller.Version", "v1")
	v.SetDefault("Controller.OfflinePath", "/offline.html")
	v.SetDefault("Controller.AppShell", DefaultAppShell)
	v.SetDefault("Controller.RuntimeMaxEntries", 0)
	v.SetDefault("Controller.SkipWaiting", true)
	v.SetDefault("Controller.ClientIdleTimeout", "30m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(24 * time.Hour)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyControllerDefaults(c *ControllerConfig) {
	c.CachePrefix = strings.TrimSpace(c.CachePrefix)
	c.Version = strings.TrimSpace(c.Version)
	if c.OfflinePath == "" {
		c.OfflinePath = "/offline.html"
	}
	if len(c.AppShell) == 0 {
		c.AppShell = append([]string(nil), DefaultAppShell...)
	}
	if c.RuntimeMaxEntries < 0 {
		c.RuntimeMaxEntries = 0
	}
	if c.ClientIdleTimeout.DurationValue() <= 0 {
		c.ClientIdleTimeout = Duration(30 * time.Minute)
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Scheme = strings.ToLower(strings.TrimSpace(o.Scheme))
	if o.Scheme == "" {
		o.Scheme = "https"
	}
	if strings.TrimSpace(o.Upstream) == "" && o.Domain != "" {
		o.Upstream = o.Scheme + "://" + o.Domain
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectOriginLevelPorts 拒绝在源站上单独声明端口：所有源站共享全局 ListenPort。
func rejectOriginLevelPorts(v *viper.Viper) error {
	raw := v.Get("Origin")
	origins, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(originField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
		}
	}

	return nil
}
