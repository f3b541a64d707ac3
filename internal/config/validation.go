package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.MaxMemoryCache < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.Controller.validate(); err != nil {
		return err
	}

	if c.App.Name == "" {
		return newFieldError("App.Name", "不能为空")
	}
	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i, origin := range c.AllOrigins() {
		field := func(name string) string {
			if i == 0 {
				return "App." + name
			}
			return originField(origin.Name, name)
		}
		if origin.Name == "" {
			return newFieldError(field("Name"), "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(field("Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", field("Domain"), err)
		}
		if _, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(field("Domain"), "重复")
		}
		seenDomains[origin.Domain] = struct{}{}

		if origin.Scheme != "" && origin.Scheme != "http" && origin.Scheme != "https" {
			return newFieldError(field("Scheme"), "仅支持 http/https")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", field("Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", field("Proxy"), err)
			}
		}
	}

	return nil
}

func (c ControllerConfig) validate() error {
	if err := validateSegment(c.CachePrefix); err != nil {
		return fmt.Errorf("Controller.CachePrefix: %w", err)
	}
	if err := validateSegment(c.Version); err != nil {
		return fmt.Errorf("Controller.Version: %w", err)
	}
	if c.PrecacheName() == c.RuntimeName() {
		return newFieldError("Controller.Version", "不能与运行时缓存同名（runtime）")
	}
	if !strings.HasPrefix(c.OfflinePath, "/") {
		return newFieldError("Controller.OfflinePath", "必须以 / 开头")
	}

	found := false
	for _, entry := range c.AppShell {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError("Controller.AppShell", fmt.Sprintf("路径必须以 / 开头: %s", entry))
		}
		if entry == c.OfflinePath {
			found = true
		}
	}
	if !found {
		return newFieldError("Controller.AppShell", "必须包含 OfflinePath "+c.OfflinePath)
	}
	if c.RuntimeMaxEntries < 0 {
		return newFieldError("Controller.RuntimeMaxEntries", "不能为负数")
	}
	return nil
}

// validateSegment 保证缓存名片段可以安全地作为单级目录名使用。
func validateSegment(value string) error {
	if value == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, `/\ `) || value == "." || value == ".." || strings.HasPrefix(value, ".") {
		return fmt.Errorf("包含非法字符: %s", value)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
