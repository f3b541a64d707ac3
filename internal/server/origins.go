package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/lavender-pwa/offline-gateway/internal/config"
)

// OriginRoute 将源站配置与派生属性（客户端可见地址、解析后的 Upstream/Proxy URL）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是 config.toml 中声明的源站字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// App 表示该源站是应用自身（同源），否则为跨域静态资源源站。
	App bool
	// PublicURL 是客户端视角下的 scheme://domain。
	PublicURL   *url.URL
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有源站共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
	app     *OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	origins := cfg.AllOrigins()
	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(origins)),
	}

	for i, origin := range origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin, i == 0)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
		if route.App {
			registry.app = route
		}
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// App 返回应用自身的源站路由。
func (r *OriginRegistry) App() *OriginRoute {
	if r == nil {
		return nil
	}
	return r.app
}

// List 返回当前注册的 OriginRoute 列表（App 在前，其余按配置顺序），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Resolve 实现 fetch.Resolver：把客户端可见 URL 改写为 Upstream 地址，保留路径与查询串。
func (r *OriginRegistry) Resolve(u *url.URL) (*url.URL, *url.URL, bool) {
	route, ok := r.Lookup(u.Host)
	if !ok {
		return nil, nil, false
	}
	return route.Target(u), route.ProxyURL, true
}

// Target 计算某个客户端 URL 对应的回源地址。
func (o *OriginRoute) Target(u *url.URL) *url.URL {
	target := *o.UpstreamURL
	clean := u.Path
	if clean == "" {
		clean = "/"
	}
	if base := strings.TrimSuffix(target.Path, "/"); base != "" {
		joined := path.Join(base, clean)
		if strings.HasSuffix(clean, "/") && !strings.HasSuffix(joined, "/") {
			joined += "/"
		}
		clean = joined
	}
	target.Path = clean
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// Public 将入站路径与查询串组合为客户端可见的绝对 URL。
func (o *OriginRoute) Public(rawPath, rawQuery string) *url.URL {
	public := *o.PublicURL
	public.Path = rawPath
	if public.Path == "" {
		public.Path = "/"
	}
	public.RawQuery = rawQuery
	return &public
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig, isApp bool) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	var proxyURL *url.URL
	if origin.Proxy != "" {
		proxyURL, err = url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
	}

	return &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		App:         isApp,
		PublicURL:   origin.PublicURL(),
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
