package worker

import "github.com/lavender-pwa/offline-gateway/internal/fetch"

// Strategy names reported in diagnostics and response headers.
const (
	StrategyNetworkFirst         = "network-first"
	StrategyPrecacheFirst        = "precache-first"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Response sources.
const (
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceNone     = "none"
)

// Outcome 是策略的显式结果：要么给出响应，要么要求使用离线兜底。
type Outcome struct {
	Response    *fetch.Response
	Source      string
	UseFallback bool
}

// StrategyInfo 描述一条分发规则。
type StrategyInfo struct {
	Name    string `json:"name"`
	Matches string `json:"matches"`
	Cache   string `json:"cache"`
	Network string `json:"network"`
}

// Strategies 返回控制器的分发表，顺序即匹配顺序。
func (c *Controller) Strategies() []StrategyInfo {
	return []StrategyInfo{
		{
			Name:    StrategyNetworkFirst,
			Matches: "GET navigation requests",
			Cache:   c.names.Runtime(),
			Network: "always; offline document " + c.offline.URL.Path + " on transport failure",
		},
		{
			Name:    StrategyPrecacheFirst,
			Matches: "same-origin GET " + c.origin.String(),
			Cache:   c.names.Precache(),
			Network: "only on precache miss",
		},
		{
			Name:    StrategyStaleWhileRevalidate,
			Matches: "cross-origin GET style, script, image, font",
			Cache:   c.names.Runtime(),
			Network: "background revalidation on every request",
		},
	}
}
