package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
)

// OnInstall 原子地填充当前版本的预缓存，成功后按配置请求立即接管。
func (c *Controller) OnInstall(evt *lifecycle.InstallEvent) {
	evt.WaitUntil(func(ctx context.Context) error {
		started := time.Now()
		precache, err := c.storage.Open(ctx, c.names.Precache())
		if err != nil {
			return fmt.Errorf("open %s: %w", c.names.Precache(), err)
		}
		if err := precache.AddAll(ctx, c.fetcher, c.precache); err != nil {
			return err
		}
		c.logger.WithFields(logging.LifecycleFields("populate", c.names.Version, time.Since(started))).
			WithField("entries", len(c.precache)).
			Info("precache populated")
		if c.skipWaiting {
			evt.SkipWaiting()
		}
		return nil
	})
}

// OnActivate 删除命名空间内除当前预缓存与运行时缓存以外的所有缓存，然后接管全部客户端。
func (c *Controller) OnActivate(evt *lifecycle.ActivateEvent) {
	evt.WaitUntil(func(ctx context.Context) error {
		names, err := c.storage.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list caches: %w", err)
		}
		var errs []error
		deleted := 0
		for _, name := range names {
			if !c.names.Retired(name) {
				continue
			}
			removed, err := c.storage.Delete(ctx, name)
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				continue
			}
			if removed {
				deleted++
				c.logger.WithField("cache", name).Info("retired cache deleted")
			}
		}
		c.metrics.ObserveCachesDeleted(deleted)
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		evt.Claim()
		return nil
	})
}

// OnFetch 根据请求意图选择策略；未调用 RespondWith 的请求由平台直接访问网络。
func (c *Controller) OnFetch(evt *lifecycle.FetchEvent) {
	strategy := c.route(evt.Request())
	if strategy == "" {
		return
	}
	// 缓存在所有客户端之间共享，回源时不能带上某个客户端的条件头。
	req := evt.Request().WithoutConditionals()

	evt.RespondWith(func(ctx context.Context) (*lifecycle.Reply, error) {
		var (
			outcome Outcome
			err     error
		)
		switch strategy {
		case StrategyNetworkFirst:
			outcome, err = c.networkFirst(ctx, req)
		case StrategyPrecacheFirst:
			outcome, err = c.precacheFirst(ctx, req)
		case StrategyStaleWhileRevalidate:
			outcome, err = c.staleWhileRevalidate(ctx, evt, req)
		}
		if err != nil {
			c.metrics.ObserveFetch(strategy, SourceNone)
			return nil, err
		}
		if outcome.UseFallback {
			outcome = c.offlineFallback(ctx)
		}
		c.metrics.ObserveFetch(strategy, outcome.Source)
		return &lifecycle.Reply{Response: outcome.Response, Strategy: strategy, Source: outcome.Source}, nil
	})
}

// route 返回请求对应的策略，空字符串表示不拦截。
func (c *Controller) route(req *fetch.Request) string {
	if req.Method != http.MethodGet {
		return ""
	}
	if req.IsNavigation() {
		return StrategyNetworkFirst
	}
	if req.SameOrigin(c.origin) {
		return StrategyPrecacheFirst
	}
	switch req.Destination {
	case fetch.DestinationStyle, fetch.DestinationScript, fetch.DestinationImage, fetch.DestinationFont:
		return StrategyStaleWhileRevalidate
	}
	return ""
}

// networkFirst 总是先访问网络；成功时写入运行时缓存，传输失败时改用离线页。
// 上游返回的错误状态码同样视为成功并原样返回。
func (c *Controller) networkFirst(ctx context.Context, req *fetch.Request) (Outcome, error) {
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"url": req.URL.String()}).WithError(err).Info("navigation offline, serving fallback")
		return Outcome{UseFallback: true}, nil
	}
	c.putRuntime(ctx, req, resp)
	return Outcome{Response: resp, Source: SourceNetwork}, nil
}

// precacheFirst 命中预缓存时完全不访问网络；未命中时回源并写入预缓存，已有条目不会在运行期刷新。
func (c *Controller) precacheFirst(ctx context.Context, req *fetch.Request) (Outcome, error) {
	precache, err := c.storage.Open(ctx, c.names.Precache())
	if err != nil {
		return Outcome{}, err
	}
	cached, err := precache.Match(ctx, req)
	if err == nil {
		return Outcome{Response: cached, Source: SourceCache}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.logger.WithField("url", req.URL.String()).WithError(err).Warn("precache lookup failed")
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if !shareable(req, resp) {
		c.logger.WithField("url", req.URL.String()).Debug("private response, precache write skipped")
		return Outcome{Response: resp, Source: SourceNetwork}, nil
	}
	if err := precache.Put(ctx, req, resp); err != nil {
		c.logger.WithField("url", req.URL.String()).WithError(err).Warn("precache write failed")
	}
	return Outcome{Response: resp, Source: SourceNetwork}, nil
}

// staleWhileRevalidate 有缓存时立即返回缓存，同时在事件的延长任务中回源刷新；
// 无缓存时等待网络结果，网络失败则请求失败。
func (c *Controller) staleWhileRevalidate(ctx context.Context, evt *lifecycle.FetchEvent, req *fetch.Request) (Outcome, error) {
	runtime, err := c.storage.Open(ctx, c.names.Runtime())
	if err != nil {
		return Outcome{}, err
	}
	cached, err := runtime.Match(ctx, req)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		c.logger.WithField("url", req.URL.String()).WithError(err).Warn("runtime lookup failed")
	}

	if cached != nil {
		evt.WaitUntil(func(bg context.Context) error {
			resp, err := c.fetcher.Fetch(bg, req)
			if err != nil {
				c.logger.WithField("url", req.URL.String()).WithError(err).Debug("revalidation failed, keeping cached copy")
				return nil
			}
			c.putRuntime(bg, req, resp)
			return nil
		})
		return Outcome{Response: cached, Source: SourceCache}, nil
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	c.putRuntime(ctx, req, resp)
	return Outcome{Response: resp, Source: SourceNetwork}, nil
}

// offlineFallback 返回预缓存中的离线页；缺失时返回通用网络错误响应。
func (c *Controller) offlineFallback(ctx context.Context) Outcome {
	precache, err := c.storage.Open(ctx, c.names.Precache())
	if err == nil {
		if cached, err := precache.Match(ctx, c.offline); err == nil {
			return Outcome{Response: cached, Source: SourceFallback}
		}
	}
	c.logger.WithField("url", c.offline.URL.String()).Warn("offline document missing from precache")
	return Outcome{Response: fetch.NetworkError(), Source: SourceFallback}
}

// putRuntime 写入运行时缓存副本并执行条目上限，失败只记录日志。
func (c *Controller) putRuntime(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	if !shareable(req, resp) {
		c.logger.WithField("url", req.URL.String()).Debug("private response, runtime write skipped")
		return
	}
	runtime, err := c.storage.Open(ctx, c.names.Runtime())
	if err == nil {
		err = runtime.Put(ctx, req, resp.Clone())
	}
	if err != nil {
		c.logger.WithField("url", req.URL.String()).WithError(err).Warn("runtime cache write failed")
		return
	}
	if c.runtimeMax <= 0 {
		return
	}
	evicted, err := runtime.Trim(ctx, c.runtimeMax)
	if err != nil {
		c.logger.WithError(err).Warn("runtime trim failed")
	}
	c.metrics.ObserveEvictions(evicted)
}

// shareable 判断响应能否进入所有客户端共享的缓存。带凭据的请求、设置 cookie 的响应
// 以及声明 private/no-store 的响应只回给发起请求的客户端。
func shareable(req *fetch.Request, resp *fetch.Response) bool {
	if req.Header.Get("Authorization") != "" || resp.Header.Get("Set-Cookie") != "" {
		return false
	}
	for _, value := range resp.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}
