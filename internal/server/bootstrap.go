package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/config"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/manifest"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
	"github.com/lavender-pwa/offline-gateway/internal/worker"
)

// Controllers 根据配置与构建清单组装控制器版本，并记录最近一次成功安装的版本。
type Controllers struct {
	cfg      *config.Config
	registry *OriginRegistry
	storage  cache.Storage
	fetcher  fetch.Fetcher
	logger   *logrus.Logger
	metrics  *metrics.Recorder

	mu      sync.Mutex
	current *worker.Controller
}

// NewControllers wires the dependencies shared by every controller version.
func NewControllers(
	cfg *config.Config,
	registry *OriginRegistry,
	storage cache.Storage,
	fetcher fetch.Fetcher,
	logger *logrus.Logger,
	recorder *metrics.Recorder,
) *Controllers {
	return &Controllers{
		cfg:      cfg,
		registry: registry,
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		metrics:  recorder,
	}
}

// Build 读取构建清单并创建新的控制器实例，不触发安装。
func (c *Controllers) Build() (*worker.Controller, error) {
	app := c.registry.App()
	if app == nil {
		return nil, errors.New("app origin is not configured")
	}

	var injected []string
	if path := c.cfg.Controller.ManifestPath; path != "" {
		list, err := manifest.Load(path)
		switch {
		case errors.Is(err, manifest.ErrNotInjected):
			c.logger.WithFields(logrus.Fields{
				"action": "manifest_load",
				"path":   path,
			}).Warn("precache manifest placeholder still present, precaching app shell only")
		case err != nil:
			return nil, fmt.Errorf("load precache manifest: %w", err)
		}
		injected = list
	}

	ctrl := c.cfg.Controller
	return worker.New(worker.Options{
		Names:             worker.Names{Prefix: ctrl.CachePrefix, Version: ctrl.Version},
		Origin:            app.PublicURL,
		OfflinePath:       ctrl.OfflinePath,
		Precache:          manifest.Precache(ctrl.AppShell, injected),
		RuntimeMaxEntries: ctrl.RuntimeMaxEntries,
		SkipWaiting:       ctrl.SkipWaiting,
		Storage:           c.storage,
		Fetcher:           c.fetcher,
		Logger:            c.logger,
		Metrics:           c.metrics,
	})
}

// Install 构建并注册新的控制器版本；失败时旧版本继续服务。
func (c *Controllers) Install(ctx context.Context, reg *lifecycle.Registration) (*worker.Controller, error) {
	controller, err := c.Build()
	if err != nil {
		return nil, err
	}
	if err := reg.Register(ctx, controller); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = controller
	c.mu.Unlock()
	return controller, nil
}

// Current 返回最近一次成功安装的控制器，尚未安装时为 nil。
func (c *Controllers) Current() *worker.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
