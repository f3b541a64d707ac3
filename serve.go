package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/config"
	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
	"github.com/lavender-pwa/offline-gateway/internal/proxy"
	"github.com/lavender-pwa/offline-gateway/internal/server"
	"github.com/lavender-pwa/offline-gateway/internal/server/routes"
	"github.com/lavender-pwa/offline-gateway/internal/version"
)

const shutdownTimeout = 15 * time.Second

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	origins := cfg.AllOrigins()
	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginSummaries(origins)
		fields["precache"] = cfg.Controller.PrecacheName()
		fields["runtime"] = cfg.Controller.RuntimeName()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网关失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = config.OriginSummaries(origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 首次安装失败不阻止启动：没有激活版本时所有请求透传，后续可通过 POST /-/update 重试。
	if _, err := gw.controllers.Install(ctx, gw.registration); err != nil {
		logger.WithFields(logrus.Fields{
			"action": "install",
			"cache":  cfg.Controller.PrecacheName(),
		}).WithError(err).Error("控制器安装失败，暂以透传模式运行")
	}

	if err := gw.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// gateway 持有一次进程生命周期内共享的组件。
type gateway struct {
	logger       *logrus.Logger
	storage      cache.Storage
	registration *lifecycle.Registration
	controllers  *server.Controllers
	metrics      *metrics.Recorder
	registry     *server.OriginRegistry
	proxy        server.ProxyHandler
}

// newGateway 遵循“配置 → OriginRegistry → 磁盘缓存 → 回源客户端 → 生命周期”顺序组装组件，
// 所有请求共享同一份缓存与注册实例。
func newGateway(cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建源站注册表失败: %w", err)
	}

	storage, err := cache.NewStore(cfg.Global.StoragePath, cache.Options{
		MemoryBudget: cfg.Global.MaxMemoryCache,
		MemoryTTL:    cfg.Global.CacheTTL.DurationValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	recorder := metrics.New()
	fetcher := fetch.NewHTTPFetcher(fetch.NewClient(cfg.Global.UpstreamTimeout.DurationValue()), registry)
	registration := lifecycle.NewRegistration(lifecycle.Options{
		MaxRetries:        cfg.Global.MaxRetries,
		InitialBackoff:    cfg.Global.InitialBackoff.DurationValue(),
		ClientIdleTimeout: cfg.Controller.ClientIdleTimeout.DurationValue(),
		Logger:            logger,
		Metrics:           recorder,
	})
	handler := proxy.NewHandler(registration, fetcher, logger, recorder)

	return &gateway{
		logger:       logger,
		storage:      storage,
		registration: registration,
		controllers:  server.NewControllers(cfg, registry, storage, fetcher, logger, recorder),
		metrics:      recorder,
		registry:     registry,
		proxy:        proxy.NewForwarder(handler, logger),
	}, nil
}

// newApp 组装 Fiber 应用：源站路由交给控制器分发，/-/ 下挂载诊断接口。
func (g *gateway) newApp(port int) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     g.logger,
		Registry:   g.registry,
		Proxy:      g.proxy,
		ListenPort: port,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Options{
		Registry:      g.registry,
		Storage:       g.storage,
		Registration:  g.registration,
		Controllers:   g.controllers,
		Metrics:       g.metrics,
		UpdateTimeout: 5 * time.Minute,
	})
	return app, nil
}

// serve 监听端口直至 ctx 取消，随后停止接收新请求并等待后台重新验证写完缓存。
func (g *gateway) serve(ctx context.Context, port int) error {
	app, err := g.newApp(port)
	if err != nil {
		return err
	}

	g.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := g.registration.Drain(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	g.logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务已停止")
	return errors.Join(errs...)
}
