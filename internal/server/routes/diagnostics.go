package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	perrors "github.com/jmgilman/go/errors"

	"github.com/lavender-pwa/offline-gateway/internal/cache"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
	"github.com/lavender-pwa/offline-gateway/internal/server"
	"github.com/lavender-pwa/offline-gateway/internal/worker"
)

// Options 汇总诊断接口依赖的组件。
type Options struct {
	Registry     *server.OriginRegistry
	Storage      cache.Storage
	Registration *lifecycle.Registration
	Controllers  *server.Controllers
	Metrics      *metrics.Recorder
	// UpdateTimeout 限制 POST /-/update 的安装耗时，0 表示不限制。
	UpdateTimeout time.Duration
}

type cachePayload struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	Owned      bool   `json:"owned"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
}

type originPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Public   string `json:"public_url"`
	Upstream string `json:"upstream"`
	App      bool   `json:"app"`
}

// RegisterDiagnostics 暴露 /-/ 下的诊断接口，供运维查询缓存代、生命周期与分发策略。
func RegisterDiagnostics(app *fiber.App, opts Options) {
	if app == nil || opts.Storage == nil || opts.Registration == nil || opts.Controllers == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		payload, err := encodeCaches(c.Context(), opts.Storage, currentNames(opts.Controllers))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed", "message": err.Error()})
		}
		return c.JSON(fiber.Map{"caches": payload})
	})

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(opts.Registration.Status())
	})

	app.Post("/-/update", func(c fiber.Ctx) error {
		ctx := c.Context()
		if opts.UpdateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.UpdateTimeout)
			defer cancel()
		}
		controller, err := opts.Controllers.Install(ctx, opts.Registration)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "install_failed",
				"code":    string(perrors.GetCode(err)),
				"message": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"version":   controller.Version(),
			"precache":  len(controller.PrecacheURLs()),
			"lifecycle": opts.Registration.Status(),
		})
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		controller := opts.Controllers.Current()
		if controller == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "controller_not_installed"})
		}
		return c.JSON(fiber.Map{
			"version":    controller.Version(),
			"precache":   controller.Names().Precache(),
			"runtime":    controller.Names().Runtime(),
			"strategies": controller.Strategies(),
			"origins":    encodeOrigins(opts.Registry.List()),
		})
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
}

func currentNames(controllers *server.Controllers) *worker.Names {
	if controller := controllers.Current(); controller != nil {
		names := controller.Names()
		return &names
	}
	return nil
}

func encodeCaches(ctx context.Context, storage cache.Storage, names *worker.Names) ([]cachePayload, error) {
	keys, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]cachePayload, 0, len(keys))
	for _, name := range keys {
		item := cachePayload{Name: name, Role: cacheRole(name, names)}
		if names != nil {
			item.Owned = names.Owns(name)
		}
		opened, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		entries, err := opened.Keys(ctx)
		if err != nil {
			return nil, err
		}
		item.Entries = len(entries)
		for _, entry := range entries {
			item.TotalBytes += entry.SizeBytes
		}
		result = append(result, item)
	}
	return result, nil
}

func cacheRole(name string, names *worker.Names) string {
	switch {
	case names == nil:
		return "unknown"
	case name == names.Precache():
		return "precache"
	case name == names.Runtime():
		return "runtime"
	case names.Owns(name):
		return "retired"
	default:
		return "foreign"
	}
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Public:   route.PublicURL.String(),
			Upstream: route.UpstreamURL.String(),
			App:      route.App,
		})
	}
	return result
}
