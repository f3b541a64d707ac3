package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/fetch"
	"github.com/lavender-pwa/offline-gateway/internal/lifecycle"
	"github.com/lavender-pwa/offline-gateway/internal/logging"
	"github.com/lavender-pwa/offline-gateway/internal/metrics"
	"github.com/lavender-pwa/offline-gateway/internal/server"
)

const (
	strategyPassthrough = "passthrough"
	sourceNetwork       = "network"

	headerStrategy = "X-Offline-Strategy"
	headerSource   = "X-Offline-Source"
)

// Dispatcher 将请求交给当前激活的控制器，lifecycle.Registration 为其实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *fetch.Request, clientID string) (*lifecycle.Reply, bool, error)
}

// Handler 把入站请求还原为 fetch 事件交给控制器；控制器不接管时直接回源透传。
type Handler struct {
	dispatcher Dispatcher
	fetcher    fetch.Fetcher
	logger     *logrus.Logger
	metrics    *metrics.Recorder
}

// NewHandler constructs a proxy handler around the registration and the shared fetcher.
func NewHandler(dispatcher Dispatcher, fetcher fetch.Fetcher, logger *logrus.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		dispatcher: dispatcher,
		fetcher:    fetcher,
		logger:     logger,
		metrics:    recorder,
	}
}

// Handle 执行分发 → 透传的完整流程，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reply, handled, err := h.dispatcher.Dispatch(ctx, req, server.ClientID(c))
	if !handled && err == nil {
		return h.passthrough(ctx, c, route, req, requestID, started)
	}
	if err != nil {
		strategy := ""
		if reply != nil {
			strategy = reply.Strategy
		}
		h.logResult(route, req, strategy, "", requestID, http.StatusBadGateway, started, true, err)
		return h.writeError(c, http.StatusBadGateway, "upstream_failed", requestID)
	}

	c.Set(headerStrategy, reply.Strategy)
	c.Set(headerSource, reply.Source)
	if reply.Response.IsNetworkError() {
		h.logResult(route, req, reply.Strategy, reply.Source, requestID, http.StatusBadGateway, started, true, nil)
		return h.writeError(c, http.StatusBadGateway, "network_error", requestID)
	}

	h.logResult(route, req, reply.Strategy, reply.Source, requestID, reply.Response.Status, started, true, nil)
	return writeResponse(c, reply.Response, requestID)
}

func (h *Handler) passthrough(
	ctx context.Context,
	c fiber.Ctx,
	route *server.OriginRoute,
	req *fetch.Request,
	requestID string,
	started time.Time,
) error {
	c.Set(headerStrategy, strategyPassthrough)
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		h.metrics.ObserveFetch(strategyPassthrough, "none")
		h.logResult(route, req, strategyPassthrough, "", requestID, http.StatusBadGateway, started, false, err)
		return h.writeError(c, http.StatusBadGateway, "network_error", requestID)
	}
	h.metrics.ObserveFetch(strategyPassthrough, sourceNetwork)
	c.Set(headerSource, sourceNetwork)
	h.logResult(route, req, strategyPassthrough, sourceNetwork, requestID, resp.Status, started, false, nil)
	return writeResponse(c, resp, requestID)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	setRequestIDHeader(c, requestID)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	req *fetch.Request,
	strategy string,
	source string,
	requestID string,
	status int,
	started time.Time,
	intercepted bool,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		req.Method,
		req.URL.String(),
		strategy,
		source,
		intercepted,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 把 fiber 请求转换为客户端视角的 fetch.Request。
func buildRequest(c fiber.Ctx, route *server.OriginRoute) *fetch.Request {
	uri := c.Request().URI()
	public := route.Public(requestPath(c), string(uri.QueryString()))
	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return fetch.FromHTTP(c.Method(), public, fiberHeadersAsHTTP(c), body)
}

func writeResponse(c fiber.Ctx, resp *fetch.Response, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Append(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
