package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/lavender-pwa/offline-gateway/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，把控制器中的 panic 转换为 500 响应，避免拖垮整个进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logError(route, "handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "handler_missing"})
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.OriginRoute, recovered interface{}, requestID string) error {
	f.logError(route, "controller_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Header.Del(headerStrategy)
	c.Response().Header.Del(headerSource)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "controller_panic"})
}

func (f *Forwarder) logError(route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if route != nil {
		fields["origin"] = route.Config.Name
		fields["domain"] = route.Config.Domain
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
