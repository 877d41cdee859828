package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/server"
)

// Forwarder 包装 ProxyHandler：handler 缺失或 panic 时返回结构化 500，
// 并把请求 ID 写入响应头与日志，避免单个请求拖垮整条中间件链。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logProxyError(c, route, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.SiteRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logProxyError(c, route, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logProxyError(c fiber.Ctx, route *server.SiteRoute, code string, err error, requestID string) {
	fields := logrus.Fields{
		"action": "proxy",
		"domain": routeDomain(route),
		"method": c.Method(),
		"path":   c.Path(),
		"error":  code,
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
