package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that turns a request into an agent
// interception. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger *logrus.Logger
	Site   *SiteRoute
	Proxy  ProxyHandler
	// LocalPaths are served by routes registered after NewApp instead of the proxy.
	LocalPaths []string
	ListenPort int
}

const contextKeyRequestID = "_offlinehub_request_id"

// NewApp builds a Fiber application with host checking middleware and
// structured error handling. Diagnostics under /-/ and LocalPaths fall
// through to routes registered by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Site == nil {
		return nil, errors.New("site route is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	local := make(map[string]struct{}, len(opts.LocalPaths))
	for _, p := range opts.LocalPaths {
		local[p] = struct{}{}
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}
		if _, ok := local[path]; ok && c.Method() == fiber.MethodGet {
			return c.Next()
		}
		return opts.Proxy.Handle(c, opts.Site)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并校验 Host 是否属于当前站点。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		if !opts.Site.Matches(rawHost) {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set("X-Offline-Hub-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
