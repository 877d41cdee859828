package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// Interceptor 是 Handler 依赖的拦截入口，通常由 agent.Controller 实现。
type Interceptor interface {
	Intercept(ctx context.Context, req *agent.Request) (*agent.Result, error)
}

// Handler 把 Fiber 请求翻译为 agent.Request，交给当前 agent 处理后写回响应。
type Handler struct {
	interceptor Interceptor
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler around the interceptor.
func NewHandler(interceptor Interceptor, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{interceptor: interceptor, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildAgentRequest(c)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	// Fiber 的 ctx 会在 handler 返回后被复用，后台任务需要独立的 context。
	ctx := context.Background()
	res, err := h.interceptor.Intercept(ctx, req)
	if err != nil {
		h.logResult(ctx, route, req, nil, requestID, 0, started, err)
		if errors.Is(err, agent.ErrNotActive) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "agent_unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	go h.awaitBackground(ctx, route, req, res, requestID)

	status := writeResponse(c, res)
	h.logResult(ctx, route, req, res, requestID, status, started, nil)
	return nil
}

// buildAgentRequest 还原浏览器视角下的请求：绝对 URL、请求头、fetch mode 与 cache mode。
func buildAgentRequest(c fiber.Ctx) (*agent.Request, error) {
	raw := c.Scheme() + "://" + getHost(c) + c.OriginalURL()
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	header := fiberHeadersAsHTTP(c)
	req := &agent.Request{
		Method: c.Method(),
		URL:    parsed,
		Header: header,
		Mode:   strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))),
	}
	if hasCacheDirective(header.Values("Cache-Control"), agent.CacheModeOnlyIfCached) {
		req.CacheMode = agent.CacheModeOnlyIfCached
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		if body := c.Body(); len(body) > 0 {
			req.Body = append([]byte(nil), body...)
		}
	}
	return req, nil
}

func writeResponse(c fiber.Ctx, res *agent.Result) int {
	resp := res.Response
	if resp == nil {
		resp = &cache.Response{Status: http.StatusBadGateway}
	}
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Hub-Strategy", string(res.Strategy))
	c.Set("X-Offline-Hub-Source", string(res.Source))
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	c.Response().SetBodyRaw(resp.Body)
	return status
}

func (h *Handler) awaitBackground(ctx context.Context, route *server.SiteRoute, req *agent.Request, res *agent.Result, requestID string) {
	if err := res.Wait(); err != nil {
		fields := logging.RequestFields(ctx, routeDomain(route), res.Key, string(res.Strategy), string(res.Source), res.Source == agent.SourceCache)
		fields["action"] = "intercept_background"
		fields["method"] = req.Method
		if requestID != "" {
			fields["request_id"] = requestID
		}
		h.logger.WithError(err).WithFields(fields).Warn("background_task_failed")
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	ctx context.Context,
	route *server.SiteRoute,
	req *agent.Request,
	res *agent.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	var key, strategy, source string
	if res != nil {
		key, strategy, source = res.Key, string(res.Strategy), string(res.Source)
	} else if req != nil && req.URL != nil {
		key = req.Key()
	}
	fields := logging.RequestFields(ctx, routeDomain(route), key, strategy, source, source == string(agent.SourceCache))
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func routeDomain(route *server.SiteRoute) string {
	if route == nil {
		return ""
	}
	return route.Domain
}

func getHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func hasCacheDirective(values []string, directive string) bool {
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), directive) {
				return true
			}
		}
	}
	return false
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 逐值追加，重复头（Vary、Link 等）保持快照中的全部取值。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
