package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterOfflineRoute 直接从离线分区返回离线页，不经过回源。
func RegisterOfflineRoute(app *fiber.App, opts Options) {
	if app == nil || opts.Runtime == nil || opts.OfflinePath == "" {
		return
	}

	app.Get(opts.OfflinePath, func(c fiber.Ctx) error {
		doc, err := opts.Runtime.OfflineDocument(c.Context())
		if errors.Is(err, agent.ErrNotActive) {
			return agentUnavailable(c)
		}
		if err != nil {
			return storageFailed(c, opts.Logger, err)
		}
		for key, values := range doc.Header {
			if server.IsHopByHopHeader(key) {
				continue
			}
			for _, value := range values {
				c.Response().Header.Add(key, value)
			}
		}
		c.Set("X-Offline-Hub-Source", string(agent.SourceOffline))
		return c.Status(doc.Status).Send(doc.Body)
	})
}

// Register 挂载全部本地路由。
func Register(app *fiber.App, opts Options) {
	RegisterDiagnosticsRoutes(app, opts)
	RegisterNotificationRoutes(app, opts)
	RegisterOfflineRoute(app, opts)
}
