package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/agent"
)

const defaultSyncTag = "sync"

// recentLister 由保留历史的 Notifier（如 agent.RecentNotifier）实现。
type recentLister interface {
	Recent() []agent.Notification
}

// RegisterNotificationRoutes 暴露推送、后台同步与通知点击的模拟入口。
func RegisterNotificationRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Runtime == nil {
		return
	}

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		lister, ok := current.Notifier().(recentLister)
		if !ok {
			return c.JSON(fiber.Map{"notifications": []agent.Notification{}})
		}
		recent := lister.Recent()
		if recent == nil {
			recent = []agent.Notification{}
		}
		return c.JSON(fiber.Map{"notifications": recent})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		n, err := current.Push(c.Context(), c.Body())
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.WithError(err).WithField("action", "push").Warn("notification_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "notification_failed"})
		}
		return c.Status(fiber.StatusCreated).JSON(n)
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		tag := strings.TrimSpace(c.Query("tag"))
		if tag == "" {
			tag = defaultSyncTag
		}
		if err := current.Sync(c.Context(), tag); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": tag})
	})

	app.Post("/-/notifications/click", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		target, open := current.NotificationClick(strings.TrimSpace(c.Query("action")))
		if !open {
			return c.SendStatus(fiber.StatusNoContent)
		}
		c.Set(fiber.HeaderLocation, target)
		return c.SendStatus(fiber.StatusSeeOther)
	})
}
