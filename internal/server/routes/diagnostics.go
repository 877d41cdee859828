package routes

import (
	"context"
	"errors"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// Runtime 是诊断路由需要的宿主能力，通常由 agent.Controller 提供。
type Runtime interface {
	Active() *agent.Agent
	OfflineDocument(ctx context.Context) (*cache.Response, error)
}

// Options 汇总诊断路由依赖。
type Options struct {
	Runtime Runtime
	// Storage 用于列出当前版本之外仍残留的分区，可为空。
	Storage     cache.Storage
	OfflinePath string
	Logger      *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/partitions、/-/manifest 等只读诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Runtime == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		payload := statusPayload{
			Version:    current.Version(),
			State:      string(current.State()),
			Pending:    current.Pending(),
			Partitions: current.Names().List(),
		}
		if opts.Storage != nil {
			names, err := opts.Storage.Names(c.Context())
			if err != nil {
				return storageFailed(c, opts.Logger, err)
			}
			payload.StoredPartitions = names
		}
		return c.JSON(payload)
	})

	app.Get("/-/partitions", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		stats, err := current.Stats(c.Context())
		if errors.Is(err, agent.ErrNotActive) {
			return agentUnavailable(c)
		}
		if err != nil {
			return storageFailed(c, opts.Logger, err)
		}
		return c.JSON(fiber.Map{"partitions": encodePartitions(stats)})
	})

	app.Get("/-/manifest", func(c fiber.Ctx) error {
		current := opts.Runtime.Active()
		if current == nil {
			return agentUnavailable(c)
		}
		return c.JSON(fiber.Map{
			"version": current.Version(),
			"assets":  encodeManifest(current.Options().Manifest),
		})
	})
}

type statusPayload struct {
	Version          string   `json:"version"`
	State            string   `json:"state"`
	Pending          int      `json:"pending"`
	Partitions       []string `json:"partitions"`
	StoredPartitions []string `json:"stored_partitions,omitempty"`
}

type partitionPayload struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
	Limit     string `json:"limit"`
}

type assetPayload struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

func encodePartitions(stats []agent.PartitionStats) []partitionPayload {
	if len(stats) == 0 {
		return nil
	}
	result := make([]partitionPayload, 0, len(stats))
	for _, item := range stats {
		limit := "unlimited"
		if item.Limit > 0 {
			limit = humanize.IBytes(uint64(item.Limit))
		}
		result = append(result, partitionPayload{
			Name:      item.Name,
			Role:      item.Role,
			Entries:   item.Entries,
			SizeBytes: item.SizeBytes,
			Size:      humanize.IBytes(uint64(item.SizeBytes)),
			Limit:     limit,
		})
	}
	return result
}

// encodeManifest 按优先级从高到低输出，同优先级保持清单顺序。
func encodeManifest(m manifest.Manifest) []assetPayload {
	if len(m) == 0 {
		return nil
	}
	sorted := append(manifest.Manifest(nil), m...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	result := make([]assetPayload, 0, len(sorted))
	for _, d := range sorted {
		result = append(result, assetPayload{URL: d.URL, Priority: d.Priority.String()})
	}
	return result
}

func agentUnavailable(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "agent_unavailable"})
}

func storageFailed(c fiber.Ctx, logger *logrus.Logger, err error) error {
	if logger != nil {
		logger.WithError(err).WithField("action", "diagnostics").Warn("storage_unavailable")
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
}
