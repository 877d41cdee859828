package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
)

const tracerName = "github.com/any-hub/offline-hub/internal/agent"

var (
	// ErrTimeout 表示网络请求未在导航超时内返回。
	ErrTimeout = errors.New("network timeout")
	// ErrNoResponse 表示网络失败且没有可用的缓存兜底。
	ErrNoResponse = errors.New("no response available")
	// ErrNotActive 表示 agent 尚未激活或已退役。
	ErrNotActive = errors.New("agent not active")
	// ErrNotInstalled 表示在安装完成之前调用了 Activate。
	ErrNotInstalled = errors.New("agent not installed")
)

// State 是 agent 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Agent 是一个版本的离线缓存代理。
type Agent struct {
	opts     Options
	storage  cache.Storage
	fetcher  Fetcher
	notifier Notifier
	logger   *logrus.Entry
	tracer   trace.Tracer

	priorities map[string]manifest.Priority

	mu      sync.RWMutex
	state   State
	primary cache.Partition
	image   cache.Partition
	offline cache.Partition

	flight  singleflight.Group
	tasks   *tracker
	pushSeq int64
}

// New 构建 agent，不触碰存储；分区在 Install 时打开。
func New(opts Options, storage cache.Storage, fetcher Fetcher, logger *logrus.Logger) (*Agent, error) {
	if storage == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if fetcher == nil {
		return nil, errors.New("agent fetcher required")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid agent options: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("version", opts.Version)

	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewRecentNotifier(entry, 0)
	}

	return &Agent{
		opts:       opts,
		storage:    storage,
		fetcher:    fetcher,
		notifier:   notifier,
		logger:     entry,
		tracer:     otel.Tracer(tracerName),
		priorities: opts.Manifest.Priorities(),
		state:      StateParsed,
		tasks:      newTracker(),
	}, nil
}

// Version 返回 agent 版本号。
func (a *Agent) Version() string {
	return a.opts.Version
}

// Names 返回当前版本的分区名称。
func (a *Agent) Names() Names {
	return a.opts.Names
}

// Options 返回构造时注入的选项副本。
func (a *Agent) Options() Options {
	return a.opts
}

// Notifier 返回推送通知的接收方。
func (a *Agent) Notifier() Notifier {
	return a.notifier
}

// State 返回当前生命周期状态。
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Pending 返回尚未结束的事件与后台任务数量。
func (a *Agent) Pending() int {
	return a.tasks.pending()
}

func (a *Agent) setState(state State) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// transition 仅在当前状态为 from 时切换到 to。
func (a *Agent) transition(from, to State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return false
	}
	a.state = to
	return true
}

type partitions struct {
	primary cache.Partition
	image   cache.Partition
	offline cache.Partition
}

func (p partitions) all() []cache.Partition {
	return []cache.Partition{p.primary, p.image, p.offline}
}

func (a *Agent) partitions() partitions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return partitions{primary: a.primary, image: a.image, offline: a.offline}
}

// openPartitions 打开（必要时创建）三个分区，primary 与 image 套上容量上限。
func (a *Agent) openPartitions(ctx context.Context) (partitions, error) {
	names := a.opts.Names
	primary, err := a.storage.Open(ctx, names.Primary)
	if err != nil {
		return partitions{}, fmt.Errorf("open partition %s: %w", names.Primary, err)
	}
	image, err := a.storage.Open(ctx, names.Image)
	if err != nil {
		return partitions{}, fmt.Errorf("open partition %s: %w", names.Image, err)
	}
	offline, err := a.storage.Open(ctx, names.Offline)
	if err != nil {
		return partitions{}, fmt.Errorf("open partition %s: %w", names.Offline, err)
	}

	boundedPrimary, err := cache.WithQuota(ctx, primary, cache.QuotaOptions{
		Limit:  a.opts.PrimaryLimit,
		Rank:   a.rank,
		Logger: a.logger,
	})
	if err != nil {
		return partitions{}, fmt.Errorf("index partition %s: %w", names.Primary, err)
	}
	boundedImage, err := cache.WithQuota(ctx, image, cache.QuotaOptions{
		Limit:  a.opts.ImageLimit,
		Rank:   a.rank,
		Logger: a.logger,
	})
	if err != nil {
		return partitions{}, fmt.Errorf("index partition %s: %w", names.Image, err)
	}

	parts := partitions{primary: boundedPrimary, image: boundedImage, offline: offline}
	a.mu.Lock()
	a.primary, a.image, a.offline = parts.primary, parts.image, parts.offline
	a.mu.Unlock()
	return parts, nil
}

// rank 决定淘汰顺序：清单资源按优先级排在非清单资源之后。
func (a *Agent) rank(key string) int {
	if p, ok := a.priorities[cache.KeyTarget(key)]; ok {
		return int(p) + 1
	}
	return 0
}

// Close 将 agent 标记为 redundant，并等待所有未完成的事件结束。
func (a *Agent) Close(ctx context.Context) error {
	a.setState(StateRedundant)
	if err := a.tasks.wait(ctx); err != nil {
		return fmt.Errorf("drain agent %s: %w", a.opts.Version, err)
	}
	a.logger.WithFields(logging.AgentFields("agent_retired", a.opts.Version, a.opts.Names.List())).Info("agent_retired")
	return nil
}

// PartitionStats 是诊断接口输出的分区摘要。
type PartitionStats struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Limit     int64  `json:"limit_bytes"`
}

// Stats 汇总当前版本三个分区的条目数与容量。
func (a *Agent) Stats(ctx context.Context) ([]PartitionStats, error) {
	parts := a.partitions()
	if parts.primary == nil {
		return nil, ErrNotActive
	}
	roles := []struct {
		role  string
		part  cache.Partition
		limit int64
	}{
		{role: "primary", part: parts.primary, limit: a.opts.PrimaryLimit},
		{role: "image", part: parts.image, limit: a.opts.ImageLimit},
		{role: "offline", part: parts.offline},
	}
	out := make([]PartitionStats, 0, len(roles))
	for _, item := range roles {
		infos, err := item.part.Entries(ctx)
		if err != nil {
			return nil, fmt.Errorf("list partition %s: %w", item.part.Name(), err)
		}
		stats := PartitionStats{Name: item.part.Name(), Role: item.role, Entries: len(infos), Limit: item.limit}
		for _, info := range infos {
			stats.SizeBytes += info.SizeBytes
		}
		out = append(out, stats)
	}
	return out, nil
}
