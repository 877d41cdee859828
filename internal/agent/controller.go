package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Controller 扮演宿主运行时：安装、激活并切换 agent，同时把请求交给当前生效的版本。
type Controller struct {
	fallback Fetcher
	logger   logrus.FieldLogger

	deployMu sync.Mutex
	active   atomic.Pointer[Agent]
}

// NewController 创建控制器。fallback 在尚无激活 agent 时直接承接请求。
func NewController(fallback Fetcher, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{fallback: fallback, logger: logger}
}

// Deploy 依次执行 Install → Activate → 切换 → 退役旧版本。安装或激活失败时旧版本继续生效。
// 多次 Deploy 串行执行。
func (c *Controller) Deploy(ctx context.Context, next *Agent) (*InstallReport, error) {
	if next == nil {
		return nil, errors.New("deploy: nil agent")
	}
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	prev := c.active.Load()
	if prev == next {
		return nil, fmt.Errorf("deploy agent %s: already active", next.Version())
	}

	report, err := next.Install(ctx)
	if err != nil {
		next.setState(StateRedundant)
		c.logger.WithError(err).WithFields(logging.AgentFields("agent_deploy", next.Version(), next.Names().List())).Error("agent_deploy_failed")
		return nil, err
	}
	// 安装完成后立即激活，不等待旧版本的客户端。
	if err := next.Activate(ctx); err != nil {
		next.setState(StateRedundant)
		c.logger.WithError(err).WithFields(logging.AgentFields("agent_deploy", next.Version(), next.Names().List())).Error("agent_deploy_failed")
		return report, err
	}

	c.active.Store(next)
	fields := logging.AgentFields("agent_deploy", next.Version(), next.Names().List())
	if prev != nil {
		fields["previous"] = prev.Version()
	}
	c.logger.WithFields(fields).Info("agent_claimed")

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			c.logger.WithError(err).WithField("version", prev.Version()).Warn("agent_retire_incomplete")
		}
	}
	return report, nil
}

// Active 返回当前生效的 agent，可能为 nil。
func (c *Controller) Active() *Agent {
	return c.active.Load()
}

// Intercept 把请求交给当前 agent；尚无 agent 时直接回源。
// 请求若恰好落在被退役的旧版本上，会转交给新版本重试一次。
func (c *Controller) Intercept(ctx context.Context, req *Request) (*Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current := c.active.Load()
		if current == nil {
			break
		}
		res, err := current.Intercept(ctx, req)
		if errors.Is(err, ErrNotActive) {
			continue
		}
		return res, err
	}
	return c.bypass(ctx, req)
}

func (c *Controller) bypass(ctx context.Context, req *Request) (*Result, error) {
	if c.fallback == nil {
		return nil, ErrNotActive
	}
	res := &Result{Strategy: StrategyBypass, Source: SourceNetwork}
	if req != nil && req.URL != nil {
		res.Key = req.Key()
	}
	resp, err := c.fallback.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResponse, res.Key, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, res.Key)
	}
	res.Response = resp
	return res, nil
}

// OfflineDocument 返回当前 agent 的离线页。
func (c *Controller) OfflineDocument(ctx context.Context) (*cache.Response, error) {
	current := c.active.Load()
	if current == nil {
		return nil, ErrNotActive
	}
	return current.OfflineDocument(ctx)
}

// Close 退役当前 agent，等待其后台任务结束。
func (c *Controller) Close(ctx context.Context) error {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()
	current := c.active.Swap(nil)
	if current == nil {
		return nil
	}
	return current.Close(ctx)
}
