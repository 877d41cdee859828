package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/any-hub/offline-hub/internal/logging"
)

// Activate 删除所有既不属于当前版本、也不匹配保留前缀的分区，并重复执行一次同样的清理。
func (a *Agent) Activate(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "agent.activate")
	defer span.End()

	if !a.transition(StateInstalled, StateActivating) {
		if a.State() == StateActivated {
			return nil
		}
		return fmt.Errorf("activate agent %s: %w", a.opts.Version, ErrNotInstalled)
	}
	a.tasks.add()
	defer a.tasks.done()

	var removed []string
	for pass := 0; pass < 2; pass++ {
		deleted, err := a.prune(ctx)
		if err != nil {
			a.setState(StateRedundant)
			span.RecordError(err)
			span.SetStatus(codes.Error, "prune partitions")
			return fmt.Errorf("activate agent %s: %w", a.opts.Version, err)
		}
		removed = append(removed, deleted...)
	}

	a.setState(StateActivated)
	span.SetAttributes(attribute.StringSlice("activate.removed", removed))
	a.logger.WithContext(ctx).WithFields(logging.AgentFields("agent_activate", a.opts.Version, a.opts.Names.List())).
		WithField("removed", removed).Info("agent_activated")
	return nil
}

// prune 执行一轮清理，返回本轮删除的分区。
func (a *Agent) prune(ctx context.Context) ([]string, error) {
	names, err := a.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var removed []string
	for _, name := range names {
		if a.opts.Names.Contains(name) || a.opts.reserved(name) {
			continue
		}
		deleted, err := a.storage.Delete(ctx, name)
		if err != nil {
			return removed, fmt.Errorf("delete partition %s: %w", name, err)
		}
		if deleted {
			removed = append(removed, name)
		}
	}
	return removed, nil
}
