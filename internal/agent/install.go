package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// InstallReport 记录安装阶段每个清单资源的结果。
type InstallReport struct {
	Cached  []string `json:"cached"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
	// OfflineDocument 表示离线页是否写入成功。
	OfflineDocument bool `json:"offline_document"`
}

type assetOutcome int

const (
	assetCached assetOutcome = iota
	assetSkipped
	assetFailed
)

// Install 打开分区、并发预缓存清单资源并写入离线页。单个资源失败只记录警告，
// 只有分区无法打开时安装才失败，此时 agent 变为 redundant。
func (a *Agent) Install(ctx context.Context) (*InstallReport, error) {
	ctx, span := a.tracer.Start(ctx, "agent.install")
	defer span.End()

	if !a.transition(StateParsed, StateInstalling) {
		return nil, fmt.Errorf("install agent %s: unexpected state %s", a.opts.Version, a.State())
	}
	a.tasks.add()
	defer a.tasks.done()

	parts, err := a.openPartitions(ctx)
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).WithFields(logging.AgentFields("agent_install", a.opts.Version, a.opts.Names.List())).Error("agent_install_failed")
		a.setState(StateRedundant)
		span.RecordError(err)
		span.SetStatus(codes.Error, "open partitions")
		return nil, fmt.Errorf("install agent %s: %w", a.opts.Version, err)
	}

	report := &InstallReport{}
	evicted := make(map[string]struct{})
	var mu sync.Mutex
	var group errgroup.Group
	for _, descriptor := range a.opts.Manifest {
		descriptor := descriptor
		group.Go(func() error {
			outcome, target, victims := a.precache(ctx, parts, descriptor)
			mu.Lock()
			for _, key := range victims {
				evicted[cache.KeyTarget(key)] = struct{}{}
			}
			switch outcome {
			case assetCached:
				report.Cached = append(report.Cached, target)
			case assetSkipped:
				report.Skipped = append(report.Skipped, target)
			default:
				report.Failed = append(report.Failed, target)
			}
			mu.Unlock()
			return nil
		})
	}
	group.Go(func() error {
		if err := a.writeOfflineDocument(ctx, parts.offline); err != nil {
			a.logger.WithError(err).WithField("action", "agent_install").Warn("offline_document_write_failed")
			return nil
		}
		mu.Lock()
		report.OfflineDocument = true
		mu.Unlock()
		return nil
	})
	_ = group.Wait()
	a.reconcileEvicted(ctx, parts, report, evicted)

	a.setState(StateInstalled)
	span.SetAttributes(
		attribute.Int("install.cached", len(report.Cached)),
		attribute.Int("install.skipped", len(report.Skipped)),
		attribute.Int("install.failed", len(report.Failed)),
	)
	a.logger.WithContext(ctx).WithFields(logging.AgentFields("agent_install", a.opts.Version, a.opts.Names.List())).
		WithFields(logrus.Fields{
			"cached":  len(report.Cached),
			"skipped": len(report.Skipped),
			"failed":  len(report.Failed),
		}).Info("agent_installed")
	return report, nil
}

// precache 处理单个清单资源：已在任一分区中则跳过，否则回源并按后缀写入 image 或 primary。
func (a *Agent) precache(ctx context.Context, parts partitions, descriptor manifest.Descriptor) (assetOutcome, string, []string) {
	target, err := manifest.NormalizePath(descriptor.URL)
	if err != nil {
		a.logger.WithError(err).WithField("url", descriptor.URL).Warn("precache_invalid_url")
		return assetFailed, descriptor.URL, nil
	}
	assetURL, err := url.Parse(target)
	if err != nil {
		a.logger.WithError(err).WithField("url", target).Warn("precache_invalid_url")
		return assetFailed, target, nil
	}
	req := &Request{
		Method: http.MethodGet,
		URL:    assetURL,
		Header: http.Header{},
		Mode:   ModeSameOrigin,
	}
	key := req.Key()

	if _, _, err := matchAny(ctx, parts.all(), key); err == nil {
		return assetSkipped, target, nil
	}

	fields := logrus.Fields{
		"action":   "precache",
		"url":      target,
		"priority": descriptor.Priority.String(),
	}
	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		a.logger.WithError(err).WithFields(fields).Warn("precache_fetch_failed")
		return assetFailed, target, nil
	}
	if resp == nil || resp.Status != http.StatusOK {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		a.logger.WithFields(fields).WithField("status", status).Warn("precache_bad_status")
		return assetFailed, target, nil
	}

	dest := parts.primary
	if isImagePath(assetURL.Path) {
		dest = parts.image
	}
	victims, err := putEvicting(ctx, dest, key, resp)
	if err != nil {
		a.logger.WithError(err).WithFields(fields).Warn("precache_write_failed")
		return assetFailed, target, nil
	}
	return assetCached, target, victims
}

func putEvicting(ctx context.Context, dest cache.Partition, key string, resp *cache.Response) ([]string, error) {
	if bounded, ok := dest.(*cache.QuotaPartition); ok {
		return bounded.PutEvicting(ctx, key, resp)
	}
	return nil, dest.Put(ctx, key, resp)
}

// reconcileEvicted 把安装期间被配额淘汰、最终不在任何分区中的资源改记为失败。
func (a *Agent) reconcileEvicted(ctx context.Context, parts partitions, report *InstallReport, evicted map[string]struct{}) {
	if len(evicted) == 0 {
		return
	}
	keep := func(targets []string) []string {
		out := targets[:0]
		for _, target := range targets {
			if _, hit := evicted[target]; hit && !a.presentAnywhere(ctx, parts, target) {
				a.logger.WithFields(logrus.Fields{
					"action": "precache",
					"url":    target,
				}).Warn("precache_evicted")
				report.Failed = append(report.Failed, target)
				continue
			}
			out = append(out, target)
		}
		return out
	}
	report.Cached = keep(report.Cached)
	report.Skipped = keep(report.Skipped)
}

func (a *Agent) presentAnywhere(ctx context.Context, parts partitions, target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	_, _, err = matchAny(ctx, parts.all(), cache.RequestKey(http.MethodGet, u))
	return err == nil
}

// matchAny 依次在多个分区中查找 key，返回第一个命中及其分区。
func matchAny(ctx context.Context, parts []cache.Partition, key string) (*cache.Response, cache.Partition, error) {
	for _, part := range parts {
		if part == nil {
			continue
		}
		resp, err := part.Match(ctx, key)
		if err == nil {
			return resp, part, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, cache.ErrNotFound
}
