package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Result 是一次拦截的结果。Response 已可直接返回给客户端，后台写缓存或刷新
// 仍可能在进行，需要时通过 Wait 等待。
type Result struct {
	Response *cache.Response
	Strategy Strategy
	Source   Source
	Key      string

	event *Event
}

// Wait 等待本次拦截派生的全部后台任务结束，返回第一个失败。
func (r *Result) Wait() error {
	if r == nil || r.event == nil {
		return nil
	}
	return r.event.Wait()
}

// Intercept 为请求选择策略并返回响应。非 HTML 请求在网络失败且无缓存时返回
// 包装了 ErrNoResponse 的错误，不会用离线页替代。
func (a *Agent) Intercept(ctx context.Context, req *Request) (*Result, error) {
	a.tasks.add()
	defer a.tasks.done()
	if a.State() != StateActivated {
		return nil, ErrNotActive
	}
	if req == nil {
		return nil, errors.New("intercept: nil request")
	}

	r := a.classify(req)
	res := &Result{Strategy: r.strategy()}
	if req.URL != nil {
		res.Key = req.Key()
	}

	ctx, span := a.tracer.Start(ctx, "agent.intercept", trace.WithAttributes(
		attribute.String("agent.version", a.opts.Version),
		attribute.String("cache.key", res.Key),
		attribute.String("cache.strategy", string(res.Strategy)),
	))
	defer span.End()

	ev := newEvent(ctx, a.tasks)
	res.event = ev
	parts := a.partitions()

	var err error
	switch r {
	case routeBypass:
		err = a.passThrough(ctx, req, res)
	case routeDocument:
		err = a.networkFirst(ctx, ev, parts, req, res)
	case routeImage:
		err = a.cacheFirst(ctx, ev, parts.image, req, res)
	case routeStatic:
		err = a.cacheFirst(ctx, ev, parts.primary, req, res)
	default:
		err = a.networkDefault(ctx, ev, parts, req, res)
	}

	span.SetAttributes(attribute.String("cache.source", string(res.Source)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intercept failed")
		a.logger.WithError(err).WithFields(logging.RequestFields(ctx, "", res.Key, string(res.Strategy), "", false)).Debug("intercept_failed")
		return nil, err
	}
	a.logger.WithFields(logging.RequestFields(ctx, "", res.Key, string(res.Strategy), string(res.Source), res.Source == SourceCache)).Debug("intercept_served")
	return res, nil
}

func (a *Agent) passThrough(ctx context.Context, req *Request, res *Result) error {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoResponse, res.Key, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: %s", ErrNoResponse, res.Key)
	}
	res.Response, res.Source = resp, SourceNetwork
	return nil
}

// networkFirst 用于 HTML：超时赛跑回源，成功时异步写入 primary；失败时依次回退到
// primary 缓存与离线页。
func (a *Agent) networkFirst(ctx context.Context, ev *Event, parts partitions, req *Request, res *Result) error {
	resp, err := raceTimeout(ctx, ev, a.opts.NavigationTimeout, func(fetchCtx context.Context) (*cache.Response, error) {
		return a.fetcher.Fetch(fetchCtx, req)
	})
	if err == nil {
		if resp.Status == http.StatusOK {
			stored := resp.Clone()
			ev.WaitUntil(func(bgCtx context.Context) error {
				return a.store(bgCtx, parts.primary, res.Key, stored)
			})
		}
		res.Response, res.Source = resp, SourceNetwork
		return nil
	}

	a.logger.WithError(err).WithField("key", res.Key).Debug("navigation_fallback")
	if cached, matchErr := parts.primary.Match(ctx, res.Key); matchErr == nil {
		res.Response, res.Source = cached, SourceCache
		return nil
	}
	offline, offlineErr := a.OfflineDocument(ctx)
	if offlineErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoResponse, res.Key, offlineErr)
	}
	res.Response, res.Source = offline, SourceOffline
	return nil
}

// cacheFirst 命中时立即返回缓存并在后台刷新；未命中时回源，仅缓存 200 + basic 响应。
func (a *Agent) cacheFirst(ctx context.Context, ev *Event, part cache.Partition, req *Request, res *Result) error {
	cached, err := part.Match(ctx, res.Key)
	if err == nil {
		res.Response, res.Source = cached, SourceCache
		ev.WaitUntil(func(bgCtx context.Context) error {
			if _, err := a.fetchAndCache(bgCtx, part, req); err != nil {
				a.logger.WithError(err).WithField("key", res.Key).Debug("revalidate_failed")
				return fmt.Errorf("revalidate %s: %w", res.Key, err)
			}
			return nil
		})
		return nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		a.logger.WithError(err).WithField("key", res.Key).Warn("cache_match_failed")
	}

	resp, err := a.fetchAndCache(ctx, part, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoResponse, res.Key, err)
	}
	res.Response, res.Source = resp, SourceNetwork
	return nil
}

// networkDefault 直接回源，可缓存的响应异步写入 primary；网络失败时在三个分区中查找兜底。
func (a *Agent) networkDefault(ctx context.Context, ev *Event, parts partitions, req *Request, res *Result) error {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err == nil && resp != nil {
		if resp.Cacheable() {
			stored := resp.Clone()
			ev.WaitUntil(func(bgCtx context.Context) error {
				return a.store(bgCtx, parts.primary, res.Key, stored)
			})
		}
		res.Response, res.Source = resp, SourceNetwork
		return nil
	}
	if err == nil {
		err = errors.New("empty response")
	}

	if cached, _, matchErr := matchAny(ctx, parts.all(), res.Key); matchErr == nil {
		res.Response, res.Source = cached, SourceCache
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrNoResponse, res.Key, err)
}

// fetchAndCache 回源并在响应可缓存时写入 part。开启 Dedupe 时同一分区同一 key
// 的并发调用共享一次回源，每个调用方拿到独立副本。
func (a *Agent) fetchAndCache(ctx context.Context, part cache.Partition, req *Request) (*cache.Response, error) {
	key := req.Key()
	do := func(ctx context.Context) (*cache.Response, error) {
		resp, err := a.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("empty response")
		}
		if resp.Cacheable() {
			// 写入失败已在 store 中记录，响应照常返回。
			_ = a.store(ctx, part, key, resp)
		}
		return resp, nil
	}
	if !a.opts.Dedupe {
		return do(ctx)
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := a.flight.Do(part.Name()+" "+key, func() (interface{}, error) {
		return do(shared)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Response).Clone(), nil
}

// store 写入分区。分区已被新版本清理时静默放弃，避免旧 agent 让分区复活。
func (a *Agent) store(ctx context.Context, part cache.Partition, key string, resp *cache.Response) error {
	if part == nil {
		return cache.ErrStoreUnavailable
	}
	err := part.Put(ctx, key, resp)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrPartitionDeleted):
		a.logger.WithField("key", key).WithField("partition", part.Name()).Debug("cache_write_skipped")
		return nil
	default:
		a.logger.WithError(err).WithField("key", key).WithField("partition", part.Name()).Warn("cache_write_failed")
		return fmt.Errorf("cache %s into %s: %w", key, part.Name(), err)
	}
}
