package agent

import (
	"context"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

type fetchOutcome struct {
	resp *cache.Response
	err  error
}

// raceTimeout 让 fetch 与计时器赛跑。fetch 挂在事件上运行且不会被取消，
// 超时后其结果被丢弃。
func raceTimeout(ctx context.Context, ev *Event, timeout time.Duration, fetch func(ctx context.Context) (*cache.Response, error)) (*cache.Response, error) {
	done := make(chan fetchOutcome, 1)
	ev.WaitUntil(func(ctx context.Context) error {
		resp, err := fetch(ctx)
		done <- fetchOutcome{resp: resp, err: err}
		return nil
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err == nil && out.resp == nil {
			return nil, ErrNoResponse
		}
		return out.resp, out.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
