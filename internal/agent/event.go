package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Event 对应一次生命周期或拦截事件。通过 WaitUntil 派生的子任务都挂在事件上，
// Wait 会等待它们全部结束并返回第一个错误。
type Event struct {
	ctx     context.Context
	group   errgroup.Group
	tracker *tracker
}

func newEvent(ctx context.Context, t *tracker) *Event {
	return &Event{ctx: context.WithoutCancel(ctx), tracker: t}
}

// WaitUntil 派生一个与请求取消解耦的子任务。
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	if e.tracker != nil {
		e.tracker.add()
	}
	e.group.Go(func() error {
		if e.tracker != nil {
			defer e.tracker.done()
		}
		return fn(e.ctx)
	})
}

// Wait 等待全部子任务结束。
func (e *Event) Wait() error {
	return e.group.Wait()
}

// tracker 统计 agent 上尚未结束的事件与子任务，退役时据此排空。
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	idle := make(chan struct{})
	close(idle)
	return &tracker{idle: idle}
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// wait 阻塞到没有未完成任务或 ctx 结束。
func (t *tracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle := t.idle
		n := t.n
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
