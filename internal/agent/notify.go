package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// PushFallbackBody 是推送负载为空时展示的正文。
	PushFallbackBody = "New content available!"

	ActionExplore = "explore"
	ActionClose   = "close"

	defaultRecentNotifications = 20
)

// NotificationAction 是通知上的一个按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// NotificationData 随通知携带的附加数据。
type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int64 `json:"primaryKey"`
}

// Notification 是一次推送生成的通知。
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier 负责把通知展示出去。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RecentNotifier 记录日志并保留最近的若干条通知，供诊断接口查看。
type RecentNotifier struct {
	logger logrus.FieldLogger
	limit  int

	mu    sync.Mutex
	items []Notification
}

// NewRecentNotifier 创建通知记录器，limit <= 0 时使用默认容量。
func NewRecentNotifier(logger logrus.FieldLogger, limit int) *RecentNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if limit <= 0 {
		limit = defaultRecentNotifications
	}
	return &RecentNotifier{logger: logger, limit: limit}
}

func (r *RecentNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.items = append(r.items, n)
	if overflow := len(r.items) - r.limit; overflow > 0 {
		r.items = append([]Notification(nil), r.items[overflow:]...)
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":      "push_notification",
		"title":       n.Title,
		"body":        n.Body,
		"primary_key": n.Data.PrimaryKey,
	}).Info("notification_shown")
	return nil
}

// Recent 返回最近的通知，最新的在最后。
func (r *RecentNotifier) Recent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Push 根据负载文本生成通知并交给 Notifier；空负载使用固定的兜底文案。
func (a *Agent) Push(ctx context.Context, payload []byte) (Notification, error) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = PushFallbackBody
	}
	defaults := a.opts.Notification
	n := Notification{
		Title:   defaults.Title,
		Body:    body,
		Icon:    defaults.Icon,
		Badge:   defaults.Badge,
		Vibrate: append([]int(nil), defaults.Vibrate...),
		Data: NotificationData{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    atomic.AddInt64(&a.pushSeq, 1),
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Explore"},
			{Action: ActionClose, Title: "Close"},
		},
	}
	if err := a.notifier.Notify(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Sync 是后台同步的占位实现，只记录日志。
func (a *Agent) Sync(ctx context.Context, tag string) error {
	a.logger.WithFields(logrus.Fields{
		"action": "background_sync",
		"tag":    tag,
	}).Info("background_sync")
	return nil
}

// NotificationClick 决定点击后的动作：close 什么也不做，其它动作打开站点。
func (a *Agent) NotificationClick(action string) (string, bool) {
	if action == ActionClose {
		return "", false
	}
	target := a.opts.Origin
	if target == "" {
		target = "/"
	}
	return target, true
}
