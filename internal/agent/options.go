package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/manifest"
)

const (
	defaultNavigationTimeout = 3 * time.Second
	defaultOfflinePath       = "/offline.html"

	// DefaultPrimaryLimit 与 DefaultImageLimit 是分区容量的默认上限。
	DefaultPrimaryLimit int64 = 50 << 20
	DefaultImageLimit   int64 = 30 << 20
)

// Names 是一个 agent 版本拥有的三个分区名称。
type Names struct {
	Primary string
	Image   string
	Offline string
}

// PartitionNamesFor 根据前缀与版本号生成分区名称，版本变化即意味着旧分区在激活时被清理。
func PartitionNamesFor(prefix, version string) Names {
	return Names{
		Primary: fmt.Sprintf("%s-static-%s", prefix, version),
		Image:   fmt.Sprintf("%s-images-%s", prefix, version),
		Offline: fmt.Sprintf("%s-offline-%s", prefix, version),
	}
}

// List 按 primary/image/offline 顺序返回名称。
func (n Names) List() []string {
	return []string{n.Primary, n.Image, n.Offline}
}

// Contains 判断 name 是否属于当前版本。
func (n Names) Contains(name string) bool {
	return name == n.Primary || name == n.Image || name == n.Offline
}

func (n Names) validate() error {
	if n.Primary == "" || n.Image == "" || n.Offline == "" {
		return errors.New("partition names required")
	}
	if n.Primary == n.Image || n.Primary == n.Offline || n.Image == n.Offline {
		return errors.New("partition names must be distinct")
	}
	return nil
}

// OfflineCopy 是离线页展示的文案。
type OfflineCopy struct {
	Title      string
	Heading    string
	Message    string
	RetryLabel string
}

// NotificationDefaults 是推送通知的固定展示参数。
type NotificationDefaults struct {
	Title   string
	Icon    string
	Badge   string
	Vibrate []int
}

// Options 在构造时注入，agent 生命周期内不可变。
type Options struct {
	Version          string
	Names            Names
	ReservedPrefixes []string
	Manifest         manifest.Manifest

	NavigationTimeout time.Duration
	IgnoredSchemes    []string
	ExcludedPatterns  []string

	// PrimaryLimit/ImageLimit <= 0 表示不限制。
	PrimaryLimit int64
	ImageLimit   int64

	OfflinePath  string
	Offline      OfflineCopy
	Notification NotificationDefaults
	// Origin 是通知点击后打开的地址。
	Origin string

	// Dedupe 开启后，同一 key 的未命中回源与后台刷新共享一次 fetch。
	Dedupe bool

	Notifier Notifier
}

func (o Options) withDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = defaultNavigationTimeout
	}
	if o.OfflinePath == "" {
		o.OfflinePath = defaultOfflinePath
	}
	if o.Manifest == nil {
		o.Manifest = manifest.Default()
	}
	if o.Offline.Heading == "" {
		o.Offline.Heading = "You're offline"
	}
	if o.Offline.Title == "" {
		o.Offline.Title = "Offline"
	}
	if o.Offline.Message == "" {
		o.Offline.Message = "It looks like the network connection is unavailable. Check your connection and try again."
	}
	if o.Offline.RetryLabel == "" {
		o.Offline.RetryLabel = "Try again"
	}
	schemes := make([]string, 0, len(o.IgnoredSchemes))
	for _, scheme := range o.IgnoredSchemes {
		if s := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":"); s != "" {
			schemes = append(schemes, s)
		}
	}
	o.IgnoredSchemes = schemes
	return o
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Version) == "" {
		return errors.New("agent version required")
	}
	if err := o.Names.validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(o.OfflinePath, "/") {
		return fmt.Errorf("offline path %q must start with /", o.OfflinePath)
	}
	return o.Manifest.Validate()
}

// reserved 判断分区是否属于其它子系统（名称匹配保留前缀）。
func (o Options) reserved(name string) bool {
	for _, prefix := range o.ReservedPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
