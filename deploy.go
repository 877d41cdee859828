package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
)

const redeployTimeout = 2 * time.Minute

// deployer 根据配置构建 agent 并交给控制器部署；配置文件中的缓存版本变化时重新部署。
// 存储、源站与监听端口在启动后固定，修改它们需要重启进程。
type deployer struct {
	controller *agent.Controller
	storage    cache.Storage
	fetcher    agent.Fetcher
	notifier   *agent.RecentNotifier
	logger     *logrus.Logger

	mu      sync.Mutex
	current *config.Config
}

func newDeployer(controller *agent.Controller, storage cache.Storage, fetcher agent.Fetcher, logger *logrus.Logger, cfg *config.Config) *deployer {
	recent := 0
	if cfg != nil {
		recent = cfg.Notification.Recent
	}
	return &deployer{
		controller: controller,
		storage:    storage,
		fetcher:    fetcher,
		// 通知历史跨版本保留。
		notifier: agent.NewRecentNotifier(logger, recent),
		logger:   logger,
	}
}

// deploy 构建并部署 cfg 描述的 agent 版本。
func (d *deployer) deploy(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deployLocked(ctx, cfg)
}

func (d *deployer) deployLocked(ctx context.Context, cfg *config.Config) error {
	opts, err := agentOptions(cfg, d.notifier)
	if err != nil {
		return err
	}
	next, err := agent.New(opts, d.storage, d.fetcher, d.logger)
	if err != nil {
		return err
	}
	report, err := d.controller.Deploy(ctx, next)
	if err != nil {
		return err
	}
	fields := logging.AgentFields("agent_deploy", opts.Version, opts.Names.List())
	fields["cached"] = len(report.Cached)
	fields["skipped"] = len(report.Skipped)
	fields["failed"] = len(report.Failed)
	d.logger.WithFields(fields).Info("agent_deployed")
	d.current = cfg
	return nil
}

// onConfigChange 是 config.Watch 的回调。只有分区名称（前缀或版本）变化才会触发新版本部署。
func (d *deployer) onConfigChange(next *config.Config, err error) {
	if err != nil {
		d.logger.WithError(err).WithField("action", "config_reload").Warn("config_reload_failed")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.current.Cache.Prefix == next.Cache.Prefix && d.current.Cache.Version == next.Cache.Version {
		d.logger.WithFields(logrus.Fields{
			"action":  "config_reload",
			"version": next.Cache.Version,
		}).Debug("cache_version_unchanged")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redeployTimeout)
	defer cancel()
	if err := d.deployLocked(ctx, next); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "config_reload",
			"version": next.Cache.Version,
		}).Error("agent_redeploy_failed")
	}
}

// agentOptions 把配置翻译为不可变的 agent.Options。
func agentOptions(cfg *config.Config, notifier agent.Notifier) (agent.Options, error) {
	assets, err := cfg.Manifest()
	if err != nil {
		return agent.Options{}, err
	}
	return agent.Options{
		Version:           cfg.Cache.Version,
		Names:             agent.PartitionNamesFor(cfg.Cache.Prefix, cfg.Cache.Version),
		ReservedPrefixes:  append([]string(nil), cfg.Cache.ReservedPrefixes...),
		Manifest:          assets,
		NavigationTimeout: cfg.Cache.NavigationTimeout.DurationValue(),
		IgnoredSchemes:    append([]string(nil), cfg.Cache.IgnoredSchemes...),
		ExcludedPatterns:  append([]string(nil), cfg.Cache.ExcludedPatterns...),
		PrimaryLimit:      cfg.Cache.PrimaryLimit.Int64(),
		ImageLimit:        cfg.Cache.ImageLimit.Int64(),
		OfflinePath:       cfg.Cache.OfflinePath,
		Offline: agent.OfflineCopy{
			Title:      cfg.Offline.Title,
			Heading:    cfg.Offline.Heading,
			Message:    cfg.Offline.Message,
			RetryLabel: cfg.Offline.RetryLabel,
		},
		Notification: agent.NotificationDefaults{
			Title:   cfg.Notification.Title,
			Icon:    cfg.Notification.Icon,
			Badge:   cfg.Notification.Badge,
			Vibrate: append([]int(nil), cfg.Notification.Vibrate...),
		},
		Origin:   cfg.Site.ClickTarget(),
		Dedupe:   cfg.Cache.Dedupe,
		Notifier: notifier,
	}, nil
}

// storageOptions 把 [Storage] 配置翻译为 cache.Options，sqlite/fs 共用 StoragePath。
func storageOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		Driver:         cfg.Storage.Driver,
		Path:           cfg.Global.StoragePath,
		RedisAddr:      cfg.Storage.RedisAddr,
		RedisPassword:  cfg.Storage.RedisPassword,
		RedisDB:        cfg.Storage.RedisDB,
		RedisNamespace: cfg.Storage.RedisNamespace,
		S3: cache.S3Options{
			Bucket:    cfg.Storage.S3Bucket,
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			Prefix:    cfg.Storage.S3Prefix,
		},
	}
}
