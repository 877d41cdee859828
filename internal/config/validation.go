package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/manifest"
)

var supportedDrivers = map[string]struct{}{
	"fs":     {},
	"memory": {},
	"sqlite": {},
	"redis":  {},
	"s3":     {},
}

const supportedDriverList = "fs|memory|sqlite|redis|s3"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}
	if g.TraceEndpoint != "" {
		if err := validateUpstream(g.TraceEndpoint); err != nil {
			return fmt.Errorf("Global.TraceEndpoint: %w", err)
		}
	}

	if err := validateUpstream(c.Site.Upstream); err != nil {
		return fmt.Errorf("Site.Upstream: %w", err)
	}
	if c.Site.Domain != "" {
		if err := validateDomain(c.Site.Domain); err != nil {
			return fmt.Errorf("Site.Domain: %w", err)
		}
	}
	if c.Site.PublicURL != "" {
		if err := validateUpstream(c.Site.PublicURL); err != nil {
			return fmt.Errorf("Site.PublicURL: %w", err)
		}
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}

	for i, vibrate := range c.Notification.Vibrate {
		if vibrate < 0 {
			return newFieldError(fmt.Sprintf("Notification.Vibrate[%d]", i), "不能为负数")
		}
	}
	if c.Notification.Recent < 0 {
		return newFieldError("Notification.Recent", "不能为负数")
	}

	if _, err := c.Manifest(); err != nil {
		return err
	}
	return nil
}

func (c CacheConfig) validate() error {
	if err := validateNameSegment(c.Prefix); err != nil {
		return newFieldError("Cache.Prefix", err.Error())
	}
	if err := validateNameSegment(c.Version); err != nil {
		return newFieldError("Cache.Version", err.Error())
	}
	if c.NavigationTimeout.DurationValue() <= 0 {
		return newFieldError("Cache.NavigationTimeout", "必须大于 0")
	}
	if c.PrimaryLimit < 0 {
		return newFieldError("Cache.PrimaryLimit", "不能为负数")
	}
	if c.ImageLimit < 0 {
		return newFieldError("Cache.ImageLimit", "不能为负数")
	}
	if !strings.HasPrefix(c.OfflinePath, "/") || strings.HasPrefix(c.OfflinePath, "/-/") {
		return newFieldError("Cache.OfflinePath", "必须以 / 开头且不能位于 /-/ 诊断路径下")
	}
	for i, prefix := range c.ReservedPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return newFieldError(fmt.Sprintf("Cache.ReservedPrefixes[%d]", i), "不能为空")
		}
	}
	for i, pattern := range c.ExcludedPatterns {
		if pattern == "" {
			return newFieldError(fmt.Sprintf("Cache.ExcludedPatterns[%d]", i), "不能为空")
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if _, ok := supportedDrivers[driver]; !ok {
		return newFieldError("Storage.Driver", "仅支持 "+supportedDriverList)
	}
	switch driver {
	case "redis":
		if s.RedisAddr == "" {
			return newFieldError("Storage.RedisAddr", "redis 驱动必须提供地址")
		}
		if s.RedisDB < 0 {
			return newFieldError("Storage.RedisDB", "不能为负数")
		}
	case "s3":
		if s.S3Bucket == "" {
			return newFieldError("Storage.S3Bucket", "s3 驱动必须提供 bucket")
		}
		if (s.S3AccessKey == "") != (s.S3SecretKey == "") {
			return newFieldError("Storage.S3AccessKey/S3SecretKey", "必须同时提供或同时留空")
		}
		if s.S3Endpoint != "" {
			if err := validateUpstream(s.S3Endpoint); err != nil {
				return fmt.Errorf("Storage.S3Endpoint: %w", err)
			}
		}
	}
	return nil
}

// Manifest 将 [[Asset]] 转换为预缓存清单，未声明任何条目时使用内置清单。
func (c *Config) Manifest() (manifest.Manifest, error) {
	if len(c.Assets) == 0 {
		return manifest.Default(), nil
	}
	out := make(manifest.Manifest, 0, len(c.Assets))
	seen := make(map[string]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		normalized, err := manifest.NormalizePath(asset.URL)
		if err != nil {
			return nil, newFieldError(assetField(i, "URL"), err.Error())
		}
		if _, dup := seen[normalized]; dup {
			return nil, newFieldError(assetField(i, "URL"), "重复: "+normalized)
		}
		seen[normalized] = struct{}{}

		priority := manifest.PriorityMedium
		if strings.TrimSpace(asset.Priority) != "" {
			parsed, err := manifest.ParsePriority(asset.Priority)
			if err != nil {
				return nil, newFieldError(assetField(i, "Priority"), "仅支持 CRITICAL/HIGH/MEDIUM/LOW")
			}
			priority = parsed
		}
		out = append(out, manifest.Descriptor{URL: normalized, Priority: priority})
	}
	return out, nil
}

func validateNameSegment(value string) error {
	if value == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, `/\ `) || strings.HasPrefix(value, ".") {
		return errors.New("不允许包含路径分隔符、空格或以 . 开头")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
