package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 OFFLINE_HUB_CACHE_VERSION。
const EnvPrefix = "OFFLINE_HUB"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	applySiteDefaults(&cfg.Site)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxEntrySize", "20MiB")
	v.SetDefault("TraceEndpoint", "")

	v.SetDefault("Site.Upstream", "")
	v.SetDefault("Site.Domain", "")
	v.SetDefault("Site.PublicURL", "")

	v.SetDefault("Cache.Prefix", "portfolio")
	v.SetDefault("Cache.Version", "v1")
	v.SetDefault("Cache.NavigationTimeout", "3s")
	v.SetDefault("Cache.PrimaryLimit", "50MiB")
	v.SetDefault("Cache.ImageLimit", "30MiB")
	v.SetDefault("Cache.ReservedPrefixes", []string{"workbox-"})
	v.SetDefault("Cache.IgnoredSchemes", []string{"chrome-extension", "moz-extension", "safari-extension"})
	v.SetDefault("Cache.ExcludedPatterns", []string{"/browser-sync/", "/__webpack_hmr", "/sockjs-node/", "hot-update"})
	v.SetDefault("Cache.OfflinePath", "/offline.html")
	v.SetDefault("Cache.Dedupe", true)

	v.SetDefault("Storage.Driver", "fs")
	v.SetDefault("Storage.RedisAddr", "")
	v.SetDefault("Storage.RedisPassword", "")
	v.SetDefault("Storage.RedisDB", 0)
	v.SetDefault("Storage.RedisNamespace", "offline-hub")
	v.SetDefault("Storage.S3Bucket", "")
	v.SetDefault("Storage.S3Region", "us-east-1")
	v.SetDefault("Storage.S3Endpoint", "")
	v.SetDefault("Storage.S3AccessKey", "")
	v.SetDefault("Storage.S3SecretKey", "")
	v.SetDefault("Storage.S3Prefix", "")

	v.SetDefault("Notification.Title", "Portfolio")
	v.SetDefault("Notification.Icon", "/images/favicon.svg")
	v.SetDefault("Notification.Badge", "/images/favicon.svg")
	v.SetDefault("Notification.Vibrate", []int{100, 50, 100})
	v.SetDefault("Notification.Recent", 20)

	v.SetDefault("Offline.Title", "Offline")
	v.SetDefault("Offline.Heading", "You're offline")
	v.SetDefault("Offline.Message", "It looks like the network connection is unavailable. Check your connection and try again.")
	v.SetDefault("Offline.RetryLabel", "Try again")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.Prefix = strings.TrimSpace(c.Prefix)
	c.Version = strings.TrimSpace(c.Version)
	if c.NavigationTimeout.DurationValue() == 0 {
		c.NavigationTimeout = Duration(3 * time.Second)
	}
	for i, scheme := range c.IgnoredSchemes {
		c.IgnoredSchemes[i] = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":")
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Upstream = strings.TrimRight(strings.TrimSpace(s.Upstream), "/")
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.PublicURL = strings.TrimSpace(s.PublicURL)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return ByteSize(0), nil
			}
			parsed, err := humanize.ParseBytes(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return ByteSize(parsed), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
