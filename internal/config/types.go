package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "3s"、"500ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 支持 "50MiB"、"30MB" 或纯字节数写法，0 表示不限制。
type ByteSize int64

// UnmarshalText 使用 humanize 解析带单位的容量。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	if b <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储目录与链路追踪。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxEntrySize    ByteSize `mapstructure:"MaxEntrySize"`
	TraceEndpoint   string   `mapstructure:"TraceEndpoint"`
}

// SiteConfig 描述被托管的站点：上游源站、对外域名以及通知点击跳转地址。
type SiteConfig struct {
	Upstream  string `mapstructure:"Upstream"`
	Domain    string `mapstructure:"Domain"`
	PublicURL string `mapstructure:"PublicURL"`
}

// CacheConfig 控制分区命名、策略超时与容量上限。
type CacheConfig struct {
	Prefix            string   `mapstructure:"Prefix"`
	Version           string   `mapstructure:"Version"`
	NavigationTimeout Duration `mapstructure:"NavigationTimeout"`
	PrimaryLimit      ByteSize `mapstructure:"PrimaryLimit"`
	ImageLimit        ByteSize `mapstructure:"ImageLimit"`
	ReservedPrefixes  []string `mapstructure:"ReservedPrefixes"`
	IgnoredSchemes    []string `mapstructure:"IgnoredSchemes"`
	ExcludedPatterns  []string `mapstructure:"ExcludedPatterns"`
	OfflinePath       string   `mapstructure:"OfflinePath"`
	Dedupe            bool     `mapstructure:"Dedupe"`
}

// StorageConfig 选择分区存储驱动。fs/sqlite 使用全局 StoragePath。
type StorageConfig struct {
	Driver         string `mapstructure:"Driver"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisNamespace string `mapstructure:"RedisNamespace"`
	S3Bucket       string `mapstructure:"S3Bucket"`
	S3Region       string `mapstructure:"S3Region"`
	S3Endpoint     string `mapstructure:"S3Endpoint"`
	S3AccessKey    string `mapstructure:"S3AccessKey"`
	S3SecretKey    string `mapstructure:"S3SecretKey"`
	S3Prefix       string `mapstructure:"S3Prefix"`
}

// NotificationConfig 是推送通知的默认展示参数。
type NotificationConfig struct {
	Title   string `mapstructure:"Title"`
	Icon    string `mapstructure:"Icon"`
	Badge   string `mapstructure:"Badge"`
	Vibrate []int  `mapstructure:"Vibrate"`
	Recent  int    `mapstructure:"Recent"`
}

// OfflineConfig 是离线页的文案。
type OfflineConfig struct {
	Title      string `mapstructure:"Title"`
	Heading    string `mapstructure:"Heading"`
	Message    string `mapstructure:"Message"`
	RetryLabel string `mapstructure:"RetryLabel"`
}

// AssetConfig 对应 [[Asset]] 清单条目。
type AssetConfig struct {
	URL      string `mapstructure:"URL"`
	Priority string `mapstructure:"Priority"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Site         SiteConfig         `mapstructure:"Site"`
	Cache        CacheConfig        `mapstructure:"Cache"`
	Storage      StorageConfig      `mapstructure:"Storage"`
	Notification NotificationConfig `mapstructure:"Notification"`
	Offline      OfflineConfig      `mapstructure:"Offline"`
	Assets       []AssetConfig      `mapstructure:"Asset"`
}

// ClickTarget 返回通知点击后打开的地址，未配置 PublicURL 时回退到上游地址。
func (s SiteConfig) ClickTarget() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.Upstream
}
