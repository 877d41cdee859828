package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// 支持的存储驱动。
const (
	DriverMemory = "memory"
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverS3     = "s3"
)

// Options 汇总各驱动所需参数，由 CLI 根据配置填充。
type Options struct {
	Driver string
	// Path 是 fs 驱动的根目录；sqlite 驱动在该目录下创建 cache.db。
	Path string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	S3 S3Options
}

// Open 按 Driver 构建 Storage，空 Driver 视为 fs。
func Open(ctx context.Context, opts Options) (Storage, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", DriverFS:
		return NewFileStorage(opts.Path)
	case DriverMemory:
		return NewMemoryStorage(), nil
	case DriverSQLite:
		if err := ensureDir(opts.Path); err != nil {
			return nil, err
		}
		return OpenSQLiteStorage(filepath.Join(opts.Path, "cache.db"))
	case DriverRedis:
		client := NewRedisClient(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStorage(client, opts.RedisNamespace)
	case DriverS3:
		client, err := NewS3Client(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Storage(client, opts.S3.Bucket, opts.S3.Prefix)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}
