package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理分区命名空间。Open 在分区不存在时创建；Delete 对不存在的分区是 no-op。
type Storage interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 列出当前所有分区名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个分区及其条目，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层连接或句柄。
	Close() error
}

// Partition 是一个命名的请求键 → 响应快照存储。
type Partition interface {
	Name() string

	// Match 返回缓存的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 整体替换 key 对应的条目，写入必须原子化。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除条目，返回此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Entries 返回分区内全部条目的摘要，供配额索引和诊断端使用。
	Entries(ctx context.Context) ([]EntryInfo, error)
}

// EntryInfo 是条目的元信息摘要。
type EntryInfo struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

// ResponseType 对应浏览器 Response.type，用于判断响应是否允许写缓存。
type ResponseType string

const (
	ResponseTypeBasic   ResponseType = "basic"
	ResponseTypeCORS    ResponseType = "cors"
	ResponseTypeOpaque  ResponseType = "opaque"
	ResponseTypeDefault ResponseType = "default"
)

// Response 是一次响应的完整快照（状态码、头部、正文），条目只会被整体替换。
type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Body     []byte       `json:"body"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url"`
	StoredAt time.Time    `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreUnavailable 表示存储未初始化或已关闭。
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrInvalidName 表示分区名或条目键为空。
	ErrInvalidName = errors.New("partition name and key required")
	// ErrPartitionDeleted 表示分区已被删除，旧句柄上的写入不会让分区复活。
	ErrPartitionDeleted = errors.New("cache partition deleted")
)

// RequestKey 生成请求身份：method + 同源相对 URL（path?query）。
func RequestKey(method string, u *url.URL) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	target := "/"
	if u != nil {
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}
	return method + " " + target
}

// KeyTarget 从请求键中取出 path?query 部分。
func KeyTarget(key string) string {
	if idx := strings.IndexByte(key, ' '); idx >= 0 {
		return key[idx+1:]
	}
	return key
}
