package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Fetch 模式，对应请求的 Sec-Fetch-Mode。
const (
	ModeNavigate   = "navigate"
	ModeSameOrigin = "same-origin"
	ModeCORS       = "cors"
	ModeNoCORS     = "no-cors"
)

// CacheModeOnlyIfCached 表示请求只接受缓存结果。
const CacheModeOnlyIfCached = "only-if-cached"

// Request 是被拦截的一次请求。URL 可以是绝对地址，也可以只有 path?query。
type Request struct {
	Method    string
	URL       *url.URL
	Header    http.Header
	Mode      string
	CacheMode string
	// Body 只在直通（非 GET）请求中转发给源站。
	Body []byte
}

// NewRequest 解析 rawURL 并构建 GET 以外方法同样适用的请求。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", rawURL, err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: parsed, Header: http.Header{}}, nil
}

// Key 返回请求在分区中的身份。
func (r *Request) Key() string {
	return cache.RequestKey(r.Method, r.URL)
}

// Accepts 判断 Accept 头是否包含指定媒体类型。
func (r *Request) Accepts(mediaType string) bool {
	if r.Header == nil {
		return false
	}
	for _, value := range r.Header.Values("Accept") {
		if containsFold(value, mediaType) {
			return true
		}
	}
	return false
}

// Fetcher 代表"网络"：向源站发起请求并返回完整响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}
