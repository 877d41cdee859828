package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
)

// ErrResponseTooLarge 表示源站正文超过 MaxEntrySize，整个响应被丢弃。
var ErrResponseTooLarge = errors.New("upstream response exceeds max entry size")

// Upstream 是 agent 眼中的"网络"：把拦截到的请求转发给源站并读出完整响应。
type Upstream struct {
	client  *http.Client
	base    *url.URL
	maxBody int64
	logger  *logrus.Logger
}

// NewUpstream 构建源站 Fetcher。maxBody ≤ 0 表示不限制正文大小。
func NewUpstream(client *http.Client, base *url.URL, maxBody int64, logger *logrus.Logger) (*Upstream, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if base == nil || base.Host == "" {
		return nil, errors.New("upstream url is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Upstream{client: client, base: base, maxBody: maxBody, logger: logger}, nil
}

// Fetch 实现 agent.Fetcher。非 2xx 状态同样作为正常响应返回，只有网络层失败才返回 error。
func (u *Upstream) Fetch(ctx context.Context, req *agent.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	target := resolveUpstreamURL(u.base, req.URL)

	httpReq, err := u.buildUpstreamRequest(ctx, target, req)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		u.logResult(req, target.String(), 0, started, err)
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := u.readBody(resp.Body)
	if err != nil {
		u.logResult(req, target.String(), resp.StatusCode, started, err)
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	// 正文已完整读出，长度以实际字节为准。
	header.Del("Content-Length")

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	u.logResult(req, finalURL.String(), resp.StatusCode, started, nil)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Type:   u.responseType(req, finalURL),
		URL:    finalURL.String(),
	}, nil
}

func (u *Upstream) buildUpstreamRequest(ctx context.Context, target *url.URL, req *agent.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Content-Length")
	httpReq.Host = target.Host
	httpReq.Header.Set("Host", target.Host)
	if req.URL.Host != "" {
		httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
	}
	if req.URL.Scheme != "" {
		httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	return httpReq, nil
}

func (u *Upstream) readBody(r io.Reader) ([]byte, error) {
	if u.maxBody <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, u.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > u.maxBody {
		return nil, fmt.Errorf("%w (%s)", ErrResponseTooLarge, humanize.IBytes(uint64(u.maxBody)))
	}
	return body, nil
}

// responseType 模拟浏览器对响应的分类：落在源站上的为 basic，
// 被重定向到其他主机时按请求模式区分 cors 与 opaque。
func (u *Upstream) responseType(req *agent.Request, final *url.URL) cache.ResponseType {
	if final == nil || strings.EqualFold(final.Host, u.base.Host) {
		return cache.ResponseTypeBasic
	}
	if req.Mode == agent.ModeCORS {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

func (u *Upstream) logResult(req *agent.Request, upstream string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "origin_fetch",
		"method":          req.Method,
		"upstream":        upstream,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		u.logger.WithFields(fields).Warn("origin_fetch_failed")
		return
	}
	u.logger.WithFields(fields).Debug("origin_fetch_complete")
}

// resolveUpstreamURL 把请求的 path?query 挂到源站地址下，保留源站自身的路径前缀。
func resolveUpstreamURL(base *url.URL, requested *url.URL) *url.URL {
	target := *base
	reqPath := requested.EscapedPath()
	if reqPath == "" {
		reqPath = "/"
	}
	basePath := strings.TrimSuffix(base.EscapedPath(), "/")
	joined := basePath + reqPath
	if unescaped, err := url.PathUnescape(joined); err == nil {
		target.Path = unescaped
		target.RawPath = joined
	} else {
		target.Path = path.Clean(joined)
		target.RawPath = ""
	}
	target.RawQuery = requested.RawQuery
	target.Fragment = ""
	return &target
}
