package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	maxUpstreamRedirects   = 10
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。源站只有一个，
// 空闲连接按单主机配置。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   64,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问源站的 http.Client。UpstreamTimeout 同时约束响应头等待时间，
// 重定向只允许 http/https 且最多 10 跳。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = timeout

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: checkUpstreamRedirect,
	}
}

func checkUpstreamRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxUpstreamRedirects {
		return fmt.Errorf("stopped after %d redirects", maxUpstreamRedirects)
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
		return nil
	default:
		return errors.New("redirect to unsupported scheme " + req.URL.Scheme)
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段以及
// Connection 头中点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if _, ok := named[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// connectionTokens 收集 Connection 头列出的字段名，这些字段同样只对当前连接有效。
func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
