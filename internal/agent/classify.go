package agent

import (
	"net/http"
	"regexp"
	"strings"
)

// Strategy 是请求被分派到的处理策略。
type Strategy string

const (
	StrategyBypass         Strategy = "bypass"
	StrategyNetworkFirst   Strategy = "network-first"
	StrategyCacheFirst     Strategy = "cache-first"
	StrategyNetworkDefault Strategy = "network-default"
)

// Source 表示最终响应来自哪里。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

var (
	imagePattern  = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|webp)$`)
	staticPattern = regexp.MustCompile(`(?i)\.(js|css|woff2?|ttf|eot|otf)$`)
)

// route 是分类结果：策略加目标分区。
type route int

const (
	routeBypass route = iota
	routeDocument
	routeImage
	routeStatic
	routeDefault
)

func (r route) strategy() Strategy {
	switch r {
	case routeBypass:
		return StrategyBypass
	case routeDocument:
		return StrategyNetworkFirst
	case routeImage, routeStatic:
		return StrategyCacheFirst
	default:
		return StrategyNetworkDefault
	}
}

// classify 按 bypass → HTML → 图片 → 静态资源 → 其它 的顺序选择唯一策略。
func (a *Agent) classify(req *Request) route {
	if a.bypass(req) {
		return routeBypass
	}
	if req.Accepts("text/html") {
		return routeDocument
	}
	p := requestPath(req)
	if isImagePath(p) {
		return routeImage
	}
	if staticPattern.MatchString(p) {
		return routeStatic
	}
	return routeDefault
}

func (a *Agent) bypass(req *Request) bool {
	if req == nil || req.URL == nil {
		return true
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return true
	}
	scheme := strings.ToLower(req.URL.Scheme)
	for _, ignored := range a.opts.IgnoredSchemes {
		if scheme == ignored {
			return true
		}
	}
	full := req.URL.String()
	for _, pattern := range a.opts.ExcludedPatterns {
		if pattern != "" && strings.Contains(full, pattern) {
			return true
		}
	}
	return req.CacheMode == CacheModeOnlyIfCached && req.Mode != ModeSameOrigin
}

func isImagePath(p string) bool {
	return imagePattern.MatchString(p)
}

func requestPath(req *Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Path
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
