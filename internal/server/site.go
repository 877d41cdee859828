package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
)

// SiteRoute 聚合站点配置与派生属性（解析后的 Upstream/PublicURL、监听端口），
// 供路由层与代理层直接复用，避免每个请求重复解析配置。
type SiteRoute struct {
	// Domain 为空时接受任意 Host。
	Domain string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort  int
	UpstreamURL *url.URL
	// PublicURL 是通知点击跳转的目标，未配置时等于 UpstreamURL。
	PublicURL *url.URL
}

// NewSiteRoute 根据配置构建站点路由。调用方应在启动阶段创建一次并复用。
func NewSiteRoute(cfg *config.Config) (*SiteRoute, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	upstream, err := url.Parse(cfg.Site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", cfg.Site.Upstream, err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: scheme and host required", cfg.Site.Upstream)
	}

	public, err := url.Parse(cfg.Site.ClickTarget())
	if err != nil {
		return nil, fmt.Errorf("invalid public url %q: %w", cfg.Site.ClickTarget(), err)
	}

	return &SiteRoute{
		Domain:      normalizeDomain(cfg.Site.Domain),
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstream,
		PublicURL:   public,
	}, nil
}

// Matches 判断 Host 或 Host:port 是否属于当前站点。
func (r *SiteRoute) Matches(host string) bool {
	if r == nil {
		return false
	}
	if r.Domain == "" {
		return true
	}
	normalized, _ := normalizeHost(host)
	return normalized != "" && normalized == r.Domain
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
