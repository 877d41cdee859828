// Package manifest 描述安装阶段需要预缓存的静态资源清单。
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Priority 是资源的重要程度，仅在淘汰顺序中参与排序（越高越晚被淘汰）。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority 大小写不敏感地解析 CRITICAL/HIGH/MEDIUM/LOW。
func ParsePriority(raw string) (Priority, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for p, name := range priorityNames {
		if name == normalized {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", raw)
}

// MarshalText 让 Priority 在 JSON 诊断输出中以名称呈现。
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText 支持从配置或 JSON 反序列化。
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Descriptor 是单个静态资源（url + priority）。
type Descriptor struct {
	URL      string   `json:"url"`
	Priority Priority `json:"priority"`
}

// Manifest 按声明顺序列出安装阶段要预缓存的全部资源。
type Manifest []Descriptor

// ErrEmptyURL 表示清单条目缺少 URL。
var ErrEmptyURL = errors.New("manifest entry url required")

// NormalizePath 将清单 URL 统一为以 / 开头的 path?query 形式，与请求键保持一致。
func NormalizePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse manifest url %q: %w", raw, err)
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return "", fmt.Errorf("manifest url %q must be origin-relative", raw)
	}
	// 与 cache.RequestKey 一致使用转义后的路径。
	clean := parsed.EscapedPath()
	if clean == "" {
		clean = "/"
	}
	trailing := strings.HasSuffix(clean, "/") && clean != "/"
	clean = path.Clean("/" + clean)
	if trailing {
		clean += "/"
	}
	if parsed.RawQuery != "" {
		clean += "?" + parsed.RawQuery
	}
	return clean, nil
}

// Validate 检查 URL 合法且不重复。
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for i, d := range m {
		normalized, err := NormalizePath(d.URL)
		if err != nil {
			return fmt.Errorf("asset #%d: %w", i, err)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("asset #%d: duplicate url %s", i, normalized)
		}
		seen[normalized] = struct{}{}
	}
	return nil
}

// Priorities 返回规范化 path?query 到优先级的映射，非法 URL 被忽略。
func (m Manifest) Priorities() map[string]Priority {
	out := make(map[string]Priority, len(m))
	for _, d := range m {
		if target, err := NormalizePath(d.URL); err == nil {
			out[target] = d.Priority
		}
	}
	return out
}
