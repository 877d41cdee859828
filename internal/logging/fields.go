package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点、请求键、策略与命中状态字段，供拦截日志复用。
// ctx 中存在有效 span 时附带 trace_id/span_id，便于与链路追踪对齐。
func RequestFields(ctx context.Context, domain, key, strategy, source string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"domain":    domain,
		"key":       key,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
	for k, v := range TraceFields(ctx) {
		fields[k] = v
	}
	return fields
}

// TraceFields 从 ctx 中提取 trace_id/span_id。
func TraceFields(ctx context.Context) logrus.Fields {
	if ctx == nil {
		return logrus.Fields{}
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logrus.Fields{}
	}
	return logrus.Fields{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}

// AgentFields 描述一次 agent 生命周期事件（安装、激活、退役）。
func AgentFields(action, version string, partitions []string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version":    version,
		"partitions": partitions,
	}
}
