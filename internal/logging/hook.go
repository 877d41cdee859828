package logging

import "github.com/sirupsen/logrus"

// contextHook 为每条日志补充 service 字段，并从 entry.Context 中提取链路信息。
// 已显式设置的字段不会被覆盖。
type contextHook struct {
	service string
}

func (h contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h contextHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok && h.service != "" {
		entry.Data["service"] = h.service
	}
	if entry.Context == nil {
		return nil
	}
	for k, v := range TraceFields(entry.Context) {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
