package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化，每次写入后重新执行完整的 Load（含默认值与校验）并回调。
// 回调在 fsnotify 的 goroutine 中执行，调用方需要自行处理并发。
func Watch(path string, onChange func(*Config, error)) {
	if path == "" {
		path = "config.toml"
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		onChange(Load(path))
	})
	v.WatchConfig()
}
