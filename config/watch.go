package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听配置文件变化并回调最新配置。带冷却时间，
// 编辑器保存时的连环写事件只触发一次重载。
type Watcher struct {
	Path     string
	Cooldown time.Duration
}

// Start 阻塞监听直到 ctx 取消。加载或校验失败的版本被丢弃，
// 继续使用旧配置。
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Cooldown <= 0 {
		w.Cooldown = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Path); err != nil {
		return err
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if time.Since(lastReload) < w.Cooldown {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				continue
			}
			lastReload = time.Now()
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return nil
			}
		}
	}
}
