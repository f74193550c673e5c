package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, validYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 1)
	go func() {
		_ = Watcher{Path: path, Cooldown: 10 * time.Millisecond}.Start(ctx, func(cfg AppConfig) {
			select {
			case updates <- cfg:
			default:
			}
		})
	}()

	// 给 watcher 一点时间挂上监听
	time.Sleep(50 * time.Millisecond)
	changed := validYAML + "\n# bumped\n"
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-updates:
		if cfg.Keeper.Owner != "acct-1" {
			t.Fatalf("unexpected reload payload: %+v", cfg.Keeper)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload observed")
	}
}

func TestWatcherIgnoresBrokenConfig(t *testing.T) {
	path := writeTemp(t, validYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan AppConfig, 4)
	go func() {
		_ = Watcher{Path: path, Cooldown: time.Millisecond}.Start(ctx, func(cfg AppConfig) {
			updates <- cfg
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("env: ''\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// 校验失败的版本不回调
	select {
	case cfg := <-updates:
		t.Fatalf("broken config must be dropped, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
