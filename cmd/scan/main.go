package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"position-keeper-go/config"
	"position-keeper-go/discovery"
	"position-keeper-go/gateway"
	"position-keeper-go/infrastructure/logger"
	"position-keeper-go/ledger"
)

// 独立的区间扫描工具：探测 [start, end] 上的在场仓位并打印索引。
// 断点写进 checkpoint 文件，中断后可续扫。
func main() {
	cfgPath := flag.String("config", "configs/keeper.yaml", "配置文件路径")
	start := flag.Uint64("start", 0, "起始索引（0 表示用配置/断点）")
	end := flag.Uint64("end", 0, "结束索引（0 表示用配置）")
	checkpoint := flag.String("checkpoint", "", "断点文件路径（空表示用配置）")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	appLog, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Outputs: []string{"stdout"}})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer appLog.Close()

	scanStart := cfg.Discovery.Start
	scanEnd := cfg.Discovery.End
	if *start > 0 {
		scanStart = *start
	}
	if *end > 0 {
		scanEnd = *end
	}
	ckptPath := cfg.Discovery.CheckpointFile
	if *checkpoint != "" {
		ckptPath = *checkpoint
	}
	if ckptPath != "" {
		if off, ok := readCheckpoint(ckptPath); ok && off > scanStart {
			scanStart = off
			appLog.Info("resuming from checkpoint")
		}
	}

	httpClient := gateway.NewDefaultHTTPClient()
	if cfg.Endpoint.TimeoutMs > 0 {
		httpClient = &http.Client{Timeout: time.Duration(cfg.Endpoint.TimeoutMs) * time.Millisecond}
	}
	rpc := &gateway.RPCClient{
		Endpoint:   cfg.Endpoint.URL,
		AuthToken:  cfg.Endpoint.AuthToken,
		HTTPClient: httpClient,
		Gate:       gateway.NewTokenBucketGate(cfg.Endpoint.RateLimit, cfg.Endpoint.Burst),
	}
	led := ledger.NewClient(rpc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	res, err := discovery.Scan(ctx, discovery.Config{
		Start: scanStart,
		End:   scanEnd,
		Delay: time.Duration(cfg.Discovery.DelayMs) * time.Millisecond,
		Gate:  rpc.Gate,
		Log:   appLog.Logger,
	}, discovery.LedgerClassifier(led))

	for _, id := range res.Open {
		fmt.Println(uint64(id))
	}
	for _, pe := range res.Errors {
		appLog.LogError(pe.Err, map[string]interface{}{"position_id": uint64(pe.ID)})
	}
	if ckptPath != "" {
		writeCheckpoint(ckptPath, res.NextOffset, res.Done)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("扫描失败: %v", err)
	}
	if !res.Done {
		fmt.Fprintf(os.Stderr, "interrupted, resume from %d\n", res.NextOffset)
	}
}

func readCheckpoint(path string) (uint64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	off, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return off, true
}

func writeCheckpoint(path string, next uint64, done bool) {
	if done {
		_ = os.Remove(path)
		return
	}
	_ = os.WriteFile(path, []byte(strconv.FormatUint(next, 10)+"\n"), 0o644)
}
