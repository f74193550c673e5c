package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"position-keeper-go/config"
	"position-keeper-go/discovery"
	"position-keeper-go/feed"
	"position-keeper-go/gateway"
	"position-keeper-go/infrastructure/logger"
	"position-keeper-go/keeper"
	"position-keeper-go/ledger"
	"position-keeper-go/metrics"
)

func main() {
	cfgPath := flag.String("config", "configs/keeper.yaml", "配置文件路径")
	once := flag.Bool("once", false, "只跑一个评估周期后退出")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	appLog, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Outputs:    cfg.Log.Outputs,
		OutputFile: cfg.Log.OutputFile,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer appLog.Close()

	met := metrics.NewSet(prometheus.DefaultRegisterer)
	if cfg.Metrics.Addr != "" {
		metrics.StartMetricsServer(cfg.Metrics.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 全部出站读写共享一个限流闸门
	gate := gateway.NewTokenBucketGate(cfg.Endpoint.RateLimit, cfg.Endpoint.Burst)
	httpClient := gateway.NewDefaultHTTPClient()
	if cfg.Endpoint.TimeoutMs > 0 {
		httpClient = &http.Client{Timeout: time.Duration(cfg.Endpoint.TimeoutMs) * time.Millisecond}
	}
	rpc := &gateway.RPCClient{
		Endpoint:   cfg.Endpoint.URL,
		AuthToken:  cfg.Endpoint.AuthToken,
		HTTPClient: httpClient,
		Gate:       gate,
	}
	led := ledger.NewClient(rpc)

	// 有推流端点就消费推流，轮询只做冷启动前的兜底
	var source feed.Source = feed.NewRPCSource(rpc)
	if cfg.Feeds.StreamURL != "" {
		stream := feed.NewStreamSource(cfg.Feeds.StreamURL, appLog.Logger)
		go func() {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				appLog.Error("feed stream exited", zap.Error(err))
			}
		}()
		source = stream
	}
	quotes := feed.NewReader(source, time.Duration(cfg.Feeds.MaxAgeSec)*time.Second)

	k := keeper.New(keeper.Config{
		Interval:       time.Duration(cfg.Keeper.IntervalMs) * time.Millisecond,
		ConfirmTimeout: time.Duration(cfg.Keeper.ConfirmTimeoutMs) * time.Millisecond,
		Workers:        cfg.Keeper.Workers,
		Collateral: ledger.Token{
			Symbol:   cfg.Collateral.Symbol,
			Decimals: cfg.Collateral.Decimals,
			Feed:     cfg.Collateral.Feed,
		},
		FeedBySymbol: cfg.Feeds.BySymbol,
	}, led, led, quotes, appLog.Logger, met)
	k.OnRecommendation = func(res keeper.EvaluationResult, action keeper.Action) {
		appLog.LogTrigger(action.String(), uint64(res.PositionID), map[string]interface{}{
			"side":             res.TriggerSide.String(),
			"equity":           res.Equity.String(),
			"margin_ratio_bps": res.MarginRatioBps,
			"deficit_usd":      res.DeficitUSD.String(),
			"suggested_top_up": res.SuggestedTopUp.String(),
		})
	}

	seed(ctx, k, led, cfg, gate, appLog, met)

	// 配置热更新：keeper 参数进程内不可变，提示重启生效
	go func() {
		_ = config.Watcher{Path: *cfgPath}.Start(ctx, func(config.AppConfig) {
			appLog.Warn("config file changed on disk, restart to apply")
		})
	}()

	if *once {
		if err := k.RunCycle(ctx); err != nil {
			appLog.LogError(err, map[string]interface{}{"phase": "run_cycle"})
			os.Exit(1)
		}
		return
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdogLoop(ctx)

	runDone := make(chan error, 1)
	go func() { runDone <- k.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-runDone:
		if err != nil && ctx.Err() == nil {
			appLog.LogError(err, map[string]interface{}{"phase": "run"})
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	appLog.Info("keeper exit")
}

// seed 优先用枚举接口灌工作集，枚举不可用时降级为区间扫描。
func seed(ctx context.Context, k *keeper.Keeper, led *ledger.Client, cfg config.AppConfig, gate gateway.RateGate, appLog *logger.Logger, met *metrics.Set) {
	ids, err := led.OpenPositions(ctx, cfg.Keeper.Owner, ledger.Pair{})
	if err == nil {
		k.Seed(ids)
		appLog.Info("working set seeded from enumeration", zap.Int("count", len(ids)))
		return
	}
	appLog.Warn("enumeration unavailable, falling back to index scan", zap.Error(err))

	res, scanErr := discovery.Scan(ctx, discovery.Config{
		Start: cfg.Discovery.Start,
		End:   cfg.Discovery.End,
		Delay: time.Duration(cfg.Discovery.DelayMs) * time.Millisecond,
		Gate:  gate,
		Log:   appLog.Logger,
	}, discovery.LedgerClassifier(led))
	for _, pe := range res.Errors {
		met.ProbesTotal.WithLabelValues("error").Inc()
		appLog.LogError(pe.Err, map[string]interface{}{"position_id": uint64(pe.ID), "phase": "seed_scan"})
	}
	k.Seed(res.Open)
	appLog.Info("working set seeded from scan",
		zap.Int("count", len(res.Open)),
		zap.Uint64("next_offset", res.NextOffset),
		zap.Bool("done", res.Done),
		zap.Error(scanErr))
}

// watchdogLoop systemd watchdog 心跳（未启用时直接返回）。
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
