package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"position-keeper-go/config"
	"position-keeper-go/feed"
	"position-keeper-go/gateway"
	"position-keeper-go/keeper"
	"position-keeper-go/ledger"
)

// 单仓位评估探针：取一张仓位，完整跑一遍核算、触发判定和减穿预检，
// 把结论以 JSON 打到 stdout。只读，不提交任何写调用。
func main() {
	cfgPath := flag.String("config", "configs/keeper.yaml", "配置文件路径")
	positionID := flag.Uint64("position", 0, "仓位索引")
	flag.Parse()
	if *positionID == 0 {
		log.Fatal("必须指定 -position")
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
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
	quotes := feed.NewReader(feed.NewRPCSource(rpc), time.Duration(cfg.Feeds.MaxAgeSec)*time.Second)

	k := keeper.New(keeper.Config{
		Collateral: ledger.Token{
			Symbol:   cfg.Collateral.Symbol,
			Decimals: cfg.Collateral.Decimals,
			Feed:     cfg.Collateral.Feed,
		},
		FeedBySymbol: cfg.Feeds.BySymbol,
	}, led, led, quotes, zap.NewNop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pos, err := led.Position(ctx, ledger.PositionID(*positionID))
	if err != nil {
		log.Fatalf("读取仓位失败: %v", err)
	}
	params, err := led.RiskParameters(ctx)
	if err != nil {
		log.Fatalf("读取风险参数失败: %v", err)
	}
	res, err := k.Evaluate(ctx, pos, params)
	if err != nil {
		log.Fatalf("评估失败: %v", err)
	}

	out := map[string]interface{}{
		"position_id":      uint64(res.PositionID),
		"pair":             pos.Pair.String(),
		"is_long":          pos.IsLong,
		"is_open":          pos.IsOpen,
		"unrealized_pnl":   res.UnrealizedPnL.String(),
		"equity":           res.Equity.String(),
		"margin_ratio_bps": res.MarginRatioBps,
		"trigger_side":     res.TriggerSide.String(),
		"trigger_met":      res.TriggerMet,
		"safe_to_close":    res.SafeToClose,
		"deficit_usd":      res.DeficitUSD.String(),
		"suggested_top_up": res.SuggestedTopUp.String(),
		"action":           keeper.Decide(res).String(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("输出失败: %v", err)
	}
}
