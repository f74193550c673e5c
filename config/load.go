package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string          `yaml:"env"`
	Endpoint   EndpointConfig  `yaml:"endpoint"`
	Feeds      FeedConfig      `yaml:"feeds"`
	Collateral TokenConfig     `yaml:"collateral"`
	Keeper     KeeperConfig    `yaml:"keeper"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Log        LogConfig       `yaml:"log"`
}

// EndpointConfig 读写端点。限流是全部出站调用共享的预算。
type EndpointConfig struct {
	URL       string  `yaml:"url"`
	AuthToken string  `yaml:"authToken"`
	RateLimit float64 `yaml:"rateLimit"` // 每秒请求数
	Burst     int     `yaml:"burst"`
	TimeoutMs int     `yaml:"timeoutMs"`
}

type FeedConfig struct {
	MaxAgeSec int               `yaml:"maxAgeSec"` // 报价最大可接受年龄
	StreamURL string            `yaml:"streamUrl"` // 可选，WebSocket 推流端点
	BySymbol  map[string]string `yaml:"bySymbol"`  // 交易符号到喂价 ID
}

type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
	Feed     string `yaml:"feed"`
}

type KeeperConfig struct {
	Owner            string `yaml:"owner"`
	IntervalMs       int    `yaml:"intervalMs"`
	ConfirmTimeoutMs int    `yaml:"confirmTimeoutMs"`
	Workers          int    `yaml:"workers"`
}

// DiscoveryConfig 降级扫描的区间与节流。枚举接口可用时不走扫描。
type DiscoveryConfig struct {
	Start          uint64 `yaml:"start"`
	End            uint64 `yaml:"end"`
	DelayMs        int    `yaml:"delayMs"`
	CheckpointFile string `yaml:"checkpointFile"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`   // debug, info, warn, error
	Format     string   `yaml:"format"`  // json 或 console
	Outputs    []string `yaml:"outputs"` // stdout, file
	OutputFile string   `yaml:"outputFile"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("PK_ENDPOINT_URL"); v != "" {
		cfg.Endpoint.URL = v
	}
	if v := os.Getenv("PK_ENDPOINT_AUTH_TOKEN"); v != "" {
		cfg.Endpoint.AuthToken = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Endpoint.URL == "" {
		return errors.New("endpoint.url is required (or PK_ENDPOINT_URL)")
	}
	if cfg.Endpoint.RateLimit <= 0 {
		return errors.New("endpoint.rateLimit must be > 0")
	}
	if cfg.Endpoint.Burst < 1 {
		return errors.New("endpoint.burst must be >= 1")
	}
	if cfg.Endpoint.TimeoutMs < 0 {
		return errors.New("endpoint.timeoutMs must be >= 0")
	}
	if cfg.Feeds.MaxAgeSec <= 0 {
		return errors.New("feeds.maxAgeSec must be > 0")
	}
	if len(cfg.Feeds.BySymbol) == 0 {
		return errors.New("feeds.bySymbol is required")
	}
	if cfg.Collateral.Symbol == "" || cfg.Collateral.Feed == "" {
		return errors.New("collateral.symbol and collateral.feed are required")
	}
	if cfg.Collateral.Decimals < 0 {
		return errors.New("collateral.decimals must be >= 0")
	}
	if cfg.Keeper.Owner == "" {
		return errors.New("keeper.owner is required")
	}
	if cfg.Keeper.IntervalMs <= 0 {
		return errors.New("keeper.intervalMs must be > 0")
	}
	if cfg.Keeper.ConfirmTimeoutMs < 0 {
		return errors.New("keeper.confirmTimeoutMs must be >= 0")
	}
	if cfg.Keeper.Workers < 0 {
		return errors.New("keeper.workers must be >= 0")
	}
	if cfg.Discovery.End < cfg.Discovery.Start {
		return fmt.Errorf("discovery range [%d, %d] is inverted", cfg.Discovery.Start, cfg.Discovery.End)
	}
	if cfg.Discovery.DelayMs < 0 {
		return errors.New("discovery.delayMs must be >= 0")
	}
	return nil
}
