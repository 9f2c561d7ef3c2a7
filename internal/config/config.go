package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Symbol       string        `yaml:"symbol"`
	PollInterval time.Duration `yaml:"poll_interval"`
	VenueTimeout time.Duration `yaml:"venue_timeout"`
	DryRun       bool          `yaml:"dry_run"`
	TradingMode  string        `yaml:"trading_mode"`

	Log      LogConfig      `yaml:"log"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Risk     RiskConfig     `yaml:"risk"`
	Ratchet  RatchetConfig  `yaml:"ratchet"`
	Score    ScoreConfig    `yaml:"score"`
	Confirm  ConfirmConfig  `yaml:"confirm"`
	Paper    PaperConfig    `yaml:"paper"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Telegram TelegramConfig `yaml:"telegram"`
	API      APIConfig      `yaml:"api"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	JSON       bool   `yaml:"json"`
}

// ClusterConfig holds the per-stage geometry of a cluster. All slices are
// indexed by rank-1 and must have exactly four entries.
type ClusterConfig struct {
	EntryOffsets    []float64     `yaml:"entry_offsets"`
	StopDistances   []float64     `yaml:"stop_distances"`
	TargetDistances []float64     `yaml:"target_distances"`
	RiskShares      []float64     `yaml:"risk_shares"`
	DefaultLots     []float64     `yaml:"default_lots"`
	MinStopDistance float64       `yaml:"min_stop_distance"`
	StopEpsilon     float64       `yaml:"stop_epsilon"`
	Deviation       int           `yaml:"deviation"`
	Timeout         time.Duration `yaml:"timeout"`
	MagicBase       int           `yaml:"magic_base"`
}

type RiskConfig struct {
	RiskPercent          float64       `yaml:"risk_percent"`
	NAVMode              string        `yaml:"nav_mode"`
	NAVOverride          float64       `yaml:"nav_override"`
	NAVSyncInterval      time.Duration `yaml:"nav_sync_interval"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	MaxLotsPerStage      float64       `yaml:"max_lots_per_stage"`
	EmergencyStop        bool          `yaml:"emergency_stop"`
}

// RatchetConfig selects the stop ratchet anchor policy. Preset is "final",
// "ladder" or "custom"; Rules are only read for "custom".
type RatchetConfig struct {
	Preset string        `yaml:"preset"`
	Offset float64       `yaml:"offset"`
	Rules  []RatchetRule `yaml:"rules"`
}

// RatchetRule moves the stop of every target stage once ClosedRank closes at
// take-profit. Anchor is "entry" (target's own entry, offset toward the loss
// side) or "stage_tp" (take-profit price of AnchorRank).
type RatchetRule struct {
	ClosedRank int     `yaml:"closed_rank"`
	Anchor     string  `yaml:"anchor"`
	AnchorRank int     `yaml:"anchor_rank"`
	Offset     float64 `yaml:"offset"`
	Targets    []int   `yaml:"targets"`
}

type ScoreConfig struct {
	BuyThreshold  float64 `yaml:"buy_threshold"`
	SellThreshold float64 `yaml:"sell_threshold"`
	RefundRatio   float64 `yaml:"refund_ratio"`
	// Source picks the scoring collaborator: momentum (bars built from the
	// quote feed), static (StaticBuy/StaticSell every hour) or signal (the
	// bridge /signal endpoint).
	Source      string        `yaml:"source"`
	BarInterval time.Duration `yaml:"bar_interval"`
	StaticBuy   float64       `yaml:"static_buy"`
	StaticSell  float64       `yaml:"static_sell"`
}

type ConfirmConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

type PaperConfig struct {
	InitialBalance   float64 `yaml:"initial_balance"`
	CommissionPerLot float64 `yaml:"commission_per_lot"`
	Slippage         float64 `yaml:"slippage"`
	StartPrice       float64 `yaml:"start_price"`
	Spread           float64 `yaml:"spread"`
	Volatility       float64 `yaml:"volatility"`
	Seed             int64   `yaml:"seed"`
	Digits           int     `yaml:"digits"`
	MinLot           float64 `yaml:"min_lot"`
	LotStep          float64 `yaml:"lot_step"`
	StopLevelPoints  int     `yaml:"stop_level_points"`
	ValuePerUnit     float64 `yaml:"value_per_unit"`
}

type BridgeConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	QuoteInterval time.Duration `yaml:"quote_interval"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BotToken     string        `yaml:"bot_token"`
	ChatID       string        `yaml:"chat_id"`
	FlushDelay   time.Duration `yaml:"flush_delay"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	Commands     bool          `yaml:"commands"`
	QueueSize    int           `yaml:"queue_size"`
	MaxBatchRune int           `yaml:"max_batch_runes"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Symbol:       "XAUUSD",
		PollInterval: 2 * time.Second,
		VenueTimeout: 5 * time.Second,
		DryRun:       true,
		TradingMode:  "paper",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Cluster: ClusterConfig{
			EntryOffsets:    []float64{0, 0.2, 0.5, 0.7},
			StopDistances:   []float64{9, 10, 11, 12},
			TargetDistances: []float64{3, 5, 10, 15},
			RiskShares:      []float64{0.2, 0.2, 0.4, 0.2},
			DefaultLots:     []float64{0.01, 0.01, 0.02, 0.01},
			MinStopDistance: 0.5,
			StopEpsilon:     0.1,
			Deviation:       20,
			Timeout:         6 * time.Hour,
			MagicBase:       1000,
		},
		Risk: RiskConfig{
			RiskPercent:          0.10,
			NAVMode:              "initial",
			NAVSyncInterval:      time.Minute,
			MaxConsecutiveLosses: 3,
		},
		Ratchet: RatchetConfig{
			Preset: "final",
			Offset: 0.5,
		},
		Score: ScoreConfig{
			BuyThreshold:  35,
			SellThreshold: 35,
			RefundRatio:   0.5,
			Source:        "momentum",
			BarInterval:   15 * time.Minute,
		},
		Confirm: ConfirmConfig{
			Enabled: true,
			Window:  8 * time.Minute,
		},
		Paper: PaperConfig{
			InitialBalance:   10000,
			CommissionPerLot: 7,
			StartPrice:       2400,
			Spread:           0.2,
			Volatility:       0.5,
			Seed:             1,
			Digits:           2,
			MinLot:           0.01,
			LotStep:          0.01,
			StopLevelPoints:  0,
			ValuePerUnit:     100,
		},
		Bridge: BridgeConfig{
			Timeout:       10 * time.Second,
			QuoteInterval: time.Second,
		},
		Telegram: TelegramConfig{
			FlushDelay:   3 * time.Second,
			PollTimeout:  30 * time.Second,
			Commands:     true,
			QueueSize:    256,
			MaxBatchRune: 3500,
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("TRADER_SYMBOL")); v != "" {
		c.Symbol = v
	}
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		c.DryRun = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_TRADING_MODE")); v != "" {
		c.TradingMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TRADER_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("TRADER_BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_NAV_OVERRIDE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.NAVOverride = f
			c.Risk.NAVMode = "fixed"
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_RISK_PERCENT")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.RiskPercent = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_SCORE_SOURCE")); v != "" {
		c.Score.Source = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_CONFIRM_ENABLED")); v != "" {
		c.Confirm.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
