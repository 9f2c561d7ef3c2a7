package config

import (
	"testing"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidateInvalidTradingMode(t *testing.T) {
	cfg := Default()
	cfg.TradingMode = "invalid-mode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid trading_mode to fail validation")
	}
}

func TestValidateLiveRequiresBridge(t *testing.T) {
	cfg := Default()
	cfg.TradingMode = "live"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected live mode without bridge.url to fail validation")
	}
	cfg.Bridge.URL = "http://localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected live mode with bridge to validate, got %v", err)
	}
}

func TestValidateClusterShape(t *testing.T) {
	cfg := Default()
	cfg.Cluster.StopDistances = []float64{9, 10, 11}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected 3 stop distances to fail validation")
	}

	cfg = Default()
	cfg.Cluster.RiskShares = []float64{0.25, 0.25, 0.25, 0.2}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected risk shares not summing to 1 to fail validation")
	}

	cfg = Default()
	cfg.Cluster.EntryOffsets = []float64{1, 2, 3, 4}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected non-zero market stage offset to fail validation")
	}

	cfg = Default()
	cfg.Cluster.TargetDistances = []float64{3, 0, 10, 15}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero target distance to fail validation")
	}
}

func TestValidateRisk(t *testing.T) {
	cfg := Default()
	cfg.Risk.RiskPercent = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected risk.risk_percent > 1 to fail validation")
	}

	cfg = Default()
	cfg.Risk.NAVMode = "fixed"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected fixed nav mode without override to fail validation")
	}

	cfg = Default()
	cfg.Risk.NAVMode = "balance"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown nav mode to fail validation")
	}

	cfg = Default()
	cfg.Risk.MaxConsecutiveLosses = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero max_consecutive_losses to fail validation")
	}
}

func TestValidateRatchetRules(t *testing.T) {
	cfg := Default()
	cfg.Ratchet.Preset = "custom"
	cfg.Ratchet.Rules = []RatchetRule{{ClosedRank: 4, Anchor: "entry"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected closed_rank 4 to fail validation")
	}

	cfg.Ratchet.Rules = []RatchetRule{{ClosedRank: 2, Anchor: "midpoint"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown anchor to fail validation")
	}

	cfg.Ratchet.Rules = []RatchetRule{{ClosedRank: 2, Anchor: "stage_tp", AnchorRank: 1}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid custom rule, got %v", err)
	}

	cfg.Ratchet.Preset = "tight"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown preset to fail validation")
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	cfg := Default()
	cfg.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected telegram without credentials to fail validation")
	}
}

func TestValidateConfirmWindow(t *testing.T) {
	cfg := Default()
	cfg.Confirm.Window = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero confirm window to fail validation")
	}
	cfg.Confirm.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected disabled gate to ignore window, got %v", err)
	}
}

func TestValidateScoreSource(t *testing.T) {
	cfg := Default()
	cfg.Score.Source = "tea-leaves"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown score source to fail validation")
	}
	cfg.Score.Source = "signal"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected signal source without bridge.url to fail validation")
	}
	cfg.Bridge.URL = "http://localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected signal source with bridge to validate, got %v", err)
	}
}
