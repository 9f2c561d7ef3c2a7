package config

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.TradingMode))
	if mode != "" && mode != "paper" && mode != "live" {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if mode == "live" && strings.TrimSpace(c.Bridge.URL) == "" {
		return fmt.Errorf("bridge.url is required in live mode")
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %s", c.PollInterval)
	}

	for name, v := range map[string][]float64{
		"cluster.entry_offsets":    c.Cluster.EntryOffsets,
		"cluster.stop_distances":   c.Cluster.StopDistances,
		"cluster.target_distances": c.Cluster.TargetDistances,
		"cluster.risk_shares":      c.Cluster.RiskShares,
		"cluster.default_lots":     c.Cluster.DefaultLots,
	} {
		if len(v) != 4 {
			return fmt.Errorf("%s must have 4 entries, got %d", name, len(v))
		}
		for i, x := range v {
			if x < 0 {
				return fmt.Errorf("%s[%d] must be >= 0, got %f", name, i, x)
			}
		}
	}
	if c.Cluster.EntryOffsets[0] != 0 {
		return fmt.Errorf("cluster.entry_offsets[0] must be 0 (market stage), got %f", c.Cluster.EntryOffsets[0])
	}
	var shareSum float64
	for i := range 4 {
		if c.Cluster.StopDistances[i] <= 0 {
			return fmt.Errorf("cluster.stop_distances[%d] must be > 0", i)
		}
		if c.Cluster.TargetDistances[i] <= 0 {
			return fmt.Errorf("cluster.target_distances[%d] must be > 0", i)
		}
		shareSum += c.Cluster.RiskShares[i]
	}
	if math.Abs(shareSum-1) > 1e-9 {
		return fmt.Errorf("cluster.risk_shares must sum to 1.0, got %f", shareSum)
	}
	if c.Cluster.Timeout <= 0 {
		return fmt.Errorf("cluster.timeout must be > 0, got %s", c.Cluster.Timeout)
	}

	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent > 1 {
		return fmt.Errorf("risk.risk_percent must be within (0,1], got %f", c.Risk.RiskPercent)
	}
	switch strings.ToLower(c.Risk.NAVMode) {
	case "fixed":
		if c.Risk.NAVOverride <= 0 {
			return fmt.Errorf("risk.nav_override must be > 0 when risk.nav_mode=fixed")
		}
	case "initial", "live":
	default:
		return fmt.Errorf("risk.nav_mode must be fixed|initial|live, got %q", c.Risk.NAVMode)
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0, got %d", c.Risk.MaxConsecutiveLosses)
	}

	switch strings.ToLower(c.Score.Source) {
	case "momentum", "static":
	case "signal":
		if strings.TrimSpace(c.Bridge.URL) == "" {
			return fmt.Errorf("score.source=signal requires bridge.url")
		}
	default:
		return fmt.Errorf("score.source must be momentum|static|signal, got %q", c.Score.Source)
	}
	if c.Score.BarInterval <= 0 {
		return fmt.Errorf("score.bar_interval must be > 0, got %s", c.Score.BarInterval)
	}

	switch strings.ToLower(c.Ratchet.Preset) {
	case "final", "ladder":
	case "custom":
		for i, r := range c.Ratchet.Rules {
			if r.ClosedRank < 1 || r.ClosedRank > 3 {
				return fmt.Errorf("ratchet.rules[%d].closed_rank must be within [1,3], got %d", i, r.ClosedRank)
			}
			if r.Anchor != "entry" && r.Anchor != "stage_tp" {
				return fmt.Errorf("ratchet.rules[%d].anchor must be entry|stage_tp, got %q", i, r.Anchor)
			}
		}
	default:
		return fmt.Errorf("ratchet.preset must be final|ladder|custom, got %q", c.Ratchet.Preset)
	}

	if c.Score.BuyThreshold <= 0 || c.Score.SellThreshold <= 0 {
		return fmt.Errorf("score thresholds must be > 0")
	}
	if c.Score.RefundRatio < 0 {
		return fmt.Errorf("score.refund_ratio must be >= 0, got %f", c.Score.RefundRatio)
	}
	if c.Confirm.Enabled && c.Confirm.Window <= 0 {
		return fmt.Errorf("confirm.window must be > 0 when confirmation is enabled")
	}

	if c.Paper.InitialBalance <= 0 {
		return fmt.Errorf("paper.initial_balance must be > 0, got %f", c.Paper.InitialBalance)
	}
	if c.Paper.Slippage < 0 {
		return fmt.Errorf("paper.slippage must be >= 0, got %f", c.Paper.Slippage)
	}
	if c.Paper.CommissionPerLot < 0 {
		return fmt.Errorf("paper.commission_per_lot must be >= 0, got %f", c.Paper.CommissionPerLot)
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}

	return nil
}
