package telegramtmpl

import (
	"fmt"
	"time"
)

// HintInput describes the engine conditions worth pointing out in /status.
type HintInput struct {
	Active            bool
	BuyEnabled        bool
	SellEnabled       bool
	ConsecutiveLosses int
	MaxLosses         int
	Stopped           bool
	EmergencyStop     bool
	NAV               float64
	ClusterAge        time.Duration
	Timeout           time.Duration
	PlacedStages      int
	DryRun            bool
}

// BuildStatusHints lists blockers first, then warnings. At most four hints
// are returned.
func BuildStatusHints(in HintInput) []string {
	hints := make([]string, 0, 6)
	if in.EmergencyStop {
		hints = append(hints, "Emergency stop is set: no new clusters until it is cleared.")
	}
	if in.Stopped {
		hints = append(hints, "Loss streak breaker tripped: send /reset to resume.")
	} else if in.MaxLosses > 0 && in.ConsecutiveLosses == in.MaxLosses-1 {
		hints = append(hints, fmt.Sprintf("One more loss halts new clusters (%d/%d).", in.ConsecutiveLosses, in.MaxLosses))
	}
	if !in.Active {
		hints = append(hints, "Bot is stopped: send /start to resume.")
	} else if !in.BuyEnabled && !in.SellEnabled {
		hints = append(hints, "Both directions are disabled.")
	}
	if in.NAV <= 0 {
		hints = append(hints, "NAV unknown: sizing falls back to default lots.")
	}
	if in.PlacedStages > 0 && in.PlacedStages < 4 {
		hints = append(hints, fmt.Sprintf("Partial cluster: %d of 4 stages placed.", in.PlacedStages))
	}
	if in.Timeout > 0 && in.ClusterAge > in.Timeout*3/4 {
		hints = append(hints, fmt.Sprintf("Cluster abandons in %s.", (in.Timeout-in.ClusterAge).Truncate(time.Minute)))
	}
	if in.DryRun {
		hints = append(hints, "Dry run: clusters are planned, not submitted.")
	}
	if len(hints) > 4 {
		hints = hints[:4]
	}
	return hints
}
