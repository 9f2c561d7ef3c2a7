package telegramtmpl

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/confirm"
	"github.com/GoPolymarket/cluster-trader/internal/execution"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
)

const rule = "━━━━━━━━━━━━━━━━━"

const stamp = "15:04:05 02/01"

// StatusData describes everything the /status reply shows.
type StatusData struct {
	Mode              string
	Symbol            string
	Active            bool
	BuyEnabled        bool
	SellEnabled       bool
	BuyThreshold      float64
	SellThreshold     float64
	Override          *float64
	AccBuy            float64
	AccSell           float64
	ConsecutiveLosses int
	MaxLosses         int
	Stopped           bool
	EmergencyStop     bool
	NAV               float64
	Cluster           *cluster.Cluster
	Pending           *confirm.Request
	Hints             []string
	Now               time.Time
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func dirLabel(d cluster.Direction) string { return strings.ToUpper(string(d)) }

// RenderClusterOpened formats a newly submitted cluster.
func RenderClusterOpened(c *cluster.Cluster, sizing risk.Sizing, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 <b>%s CLUSTER</b> %s - %s\n", dirLabel(c.Direction), html.EscapeString(c.Symbol), at.Format(stamp))
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "ID: <code>%s</code>\nFinal target: %.2f\n", c.ID, c.FinalTarget)
	fmt.Fprintf(&b, "Risk: %.2f nominal / %.2f realized", sizing.NominalRisk, sizing.RealizedRisk)
	if sizing.Fallback {
		fmt.Fprintf(&b, " (default lots: %s)", html.EscapeString(sizing.Reason))
	}
	b.WriteString("\n" + rule + "\n")
	for _, s := range c.Stages {
		if s.Placed {
			fmt.Fprintf(&b, "✅ ET%d %s %.2f lots @ %.2f | SL %.2f | TP %.2f | #%d\n",
				s.Rank, s.Kind, s.Lots, s.Entry, s.StopLoss, s.TakeProfit, s.Ticket)
			continue
		}
		fmt.Fprintf(&b, "❌ ET%d %s @ %.2f failed: %s\n", s.Rank, s.Kind, s.Entry, html.EscapeString(s.Err))
	}
	return strings.TrimSpace(b.String())
}

// RenderClusterPlan formats a dry-run cluster that was not submitted.
func RenderClusterPlan(c *cluster.Cluster, sizing risk.Sizing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧪 <b>DRY RUN %s</b> %s\n", dirLabel(c.Direction), html.EscapeString(c.Symbol))
	for _, s := range c.Stages {
		fmt.Fprintf(&b, "ET%d %.2f lots @ %.2f | SL %.2f | TP %.2f\n", s.Rank, s.Lots, s.Entry, s.StopLoss, s.TakeProfit)
	}
	fmt.Fprintf(&b, "Realized risk: %.2f", sizing.RealizedRisk)
	return b.String()
}

// RenderClusterClosed formats a terminal cluster.
func RenderClusterClosed(c *cluster.Cluster) string {
	icon := "🔴"
	switch c.Status {
	case cluster.StatusClosedProfit:
		icon = "🟢"
	case cluster.StatusAbandoned:
		icon = "⏱"
	case cluster.StatusCancelledOverrun:
		icon = "🎯"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Cluster %s %s</b>: %s\n", icon, c.ID, dirLabel(c.Direction), c.Status)
	if c.Result != nil {
		fmt.Fprintf(&b, "Net PnL: %.2f over %d deals", c.Result.PnL, c.Result.Deals)
	}
	return strings.TrimSpace(b.String())
}

// RenderScore formats one scoring period.
func RenderScore(buy, sell, accBuy, accSell float64, at time.Time) string {
	return fmt.Sprintf("📊 <b>Score</b> %s\nPeriod: Buy +%.1f | Sell +%.1f\n<b>Accumulated: Buy = %.1f | Sell = %.1f</b>",
		at.Format("15:04:05"), buy, sell, accBuy, accSell)
}

// RenderConfirmation asks the operator to approve a cluster.
func RenderConfirmation(req confirm.Request) string {
	return fmt.Sprintf("❓ <b>Confirm %s cluster?</b>\nScores: Buy %.1f | Sell %.1f\n"+
		"Reply /confirm or /cancel. Proceeding automatically at %s.\nID: <code>%s</code>",
		dirLabel(req.Direction), req.BuyScore, req.SellScore, req.Deadline.Format("15:04:05"), req.ID)
}

func RenderRatchet(m execution.Move) string {
	return fmt.Sprintf("🛡 Cluster %s: ET%d stop %.2f → %.2f (after ET%d take-profit)", m.ClusterID, m.Rank, m.From, m.To, m.Trigger)
}

func RenderOverrun(c *cluster.Cluster, refund float64) string {
	return fmt.Sprintf("🎯 Cluster %s passed final target %.2f: pending stages cancelled, %s score +%.1f",
		c.ID, c.FinalTarget, dirLabel(c.Direction), refund)
}

func RenderBreaker(losses, limit int) string {
	return fmt.Sprintf("⛔ <b>Loss streak %d/%d</b>\nNew clusters halted. Open exposure is untouched. Send /reset to resume.", losses, limit)
}

// RenderStatus formats the /status reply.
func RenderStatus(d StatusData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Status</b> %s %s - %s\n", strings.ToUpper(d.Mode), html.EscapeString(d.Symbol), d.Now.Format(stamp))
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Bot: %s | Buy: %s | Sell: %s\n", onOff(d.Active), onOff(d.BuyEnabled), onOff(d.SellEnabled))
	fmt.Fprintf(&b, "Thresholds: Buy %.1f | Sell %.1f", d.BuyThreshold, d.SellThreshold)
	if d.Override != nil {
		fmt.Fprintf(&b, " | next trade %.1f", *d.Override)
	}
	fmt.Fprintf(&b, "\nAccumulated: Buy %.1f | Sell %.1f\n", d.AccBuy, d.AccSell)
	fmt.Fprintf(&b, "Loss streak: %d/%d", d.ConsecutiveLosses, d.MaxLosses)
	if d.Stopped {
		b.WriteString(" (HALTED)")
	}
	if d.EmergencyStop {
		b.WriteString(" | EMERGENCY STOP")
	}
	fmt.Fprintf(&b, "\nNAV: %.2f\n", d.NAV)
	if c := d.Cluster; c != nil {
		fmt.Fprintf(&b, "Cluster: %s %s, %d/%d stages, age %s\n", c.ID, dirLabel(c.Direction), c.PlacedStages(), cluster.Stages,
			c.Age(d.Now).Truncate(time.Second))
	} else {
		b.WriteString("Cluster: none\n")
	}
	if p := d.Pending; p != nil {
		fmt.Fprintf(&b, "Pending confirmation: %s until %s\n", dirLabel(p.Direction), p.Deadline.Format("15:04:05"))
	}
	if len(d.Hints) > 0 {
		b.WriteString("\n<b>Notes</b>\n")
		for _, h := range d.Hints {
			b.WriteString("- " + h + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}
