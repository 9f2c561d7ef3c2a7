package app

import (
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/confirm"
	"github.com/GoPolymarket/cluster-trader/internal/control"
	"github.com/GoPolymarket/cluster-trader/internal/execution"
	"github.com/GoPolymarket/cluster-trader/internal/portfolio"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
	"github.com/GoPolymarket/cluster-trader/internal/telegramtmpl"
)

// Status is the read model served by /api/status.
type Status struct {
	Mode     string           `json:"mode"`
	Symbol   string           `json:"symbol"`
	DryRun   bool             `json:"dry_run"`
	Running  bool             `json:"running"`
	LastTick time.Time        `json:"last_tick"`
	Control  control.Snapshot `json:"control"`
	Scores   Scores           `json:"scores"`
	Risk     risk.Snapshot    `json:"risk"`
	NAV      float64          `json:"nav"`
	Cluster  *cluster.Cluster `json:"cluster,omitempty"`
	Pending  *confirm.Request `json:"pending_confirmation,omitempty"`
	Hints    []string         `json:"hints,omitempty"`
}

type Scores struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// ClusterView is the open cluster with its ratchet state.
type ClusterView struct {
	Cluster *cluster.Cluster       `json:"cluster"`
	Ratchet execution.RatchetState `json:"ratchet"`
	Sizing  risk.Sizing            `json:"sizing"`
}

func (a *App) Status() Status {
	a.mu.RLock()
	c := a.snapshot.Clone()
	running, last := a.running, a.lastTick
	a.mu.RUnlock()

	buy, sell := a.acc.Scores()
	st := Status{
		Mode:     a.cfg.TradingMode,
		Symbol:   a.cfg.Symbol,
		DryRun:   a.cfg.DryRun,
		Running:  running,
		LastTick: last,
		Control:  a.state.Snapshot(),
		Scores:   Scores{Buy: buy, Sell: sell},
		Risk:     a.risk.Snapshot(),
		NAV:      a.nav.NAV(),
		Cluster:  c,
		Pending:  a.pending(),
	}
	st.Hints = telegramtmpl.BuildStatusHints(a.hintInput(st))
	return st
}

// StatusData adapts Status for the Telegram renderer.
func (a *App) StatusData() telegramtmpl.StatusData {
	st := a.Status()
	return telegramtmpl.StatusData{
		Mode:              st.Mode,
		Symbol:            st.Symbol,
		Active:            st.Control.Active,
		BuyEnabled:        st.Control.BuyEnabled,
		SellEnabled:       st.Control.SellEnabled,
		BuyThreshold:      st.Control.Thresholds.Buy,
		SellThreshold:     st.Control.Thresholds.Sell,
		Override:          st.Control.Override,
		AccBuy:            st.Scores.Buy,
		AccSell:           st.Scores.Sell,
		ConsecutiveLosses: st.Risk.ConsecutiveLosses,
		MaxLosses:         st.Risk.MaxConsecutiveLosses,
		Stopped:           st.Risk.Stopped,
		EmergencyStop:     st.Risk.EmergencyStop,
		NAV:               st.NAV,
		Cluster:           st.Cluster,
		Pending:           st.Pending,
		Hints:             st.Hints,
		Now:               a.now(),
	}
}

func (a *App) hintInput(st Status) telegramtmpl.HintInput {
	in := telegramtmpl.HintInput{
		Active:            st.Control.Active,
		BuyEnabled:        st.Control.BuyEnabled,
		SellEnabled:       st.Control.SellEnabled,
		ConsecutiveLosses: st.Risk.ConsecutiveLosses,
		MaxLosses:         st.Risk.MaxConsecutiveLosses,
		Stopped:           st.Risk.Stopped,
		EmergencyStop:     st.Risk.EmergencyStop,
		NAV:               st.NAV,
		Timeout:           a.cfg.Cluster.Timeout,
		DryRun:            st.DryRun,
	}
	if st.Cluster != nil {
		in.ClusterAge = st.Cluster.Age(a.now())
		in.PlacedStages = st.Cluster.PlacedStages()
	}
	return in
}

func (a *App) pending() *confirm.Request {
	if a.gate == nil {
		return nil
	}
	req, ok := a.gate.Pending()
	if !ok {
		return nil
	}
	return &req
}

// Cluster returns the open cluster, or nil.
func (a *App) Cluster() *ClusterView {
	a.mu.RLock()
	c := a.snapshot.Clone()
	sizing := a.sizing
	a.mu.RUnlock()
	if c == nil {
		return nil
	}
	return &ClusterView{Cluster: c, Ratchet: a.ratchet.State(c.ID), Sizing: sizing}
}

// LastPlan is the most recent dry-run cluster.
func (a *App) LastPlan() *cluster.Cluster {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.plan.Clone()
}

// History lists recently terminated clusters, oldest first.
func (a *App) History() []*cluster.Cluster {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*cluster.Cluster, len(a.history))
	for i, c := range a.history {
		out[i] = c.Clone()
	}
	return out
}

func (a *App) RiskSnapshot() risk.Snapshot { return a.risk.Snapshot() }

func (a *App) Confirmation() (confirm.Request, bool) {
	if a.gate == nil {
		return confirm.Request{}, false
	}
	return a.gate.Pending()
}

func (a *App) SetEmergencyStop(stop bool) {
	a.risk.SetEmergencyStop(stop)
	a.metrics.observeRisk(a.risk.Snapshot())
	a.log.WithField("emergency_stop", stop).Warn("emergency stop changed")
}

func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *App) LastTick() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTick
}

func (a *App) IsDryRun() bool { return a.cfg.DryRun }

func (a *App) TradingMode() string { return a.cfg.TradingMode }

func (a *App) Metrics() *Metrics { return a.metrics }

// NAVTracker exposes the NAV source so the caller can run its sync loop.
func (a *App) NAVTracker() *portfolio.NAVTracker { return a.nav }
