// Package app runs the cluster engine: one loop that applies operator
// commands, tracks the open cluster, ratchets its stops and opens new
// clusters from accumulated scores.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/config"
	"github.com/GoPolymarket/cluster-trader/internal/confirm"
	"github.com/GoPolymarket/cluster-trader/internal/control"
	"github.com/GoPolymarket/cluster-trader/internal/execution"
	"github.com/GoPolymarket/cluster-trader/internal/notify"
	"github.com/GoPolymarket/cluster-trader/internal/portfolio"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
	"github.com/GoPolymarket/cluster-trader/internal/strategy"
	"github.com/GoPolymarket/cluster-trader/internal/telegramtmpl"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

var errLiveExposure = errors.New("cluster still live at the venue")

const (
	commandQueue   = 64
	recentClusters = 20
	dedupTTL       = 30 * time.Minute
)

// Deps are the collaborators the engine does not build itself.
type Deps struct {
	Venue venue.Gateway
	// Scores defaults to a static source built from score.static_*.
	Scores  strategy.Source
	Events  notify.Publisher
	Metrics *Metrics
	Log     logrus.FieldLogger
	Now     func() time.Time
}

type App struct {
	cfg     config.Config
	gw      venue.Gateway
	log     logrus.FieldLogger
	now     func() time.Time
	events  notify.Publisher
	metrics *Metrics

	state   *control.State
	risk    *risk.Manager
	gate    *confirm.Gate
	acc     *strategy.Accumulator
	scorer  *strategy.PeriodScorer
	opener  *execution.Opener
	tracker *execution.Tracker
	ratchet *execution.Ratchet
	nav     *portfolio.NAVTracker
	dedup   *control.Dedup

	commands chan control.Command

	// current is owned by the loop goroutine. Readers use the snapshot.
	current *cluster.Cluster

	mu       sync.RWMutex
	snapshot *cluster.Cluster
	sizing   risk.Sizing
	plan     *cluster.Cluster
	history  []*cluster.Cluster
	running  bool
	lastTick time.Time
}

func New(cfg config.Config, d Deps) (*App, error) {
	if d.Venue == nil {
		return nil, errors.New("app: venue is required")
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = notify.Fanout{}
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	if d.Scores == nil {
		d.Scores = strategy.Static{Buy: cfg.Score.StaticBuy, Sell: cfg.Score.StaticSell, Now: d.Now}
	}
	rules, err := ratchetRules(cfg.Ratchet)
	if err != nil {
		return nil, err
	}
	log := d.Log.WithField("component", "engine")

	riskMgr := risk.New(risk.Config{MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses})
	riskMgr.SetEmergencyStop(cfg.Risk.EmergencyStop)

	nav := portfolio.NewTracker(d.Venue, portfolio.Config{
		Mode:         portfolio.Mode(strings.ToLower(cfg.Risk.NAVMode)),
		Override:     cfg.Risk.NAVOverride,
		SyncInterval: cfg.Risk.NAVSyncInterval,
	}, d.Log.WithField("component", "nav"))

	sizer := risk.NewSizer(risk.SizerConfig{
		RiskPercent: cfg.Risk.RiskPercent,
		RiskShares:  four(cfg.Cluster.RiskShares),
		DefaultLots: four(cfg.Cluster.DefaultLots),
		MaxLots:     cfg.Risk.MaxLotsPerStage,
	})
	opener := execution.NewOpener(d.Venue, sizer, nav, execution.OpenerConfig{
		Symbol:          cfg.Symbol,
		EntryOffsets:    four(cfg.Cluster.EntryOffsets),
		StopDistances:   four(cfg.Cluster.StopDistances),
		TargetDistances: four(cfg.Cluster.TargetDistances),
		MinStopDistance: cfg.Cluster.MinStopDistance,
		StopEpsilon:     cfg.Cluster.StopEpsilon,
		FallbackDigits:  cfg.Paper.Digits,
		Deviation:       cfg.Cluster.Deviation,
		MagicBase:       cfg.Cluster.MagicBase,
	}, d.Log.WithField("component", "opener"))
	opener.SetClock(d.Now)

	tracker := execution.NewTracker(d.Venue, riskMgr, execution.TrackerConfig{
		Symbol:      cfg.Symbol,
		Timeout:     cfg.Cluster.Timeout,
		RefundRatio: cfg.Score.RefundRatio,

		EntryOffsets:        four(cfg.Cluster.EntryOffsets),
		FinalTargetDistance: math.Max(four(cfg.Cluster.TargetDistances)[cluster.Stages-1], cfg.Cluster.MinStopDistance+cfg.Cluster.StopEpsilon),
		Digits:              cfg.Paper.Digits,
	}, d.Log.WithField("component", "tracker"))
	tracker.SetClock(d.Now)

	var gate *confirm.Gate
	if cfg.Confirm.Enabled {
		gate = confirm.New(cfg.Confirm.Window, d.Log.WithField("component", "confirm"))
		gate.SetClock(d.Now)
	}

	a := &App{
		cfg:      cfg,
		gw:       d.Venue,
		log:      log,
		now:      d.Now,
		events:   d.Events,
		metrics:  d.Metrics,
		state:    control.NewState(true, strategy.Thresholds{Buy: cfg.Score.BuyThreshold, Sell: cfg.Score.SellThreshold}),
		risk:     riskMgr,
		gate:     gate,
		acc:      strategy.NewAccumulator(),
		scorer:   strategy.NewPeriodScorer(d.Scores),
		opener:   opener,
		tracker:  tracker,
		ratchet:  execution.NewRatchet(d.Venue, rules, d.Log.WithField("component", "ratchet")),
		nav:      nav,
		dedup:    control.NewDedup(dedupTTL),
		commands: make(chan control.Command, commandQueue),
	}
	return a, nil
}

func ratchetRules(rc config.RatchetConfig) ([]execution.Rule, error) {
	switch strings.ToLower(rc.Preset) {
	case "", "final":
		return execution.FinalRules(rc.Offset), nil
	case "ladder":
		return execution.LadderRules(), nil
	case "custom":
		rules := make([]execution.Rule, 0, len(rc.Rules))
		for _, r := range rc.Rules {
			rules = append(rules, execution.Rule{
				ClosedRank: r.ClosedRank,
				Anchor:     execution.AnchorKind(r.Anchor),
				AnchorRank: r.AnchorRank,
				Offset:     r.Offset,
				Targets:    append([]int(nil), r.Targets...),
			})
		}
		return rules, nil
	}
	return nil, fmt.Errorf("app: unknown ratchet preset %q", rc.Preset)
}

func four(v []float64) [cluster.Stages]float64 {
	var out [cluster.Stages]float64
	copy(out[:], v)
	return out
}

// Start captures the NAV and adopts a still-live cluster left by a previous
// run. Errors here mean the venue is unusable.
func (a *App) Start(ctx context.Context) error {
	if a.nav.Mode() != portfolio.ModeFixed {
		if err := a.nav.Sync(ctx); err != nil {
			return fmt.Errorf("app: initial nav: %w", err)
		}
	}
	a.metrics.nav.Set(a.nav.NAV())

	c, err := a.tracker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("app: recover cluster: %w", err)
	}
	if c != nil {
		a.current = c
		a.publishSnapshot()
		a.emit(notify.KindInfo, fmt.Sprintf("♻️ Resumed cluster %s %s with %d live stages",
			c.ID, strings.ToUpper(string(c.Direction)), c.PlacedStages()), false, c.Clone())
	}
	a.log.WithFields(logrus.Fields{
		"symbol":  a.cfg.Symbol,
		"nav":     a.nav.NAV(),
		"dry_run": a.cfg.DryRun,
		"mode":    a.cfg.TradingMode,
	}).Info("engine started")
	return nil
}

// Run drives the poll loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-a.commands:
			a.apply(ctx, cmd)
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Submit queues an operator command for the loop. It returns false when the
// queue is full.
func (a *App) Submit(cmd control.Command) bool {
	select {
	case a.commands <- cmd:
		return true
	default:
		return false
	}
}

// Tick runs one engine step: commands, then the open cluster, then new
// cluster evaluation.
func (a *App) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { a.metrics.tickDuration.Observe(time.Since(start).Seconds()) }()

	a.drainCommands(ctx)
	a.dedup.Cleanup()

	if a.current != nil {
		a.trackCluster(ctx)
	}
	a.evaluate(ctx)

	a.metrics.observeRisk(a.risk.Snapshot())
	a.metrics.nav.Set(a.nav.NAV())
	a.publishSnapshot()
	a.mu.Lock()
	a.lastTick = a.now()
	a.mu.Unlock()
}

func (a *App) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-a.commands:
			a.apply(ctx, cmd)
		default:
			return
		}
	}
}

func (a *App) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.VenueTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.VenueTimeout)
}

// trackCluster resolves the open cluster against the venue: terminal
// result, timeout, overrun, then the stop ratchet.
func (a *App) trackCluster(ctx context.Context) {
	c := a.current
	vctx, cancel := a.call(ctx)
	defer cancel()

	obs, err := a.tracker.Observe(vctx, c)
	if err != nil {
		a.venueError("observe", err)
		return
	}
	for _, cl := range obs.Closed {
		a.ratchet.OnClosed(c.ID, cl)
	}
	for _, rank := range obs.Filled {
		c.Stage(rank).Filled = true
	}
	a.metrics.openStages.Set(float64(len(obs.Live)))

	if len(obs.Live) == 0 {
		_, tripped, err := a.tracker.RecordTerminalResult(vctx, c)
		switch {
		case errors.Is(err, execution.ErrHistoryPending):
			a.log.WithField("cluster", c.ID).Debug("waiting for exit deals")
			return
		case err != nil:
			a.venueError("deal_history", err)
			return
		}
		a.finish(c)
		if tripped {
			snap := a.risk.Snapshot()
			a.emit(notify.KindBreaker, telegramtmpl.RenderBreaker(snap.ConsecutiveLosses, snap.MaxConsecutiveLosses), true, snap)
		}
		return
	}

	if a.tracker.IsTimedOut(c, a.now()) {
		if err := a.tracker.Abandon(c); err != nil {
			a.log.WithError(err).WithField("cluster", c.ID).Error("abandon failed")
			return
		}
		a.finish(c)
		return
	}

	wasOverrun := c.Overrun
	th := a.state.Thresholds().For(c.Direction)
	cancelled, err := a.tracker.CheckOverrunAndCancel(vctx, c, obs.Live, a.acc, th)
	if err != nil {
		a.venueError("overrun", err)
	}
	if c.Overrun && !wasOverrun {
		a.metrics.overruns.Inc()
		a.emit(notify.KindOverrun, telegramtmpl.RenderOverrun(c, a.cfg.Score.RefundRatio*th), true, c.Clone())
	}
	if cancelled {
		// Cancelled stages are still in obs.Live until the next observation.
		return
	}

	var deals []venue.Deal
	if a.unresolvedClosures(c.ID) {
		if deals, err = a.tracker.Deals(vctx, c); err != nil {
			a.venueError("deal_history", err)
		}
	}
	res := a.ratchet.Check(vctx, c, obs.Live, deals)
	for _, mv := range res.Moves {
		a.metrics.ratchetMoves.WithLabelValues("applied").Inc()
		a.emit(notify.KindRatchet, telegramtmpl.RenderRatchet(mv), false, mv)
	}
	for rank, ferr := range res.Failed {
		a.metrics.ratchetMoves.WithLabelValues("failed").Inc()
		a.metrics.venueErrors.WithLabelValues("modify_stop").Inc()
		a.emit(notify.KindStageError, fmt.Sprintf("⚠️ Cluster %s ET%d stop modify failed, retrying: %s",
			c.ID, rank, ferr.Error()), false, nil)
	}
}

func (a *App) unresolvedClosures(id string) bool {
	for _, rec := range a.ratchet.State(id).Closures {
		if !rec.Resolved {
			return true
		}
	}
	return false
}

func (a *App) finish(c *cluster.Cluster) {
	a.ratchet.Forget(c.ID)
	a.current = nil
	a.metrics.observeClosed(c)
	a.mu.Lock()
	a.history = append(a.history, c.Clone())
	if len(a.history) > recentClusters {
		a.history = a.history[len(a.history)-recentClusters:]
	}
	a.mu.Unlock()
	a.emit(notify.KindClusterClose, telegramtmpl.RenderClusterClosed(c), true, c.Clone())
}

// evaluate settles a resolved confirmation, accumulates a fresh score period
// and opens or proposes a cluster when a threshold is met.
func (a *App) evaluate(ctx context.Context) {
	if a.gate != nil {
		if req, ok := a.gate.Poll(a.now()); ok {
			a.settle(ctx, req)
		}
	}

	vctx, cancel := a.call(ctx)
	defer cancel()
	ev, fresh, err := a.scorer.Poll(vctx)
	if err != nil {
		a.log.WithError(err).Warn("score unavailable")
		a.metrics.venueErrors.WithLabelValues("score").Inc()
		return
	}
	if !fresh {
		return
	}
	a.acc.Add(ev)
	buy, sell := a.acc.Scores()
	a.metrics.observeScores(buy, sell)
	a.emit(notify.KindScore, telegramtmpl.RenderScore(ev.Buy, ev.Sell, buy, sell, a.now()), false, ev)

	if a.current != nil {
		return
	}
	if a.gate != nil {
		if _, pending := a.gate.Pending(); pending {
			return
		}
	}
	if err := a.risk.Allow(); err != nil {
		a.log.WithError(err).Info("new clusters blocked")
		return
	}
	th, _ := a.state.Effective()
	dir, ok := strategy.Decide(buy, sell, th)
	if !ok {
		return
	}
	if !a.state.DirectionEnabled(dir) {
		a.log.WithField("direction", dir).Info("threshold met but direction disabled")
		return
	}
	a.state.ConsumeOverride()

	if a.gate != nil {
		req, err := a.gate.Request(dir, buy, sell)
		if err != nil {
			a.log.WithError(err).Warn("confirmation request failed")
			return
		}
		a.emit(notify.KindConfirmation, telegramtmpl.RenderConfirmation(req), true, req)
		return
	}
	_ = a.open(ctx, dir)
}

// settle acts on a resolved confirmation. Confirmed (by the operator or by
// the window running out) opens the cluster; cancelled discards the
// accumulated scores.
func (a *App) settle(ctx context.Context, req confirm.Request) {
	switch req.Status {
	case confirm.StatusCancelled:
		a.acc.Reset()
		a.metrics.observeScores(0, 0)
		a.emit(notify.KindConfirmation, fmt.Sprintf("❎ %s cluster cancelled, scores reset", strings.ToUpper(string(req.Direction))), true, req)
	case confirm.StatusConfirmed:
		if a.current != nil {
			a.log.WithField("request", req.ID).Warn("confirmed while a cluster is open, ignoring")
			return
		}
		if err := a.risk.Allow(); err != nil {
			a.emit(notify.KindConfirmation, fmt.Sprintf("⛔ Confirmed cluster blocked: %s", err), true, req)
			return
		}
		if !a.state.DirectionEnabled(req.Direction) {
			a.emit(notify.KindConfirmation, fmt.Sprintf("⛔ Confirmed %s cluster blocked: bot stopped or direction disabled", upper(req.Direction)), true, req)
			return
		}
		_ = a.open(ctx, req.Direction)
	}
}

// open submits a cluster, or only plans it in dry-run mode.
func (a *App) open(ctx context.Context, dir cluster.Direction) error {
	vctx, cancel := a.call(ctx)
	defer cancel()

	if a.cfg.DryRun {
		c, sizing, err := a.opener.Plan(vctx, dir)
		if err != nil {
			a.venueError("plan", err)
			return err
		}
		a.acc.Reset()
		a.mu.Lock()
		a.plan, a.sizing = c.Clone(), sizing
		a.mu.Unlock()
		a.emit(notify.KindClusterOpen, telegramtmpl.RenderClusterPlan(c, sizing), true, c.Clone())
		return nil
	}

	live, err := a.tracker.AnyLive(vctx)
	if err != nil {
		a.venueError("live_check", err)
		return err
	}
	if len(live) > 0 {
		a.log.WithField("clusters", live).Warn("venue reports a live cluster, open refused")
		a.emit(notify.KindInfo, fmt.Sprintf("⛔ %s cluster not opened: cluster %s is live at the venue",
			upper(dir), strings.Join(live, ", ")), true, live)
		return fmt.Errorf("%w: %s", errLiveExposure, strings.Join(live, ", "))
	}

	c, sizing, err := a.opener.Open(vctx, dir)
	if err != nil {
		if errors.Is(err, execution.ErrEntryFailed) && c != nil {
			a.metrics.stageFailures.WithLabelValues("1").Inc()
			s := c.Stage(1)
			a.emit(notify.KindStageError, fmt.Sprintf("❌ %s cluster aborted: ET1 market order @ %.2f rejected: %s",
				strings.ToUpper(string(dir)), s.Entry, s.Err), true, c.Clone())
			return err
		}
		a.venueError("open", err)
		return err
	}
	a.tracker.Begin(c)
	a.current = c
	a.acc.Reset()
	a.metrics.observeOpened(c)
	a.metrics.observeScores(0, 0)
	a.mu.Lock()
	a.sizing = sizing
	a.mu.Unlock()
	for _, s := range c.Stages {
		if !s.Placed {
			a.emit(notify.KindStageError, fmt.Sprintf("❌ Cluster %s ET%d %.2f lots @ %.2f rejected: %s",
				c.ID, s.Rank, s.Lots, s.Entry, s.Err), false, s)
		}
	}
	a.emit(notify.KindClusterOpen, telegramtmpl.RenderClusterOpened(c, sizing, a.now()), true, c.Clone())
	a.publishSnapshot()
	return nil
}

func (a *App) venueError(op string, err error) {
	a.metrics.venueErrors.WithLabelValues(op).Inc()
	a.log.WithError(err).WithField("op", op).Warn("venue call failed, retrying next tick")
	a.emit(notify.KindVenueError, fmt.Sprintf("⚠️ %s failed: %s", op, err), false, nil)
}

func (a *App) emit(kind notify.Kind, text string, urgent bool, data any) {
	a.events.Publish(notify.Event{Kind: kind, Text: text, Urgent: urgent, Data: data, At: a.now()})
}

func (a *App) publishSnapshot() {
	snap := a.current.Clone()
	a.mu.Lock()
	a.snapshot = snap
	a.mu.Unlock()
}
