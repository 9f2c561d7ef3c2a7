package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

// ErrHistoryPending means a closed stage has no exit deal in history yet.
var ErrHistoryPending = errors.New("execution: exit deal not yet in history")

// LiveStage is a stage the venue still reports, as a resting order or as an
// open position.
type LiveStage struct {
	Rank       int     `json:"rank"`
	Ticket     int64   `json:"ticket"`
	Filled     bool    `json:"filled"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Lots       float64 `json:"lots"`
}

// Closure is a stage that was live on the previous observation and is gone
// now.
type Closure struct {
	Rank      int
	Ticket    int64
	WasFilled bool
}

// Observation is the diff between two successive venue polls of a cluster.
type Observation struct {
	Live    map[int]LiveStage
	Closed  []Closure
	Filled  []int
	Checked time.Time
}

// ScoreRefunder receives the overrun credit for a direction.
type ScoreRefunder interface {
	Refund(dir cluster.Direction, amount float64)
}

// TrackerConfig configures a Tracker. EntryOffsets and FinalTargetDistance
// rebuild the final target of a recovered cluster whose last stage is gone.
type TrackerConfig struct {
	Symbol              string
	Timeout             time.Duration
	RefundRatio         float64
	EntryOffsets        [cluster.Stages]float64
	FinalTargetDistance float64
	Digits              int
}

// Tracker observes the single open cluster against venue state.
type Tracker struct {
	gw      venue.Gateway
	breaker *risk.Manager
	cfg     TrackerConfig
	log     logrus.FieldLogger
	now     func() time.Time

	mu   sync.RWMutex
	seen map[string]map[int]LiveStage // cluster id -> last live stages
}

// NewTracker creates a Tracker that feeds terminal results to breaker.
func NewTracker(gw venue.Gateway, breaker *risk.Manager, cfg TrackerConfig, log logrus.FieldLogger) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Hour
	}
	if cfg.Digits <= 0 {
		cfg.Digits = 2
	}
	return &Tracker{
		gw:      gw,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		seen:    make(map[string]map[int]LiveStage),
	}
}

func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Begin seeds the previous observation from the stages the opener placed so
// that a stage closing before the first poll still produces a closure.
func (t *Tracker) Begin(c *cluster.Cluster) {
	prev := make(map[int]LiveStage)
	for _, s := range c.Stages {
		if !s.Placed {
			continue
		}
		prev[s.Rank] = LiveStage{
			Rank:       s.Rank,
			Ticket:     s.Ticket,
			Filled:     s.Filled,
			Price:      s.Entry,
			StopLoss:   s.StopLoss,
			TakeProfit: s.TakeProfit,
			Lots:       s.Lots,
		}
	}
	t.mu.Lock()
	t.seen[c.ID] = prev
	t.mu.Unlock()
}

// Forget drops observation state for a terminated cluster.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.seen, id)
	t.mu.Unlock()
}

// Live lists the cluster's stages still present at the venue.
func (t *Tracker) Live(ctx context.Context, c *cluster.Cluster) (map[int]LiveStage, error) {
	all, err := t.liveByCluster(ctx)
	if err != nil {
		return nil, err
	}
	if g := all[c.ID]; g != nil {
		return g.stages, nil
	}
	return make(map[int]LiveStage), nil
}

// IsOpen reports whether any position or resting order carries one of the
// cluster's stage tags.
func (t *Tracker) IsOpen(ctx context.Context, c *cluster.Cluster) (bool, error) {
	live, err := t.Live(ctx, c)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Observe diffs current venue state against the previous observation.
func (t *Tracker) Observe(ctx context.Context, c *cluster.Cluster) (Observation, error) {
	live, err := t.Live(ctx, c)
	if err != nil {
		return Observation{}, err
	}

	t.mu.Lock()
	prev, ok := t.seen[c.ID]
	t.seen[c.ID] = live
	t.mu.Unlock()

	obs := Observation{Live: live, Checked: t.now()}
	if !ok {
		return obs, nil
	}
	for _, rank := range sortedRanks(prev) {
		was := prev[rank]
		now, still := live[rank]
		if !still {
			obs.Closed = append(obs.Closed, Closure{Rank: rank, Ticket: was.Ticket, WasFilled: was.Filled})
			continue
		}
		if now.Filled && !was.Filled {
			obs.Filled = append(obs.Filled, rank)
		}
	}
	return obs, nil
}

// IsTimedOut reports whether the cluster has outlived the abandonment
// timeout.
func (t *Tracker) IsTimedOut(c *cluster.Cluster, now time.Time) bool {
	return now.Sub(c.OpenedAt) > t.cfg.Timeout
}

// CheckOverrunAndCancel cancels every resting stage once price has moved
// past the final target while stages are still unfilled. The first
// successful cancellation refunds RefundRatio*threshold to the cluster's
// direction; later calls only retry leftover cancels.
func (t *Tracker) CheckOverrunAndCancel(ctx context.Context, c *cluster.Cluster, live map[int]LiveStage, acc ScoreRefunder, threshold float64) (bool, error) {
	if c.FinalTarget <= 0 {
		return false, nil
	}
	var pending []LiveStage
	for _, rank := range sortedRanks(live) {
		if !live[rank].Filled {
			pending = append(pending, live[rank])
		}
	}
	if len(pending) == 0 {
		return false, nil
	}
	q, err := t.gw.Quote(ctx, c.Symbol)
	if err != nil {
		return false, fmt.Errorf("execution: overrun quote: %w", err)
	}
	price := q.Bid
	if c.Direction == cluster.Sell {
		price = q.Ask
	}
	if c.Direction.Sign()*(price-c.FinalTarget) < 0 {
		return false, nil
	}

	log := t.log.WithFields(logrus.Fields{"cluster": c.ID, "price": price, "final_target": c.FinalTarget})
	cancelled := 0
	for _, s := range pending {
		if err := t.gw.CancelOrder(ctx, s.Ticket); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"rank": s.Rank, "ticket": s.Ticket}).Warn("overrun cancel failed")
			continue
		}
		cancelled++
		c.Stage(s.Rank).Exit = "cancelled"
	}
	if cancelled == 0 {
		return false, nil
	}
	if !c.Overrun {
		c.Overrun = true
		refund := t.cfg.RefundRatio * threshold
		acc.Refund(c.Direction, refund)
		log.WithFields(logrus.Fields{"cancelled": cancelled, "refund": refund}).Info("overrun: pending stages cancelled")
	}
	return true, nil
}

// Deals returns the cluster's deals since it opened.
func (t *Tracker) Deals(ctx context.Context, c *cluster.Cluster) ([]venue.Deal, error) {
	deals, err := t.gw.ListHistoricalDeals(ctx, c.OpenedAt, t.now().Add(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("execution: deal history: %w", err)
	}
	out := deals[:0:0]
	for _, d := range deals {
		id, _, ok := cluster.ParseTag(d.Tag)
		if ok && id == c.ID && !d.Time.Before(c.OpenedAt) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ExitFor resolves how a stage left the venue. A stage that was still
// resting and never produced an entry deal resolves as cancelled.
func ExitFor(deals []venue.Deal, tag string, wasFilled bool) (venue.ExitKind, bool) {
	entered := false
	for _, d := range deals {
		if d.Tag != tag {
			continue
		}
		if d.Entry == venue.EntryOut {
			return d.Exit, true
		}
		entered = true
	}
	if !wasFilled && !entered {
		return venue.ExitNone, true
	}
	return venue.ExitNone, false
}

// RecordTerminalResult classifies a cluster with no live stages from its
// realized deals and forwards the outcome to the loss-streak breaker.
func (t *Tracker) RecordTerminalResult(ctx context.Context, c *cluster.Cluster) (cluster.Result, bool, error) {
	if c.Terminal() {
		return cluster.Result{}, false, fmt.Errorf("%w: cluster %s already %s", cluster.ErrInvalidTransition, c.ID, c.Status)
	}
	deals, err := t.Deals(ctx, c)
	if err != nil {
		return cluster.Result{}, false, err
	}
	var pnl float64
	for _, s := range c.Stages {
		entered, exited := false, false
		for _, d := range deals {
			if d.Tag != s.Tag {
				continue
			}
			pnl += d.NetPnL()
			switch d.Entry {
			case venue.EntryIn:
				entered = true
			case venue.EntryOut:
				exited = true
			}
		}
		if entered && !exited {
			return cluster.Result{}, false, fmt.Errorf("%w: %s", ErrHistoryPending, s.Tag)
		}
	}

	now := t.now()
	res := cluster.Result{PnL: pnl, IsProfit: pnl > 0, Deals: len(deals), ClosedAt: now}
	status := cluster.StatusClosedLoss
	switch {
	case c.Overrun:
		status = cluster.StatusCancelledOverrun
	case res.IsProfit:
		status = cluster.StatusClosedProfit
	}
	if err := c.Transition(status, now); err != nil {
		return cluster.Result{}, false, err
	}
	c.Result = &res
	tripped := t.breaker.RecordResult(risk.Outcome{
		Direction: c.Direction,
		IsProfit:  res.IsProfit,
		PnL:       pnl,
		At:        now,
	})
	t.Forget(c.ID)
	t.log.WithFields(logrus.Fields{
		"cluster": c.ID,
		"status":  status,
		"pnl":     pnl,
		"tripped": tripped,
	}).Info("cluster closed")
	return res, tripped, nil
}

// Abandon marks a timed-out cluster terminal. Venue remnants are left as
// they are and the loss-streak breaker is not fed.
func (t *Tracker) Abandon(c *cluster.Cluster) error {
	if err := c.Transition(cluster.StatusAbandoned, t.now()); err != nil {
		return err
	}
	t.Forget(c.ID)
	return nil
}

// AnyLive returns the ids of engine-tagged clusters with live venue
// exposure that have not yet timed out.
func (t *Tracker) AnyLive(ctx context.Context) ([]string, error) {
	all, err := t.liveByCluster(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var ids []string
	for id := range all {
		opened, ok := cluster.OpenedAtFromID(id)
		if ok && now.Sub(opened) > t.cfg.Timeout {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Recover rebuilds the newest non-timed-out cluster from live venue state.
// It returns nil when nothing engine-tagged is live.
func (t *Tracker) Recover(ctx context.Context) (*cluster.Cluster, error) {
	groups, err := t.liveByCluster(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var (
		bestID string
		bestAt time.Time
	)
	for id := range groups {
		opened, ok := cluster.OpenedAtFromID(id)
		if !ok || now.Sub(opened) > t.cfg.Timeout {
			continue
		}
		if bestID == "" || opened.After(bestAt) {
			bestID, bestAt = id, opened
		}
	}
	if bestID == "" {
		return nil, nil
	}

	g := groups[bestID]
	c := cluster.New(bestID, t.cfg.Symbol, g.direction, bestAt)
	c.Recovered = true
	for rank, ls := range g.stages {
		s := c.Stage(rank)
		s.Ticket = ls.Ticket
		s.Entry = ls.Price
		s.StopLoss = ls.StopLoss
		s.TakeProfit = ls.TakeProfit
		s.Lots = ls.Lots
		s.Placed = true
		s.Filled = ls.Filled
	}
	c.FinalTarget = t.recoveredTarget(g)
	t.mu.Lock()
	t.seen[c.ID] = g.stages
	t.mu.Unlock()
	t.log.WithFields(logrus.Fields{"cluster": c.ID, "stages": len(g.stages)}).Info("cluster recovered from venue")
	return c, nil
}

// recoveredTarget returns the final target of a live group: the last stage's
// take-profit when it is still live, otherwise the lowest live rank's price
// walked back to the stage-1 reference and out to the final target.
func (t *Tracker) recoveredTarget(g *liveGroup) float64 {
	if s4, ok := g.stages[cluster.Stages]; ok && s4.TakeProfit > 0 {
		return s4.TakeProfit
	}
	if t.cfg.FinalTargetDistance <= 0 {
		return 0
	}
	ranks := sortedRanks(g.stages)
	if len(ranks) == 0 {
		return 0
	}
	ls := g.stages[ranks[0]]
	base := cluster.Offset(g.direction, ls.Price, t.cfg.EntryOffsets[ranks[0]-1])
	last := cluster.Offset(g.direction, base, -t.cfg.EntryOffsets[cluster.Stages-1])
	return cluster.RoundPrice(cluster.Offset(g.direction, last, t.cfg.FinalTargetDistance), t.cfg.Digits)
}

type liveGroup struct {
	direction cluster.Direction
	stages    map[int]LiveStage
}

func (t *Tracker) liveByCluster(ctx context.Context) (map[string]*liveGroup, error) {
	positions, err := t.gw.ListOpenPositions(ctx, t.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("execution: list positions: %w", err)
	}
	orders, err := t.gw.ListPendingOrders(ctx, t.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("execution: list orders: %w", err)
	}
	out := make(map[string]*liveGroup)
	put := func(tag string, dir cluster.Direction, ls LiveStage) {
		id, rank, ok := cluster.ParseTag(tag)
		if !ok {
			return
		}
		g := out[id]
		if g == nil {
			g = &liveGroup{direction: dir, stages: make(map[int]LiveStage)}
			out[id] = g
		}
		ls.Rank = rank
		g.stages[rank] = ls
	}
	for _, p := range positions {
		put(p.Tag, p.Direction, LiveStage{Ticket: p.Ticket, Filled: true, Price: p.OpenPrice, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit, Lots: p.Lots})
	}
	for _, o := range orders {
		put(o.Tag, o.Direction, LiveStage{Ticket: o.Ticket, Price: o.Price, StopLoss: o.StopLoss, TakeProfit: o.TakeProfit, Lots: o.Lots})
	}
	return out, nil
}

func sortedRanks(m map[int]LiveStage) []int {
	ranks := make([]int, 0, len(m))
	for r := range m {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}
