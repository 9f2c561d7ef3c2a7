// Package execution places, observes and protects order clusters.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

// ErrEntryFailed means the market stage was rejected and nothing was placed.
var ErrEntryFailed = errors.New("execution: market stage rejected")

// OpenerConfig is the cluster geometry and order metadata.
type OpenerConfig struct {
	Symbol          string
	EntryOffsets    [cluster.Stages]float64
	StopDistances   [cluster.Stages]float64
	TargetDistances [cluster.Stages]float64
	// MinStopDistance floors the venue stop level; StopEpsilon is added on
	// top of the effective minimum.
	MinStopDistance float64
	StopEpsilon     float64
	FallbackDigits  int
	Deviation       int
	MagicBase       int
	// Retry is consulted once per failed pending stage. Nil disables
	// resubmission.
	Retry StageRetryPolicy
}

// StageRetryPolicy decides whether a rejected pending stage is resubmitted
// once with the same parameters.
type StageRetryPolicy func(stage cluster.Stage, err error) bool

// NAVSource supplies the equity basis for sizing.
type NAVSource interface {
	NAV() float64
}

// Opener prices, sizes and submits clusters.
type Opener struct {
	gw    venue.Gateway
	sizer *risk.Sizer
	nav   NAVSource
	cfg   OpenerConfig
	log   logrus.FieldLogger
	now   func() time.Time

	mu     sync.Mutex
	lastID int64
}

// NewOpener creates an Opener sizing from nav through sizer.
func NewOpener(gw venue.Gateway, sizer *risk.Sizer, nav NAVSource, cfg OpenerConfig, log logrus.FieldLogger) *Opener {
	if cfg.FallbackDigits <= 0 {
		cfg.FallbackDigits = 2
	}
	return &Opener{gw: gw, sizer: sizer, nav: nav, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the time source used for cluster ids and open times.
func (o *Opener) SetClock(now func() time.Time) { o.now = now }

// Plan builds a fully priced and sized cluster from the current quote
// without submitting anything.
func (o *Opener) Plan(ctx context.Context, dir cluster.Direction) (*cluster.Cluster, risk.Sizing, error) {
	if !dir.Valid() {
		return nil, risk.Sizing{}, fmt.Errorf("execution: invalid direction %q", dir)
	}
	quote, err := o.gw.Quote(ctx, o.cfg.Symbol)
	if err != nil {
		return nil, risk.Sizing{}, fmt.Errorf("execution: quote: %w", err)
	}
	info, err := o.gw.InstrumentInfo(ctx, o.cfg.Symbol)
	if err != nil {
		o.log.WithError(err).Warn("instrument info unavailable, using fallback sizing")
		info = venue.InstrumentInfo{Digits: o.cfg.FallbackDigits}
	}
	digits := info.Digits
	if digits <= 0 {
		digits = o.cfg.FallbackDigits
	}

	minDist := math.Max(info.MinStopDistance(), o.cfg.MinStopDistance)
	var slDist, tpDist [cluster.Stages]float64
	for i := range slDist {
		slDist[i] = math.Max(o.cfg.StopDistances[i], minDist+o.cfg.StopEpsilon)
		tpDist[i] = math.Max(o.cfg.TargetDistances[i], minDist+o.cfg.StopEpsilon)
	}

	sizing := o.sizer.Size(risk.SizeInput{
		NAV:           o.nav.NAV(),
		StopDistances: slDist,
		ValuePerUnit:  info.ValuePerUnit,
		LotStep:       info.LotStep,
		MinLot:        info.MinLot,
	})

	c := cluster.New(o.nextID(), o.cfg.Symbol, dir, o.now())
	if at, ok := cluster.OpenedAtFromID(c.ID); ok {
		c.OpenedAt = at
	}
	base := quote.Ask
	if dir == cluster.Sell {
		base = quote.Bid
	}
	for i := range c.Stages {
		s := &c.Stages[i]
		s.Entry = cluster.RoundPrice(cluster.Offset(dir, base, -o.cfg.EntryOffsets[i]), digits)
		s.StopLoss = cluster.RoundPrice(cluster.Offset(dir, s.Entry, -slDist[i]), digits)
		s.TakeProfit = cluster.RoundPrice(cluster.Offset(dir, s.Entry, tpDist[i]), digits)
		s.Lots = sizing.Lots[i]
		s.RiskShare = o.sizer.Share(i)
	}
	c.FinalTarget = c.Stages[cluster.Stages-1].TakeProfit
	return c, sizing, nil
}

// Open plans a cluster and submits its stages. A rejected market stage
// aborts the open and returns ErrEntryFailed with nothing else submitted.
// Rejected pending stages leave a partial cluster.
func (o *Opener) Open(ctx context.Context, dir cluster.Direction) (*cluster.Cluster, risk.Sizing, error) {
	c, sizing, err := o.Plan(ctx, dir)
	if err != nil {
		return nil, sizing, err
	}
	log := o.log.WithFields(logrus.Fields{"cluster": c.ID, "direction": dir})

	first := c.Stage(1)
	ticket, err := o.gw.SubmitMarketOrder(ctx, o.request(c, first))
	if err != nil {
		first.Err = err.Error()
		log.WithError(err).Error("market stage rejected, cluster aborted")
		return c, sizing, fmt.Errorf("%w: %v", ErrEntryFailed, err)
	}
	first.Ticket = ticket
	first.Placed = true
	first.Filled = true

	for rank := 2; rank <= cluster.Stages; rank++ {
		s := c.Stage(rank)
		ticket, err := o.gw.SubmitPendingOrder(ctx, o.request(c, s))
		if err != nil && o.cfg.Retry != nil && o.cfg.Retry(*s, err) {
			ticket, err = o.gw.SubmitPendingOrder(ctx, o.request(c, s))
		}
		if err != nil {
			s.Err = err.Error()
			log.WithError(err).WithField("rank", rank).Warn("pending stage rejected")
			continue
		}
		s.Ticket = ticket
		s.Placed = true
	}
	log.WithFields(logrus.Fields{
		"placed":       c.PlacedStages(),
		"final_target": c.FinalTarget,
		"risk":         sizing.RealizedRisk,
	}).Info("cluster opened")
	return c, sizing, nil
}

func (o *Opener) request(c *cluster.Cluster, s *cluster.Stage) venue.OrderRequest {
	return venue.OrderRequest{
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Lots:       s.Lots,
		Price:      s.Entry,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		Tag:        s.Tag,
		Magic:      o.cfg.MagicBase + s.Rank,
		Deviation:  o.cfg.Deviation,
	}
}

// nextID returns a cluster id strictly newer than the previous one.
func (o *Opener) nextID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	sec := o.now().Unix()
	if sec <= o.lastID {
		sec = o.lastID + 1
	}
	o.lastID = sec
	return cluster.NewID(time.Unix(sec, 0))
}
