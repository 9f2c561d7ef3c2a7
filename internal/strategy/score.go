package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

// Evaluation is one output of the scoring collaborator. Period identifies
// the bar it was computed for; the engine accumulates each period once.
type Evaluation struct {
	Period time.Time `json:"period"`
	Buy    float64   `json:"buy"`
	Sell   float64   `json:"sell"`
}

// Source produces directional scores. Implementations must be safe to call
// on every engine tick.
type Source interface {
	Latest(ctx context.Context) (Evaluation, error)
}

// Thresholds are the accumulated scores a direction needs to qualify.
type Thresholds struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// For returns the threshold of dir.
func (t Thresholds) For(dir cluster.Direction) float64 {
	if dir == cluster.Sell {
		return t.Sell
	}
	return t.Buy
}

// Decide picks the direction an accumulated score qualifies for. Buy wins
// ties.
func Decide(buy, sell float64, th Thresholds) (cluster.Direction, bool) {
	switch {
	case buy >= th.Buy && buy >= sell:
		return cluster.Buy, true
	case sell >= th.Sell && sell > buy:
		return cluster.Sell, true
	}
	return "", false
}

// Accumulator holds the running buy and sell scores between cluster opens.
type Accumulator struct {
	mu   sync.Mutex
	buy  float64
	sell float64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Add(ev Evaluation) {
	a.mu.Lock()
	a.buy += ev.Buy
	a.sell += ev.Sell
	a.mu.Unlock()
}

// Refund credits amount to dir. Refunds are not capped by the threshold.
func (a *Accumulator) Refund(dir cluster.Direction, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir == cluster.Sell {
		a.sell += amount
		return
	}
	a.buy += amount
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buy, a.sell = 0, 0
	a.mu.Unlock()
}

func (a *Accumulator) Scores() (buy, sell float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buy, a.sell
}

// PeriodScorer forwards a Source's evaluation only when its period changes.
type PeriodScorer struct {
	src  Source
	last time.Time
	seen bool
}

func NewPeriodScorer(src Source) *PeriodScorer {
	return &PeriodScorer{src: src}
}

// Poll returns the latest evaluation and true if it belongs to a period not
// seen before. Errors leave the last period untouched.
func (p *PeriodScorer) Poll(ctx context.Context) (Evaluation, bool, error) {
	ev, err := p.src.Latest(ctx)
	if err != nil {
		return Evaluation{}, false, fmt.Errorf("strategy: latest score: %w", err)
	}
	if p.seen && !ev.Period.After(p.last) {
		return ev, false, nil
	}
	p.last, p.seen = ev.Period, true
	return ev, true, nil
}

// Static emits the same scores once per Interval. Used for dry runs and
// demos where no real scorer is attached.
type Static struct {
	Buy      float64
	Sell     float64
	Interval time.Duration
	Now      func() time.Time
}

func (s Static) Latest(context.Context) (Evaluation, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return Evaluation{Period: now().Truncate(interval), Buy: s.Buy, Sell: s.Sell}, nil
}
