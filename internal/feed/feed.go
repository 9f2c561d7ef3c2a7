// Package feed polls top-of-book quotes and fans them out to the paper
// venue, the momentum scorer and the status surfaces.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

// QuoteSnapshot keeps the latest quote per symbol.
type QuoteSnapshot struct {
	mu     sync.RWMutex
	quotes map[string]venue.Quote
}

func NewQuoteSnapshot() *QuoteSnapshot {
	return &QuoteSnapshot{quotes: make(map[string]venue.Quote)}
}

func (s *QuoteSnapshot) Update(symbol string, q venue.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = q
}

func (s *QuoteSnapshot) Get(symbol string) (venue.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

func (s *QuoteSnapshot) Mid(symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok || q.Bid <= 0 || q.Ask <= 0 {
		return 0, fmt.Errorf("feed: no quote for %s", symbol)
	}
	return (q.Bid + q.Ask) / 2, nil
}

// Spread returns ask minus bid, or zero when no quote is held.
func (s *QuoteSnapshot) Spread(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return 0
	}
	return q.Ask - q.Bid
}

// QuoteSource is anything that can produce a quote on demand.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (venue.Quote, error)
}

// Sink receives each fresh quote.
type Sink func(venue.Quote)

// Poller pulls quotes from a source and publishes them to sinks.
type Poller struct {
	src      QuoteSource
	symbol   string
	interval time.Duration
	snap     *QuoteSnapshot
	sinks    []Sink
	log      logrus.FieldLogger
}

func NewPoller(src QuoteSource, symbol string, interval time.Duration, snap *QuoteSnapshot, log logrus.FieldLogger, sinks ...Sink) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{src: src, symbol: symbol, interval: interval, snap: snap, sinks: sinks, log: log}
}

// PollOnce fetches and publishes a single quote.
func (p *Poller) PollOnce(ctx context.Context) error {
	q, err := p.src.Quote(ctx, p.symbol)
	if err != nil {
		return fmt.Errorf("feed: quote %s: %w", p.symbol, err)
	}
	if p.snap != nil {
		p.snap.Update(p.symbol, q)
	}
	for _, s := range p.sinks {
		s(q)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil {
			p.log.WithError(err).Debug("quote poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WalkConfig parameterises the synthetic quote stream.
type WalkConfig struct {
	Start      float64
	Spread     float64
	Volatility float64 // max absolute step per quote
	Digits     int
	Seed       int64
	Now        func() time.Time
}

// RandomWalk is a seeded quote generator for paper runs without a bridge.
type RandomWalk struct {
	cfg WalkConfig

	mu  sync.Mutex
	rng *rand.Rand
	mid float64
}

func NewRandomWalk(cfg WalkConfig) *RandomWalk {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RandomWalk{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed)), mid: cfg.Start}
}

func (w *RandomWalk) Quote(_ context.Context, _ string) (venue.Quote, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mid += (w.rng.Float64()*2 - 1) * w.cfg.Volatility
	if w.mid <= w.cfg.Spread {
		w.mid = w.cfg.Start
	}
	bid := cluster.RoundPrice(w.mid-w.cfg.Spread/2, w.cfg.Digits)
	ask := cluster.RoundPrice(bid+w.cfg.Spread, w.cfg.Digits)
	return venue.Quote{Bid: bid, Ask: ask, Time: w.cfg.Now()}, nil
}
