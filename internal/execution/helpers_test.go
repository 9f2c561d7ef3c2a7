package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/logging"
	"github.com/GoPolymarket/cluster-trader/internal/paper"
	"github.com/GoPolymarket/cluster-trader/internal/risk"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

type fixedNAV float64

func (f fixedNAV) NAV() float64 { return float64(f) }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type scoreSink struct {
	refunds map[cluster.Direction]float64
	calls   int
}

func (s *scoreSink) Refund(dir cluster.Direction, amount float64) {
	if s.refunds == nil {
		s.refunds = make(map[cluster.Direction]float64)
	}
	s.refunds[dir] += amount
	s.calls++
}

type fixture struct {
	clock   *testClock
	sim     *paper.Simulator
	opener  *Opener
	tracker *Tracker
	breaker *risk.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newClock()
	sim := paper.NewSimulator(paper.Config{
		Symbol:         "XAUUSD",
		InitialBalance: 10000,
		Info: venue.InstrumentInfo{
			Digits:       2,
			MinLot:       0.01,
			LotStep:      0.01,
			ValuePerUnit: 100,
		},
		Now: clock.Now,
	})
	sim.SetQuote(2400.00, 2400.20)
	log := logging.Discard()

	breaker := risk.New(risk.Config{MaxConsecutiveLosses: 3})
	opener := NewOpener(sim, risk.NewSizer(risk.SizerConfig{
		RiskPercent: 0.10,
		RiskShares:  [cluster.Stages]float64{0.2, 0.2, 0.4, 0.2},
		DefaultLots: [cluster.Stages]float64{0.01, 0.01, 0.02, 0.01},
	}), fixedNAV(10000), defaultOpenerConfig(), log)
	opener.now = clock.Now

	tracker := NewTracker(sim, breaker, TrackerConfig{Symbol: "XAUUSD", Timeout: 6 * time.Hour, RefundRatio: 0.5}, log)
	tracker.now = clock.Now

	return &fixture{clock: clock, sim: sim, opener: opener, tracker: tracker, breaker: breaker}
}

func defaultOpenerConfig() OpenerConfig {
	return OpenerConfig{
		Symbol:          "XAUUSD",
		EntryOffsets:    [cluster.Stages]float64{0, 0.2, 0.5, 0.7},
		StopDistances:   [cluster.Stages]float64{9, 10, 11, 12},
		TargetDistances: [cluster.Stages]float64{3, 5, 10, 15},
		MinStopDistance: 0.5,
		StopEpsilon:     0.1,
		Deviation:       20,
		MagicBase:       1000,
	}
}

func (f *fixture) open(t *testing.T, dir cluster.Direction) *cluster.Cluster {
	t.Helper()
	c, _, err := f.opener.Open(context.Background(), dir)
	require.NoError(t, err)
	f.tracker.Begin(c)
	f.clock.Advance(time.Second)
	return c
}
