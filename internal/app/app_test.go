package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/config"
	"github.com/GoPolymarket/cluster-trader/internal/control"
	"github.com/GoPolymarket/cluster-trader/internal/logging"
	"github.com/GoPolymarket/cluster-trader/internal/notify"
	"github.com/GoPolymarket/cluster-trader/internal/paper"
	"github.com/GoPolymarket/cluster-trader/internal/strategy"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
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

// stubScores serves whatever evaluation the test set last.
type stubScores struct {
	mu sync.Mutex
	ev strategy.Evaluation
}

func (s *stubScores) Set(period time.Time, buy, sell float64) {
	s.mu.Lock()
	s.ev = strategy.Evaluation{Period: period, Buy: buy, Sell: sell}
	s.mu.Unlock()
}

func (s *stubScores) Latest(context.Context) (strategy.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ev, nil
}

type harness struct {
	app    *App
	sim    *paper.Simulator
	clock  *testClock
	scores *stubScores
	events *notify.Recorder
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DryRun = false
	cfg.TradingMode = "paper"
	cfg.Confirm.Enabled = false
	cfg.Risk.NAVMode = "fixed"
	cfg.Risk.NAVOverride = 10000
	cfg.VenueTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
	sim := paper.NewSimulator(paper.Config{
		Symbol:         cfg.Symbol,
		InitialBalance: 10000,
		Info:           venue.InstrumentInfo{Digits: 2, MinLot: 0.01, LotStep: 0.01, ValuePerUnit: 100},
		Now:            clock.Now,
	})
	sim.SetQuote(2400.00, 2400.20)
	return newHarnessOn(t, cfg, sim, clock)
}

func newHarnessOn(t *testing.T, cfg config.Config, sim *paper.Simulator, clock *testClock) *harness {
	t.Helper()
	scores := &stubScores{}
	events := notify.NewRecorder(256)
	a, err := New(cfg, Deps{
		Venue:   sim,
		Scores:  scores,
		Events:  events,
		Metrics: NewMetrics(),
		Log:     logging.Discard(),
		Now:     clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return &harness{app: a, sim: sim, clock: clock, scores: scores, events: events}
}

func (h *harness) tick() { h.app.Tick(context.Background()) }

func (h *harness) command(t *testing.T, id string, verb control.Verb, args ...string) control.Result {
	t.Helper()
	cmd, err := control.Build(verb, args)
	require.NoError(t, err)
	cmd.ID = id
	cmd.Stamp("test", h.clock.Now())
	cmd.Reply = make(chan control.Result, 1)
	require.True(t, h.app.Submit(cmd))
	h.tick()
	select {
	case res := <-cmd.Reply:
		return res
	default:
		t.Fatalf("no reply for %s", verb)
		return control.Result{}
	}
}

func kinds(events []notify.Event) map[notify.Kind]int {
	out := make(map[notify.Kind]int)
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}

func TestScoresAccumulateOncePerPeriodAndOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	p1 := h.clock.Now().Truncate(time.Hour)

	h.scores.Set(p1, 20, 5)
	h.tick()
	h.tick()
	st := h.app.Status()
	assert.Equal(t, 20.0, st.Scores.Buy)
	assert.Equal(t, 5.0, st.Scores.Sell)
	assert.Nil(t, h.app.Cluster())

	h.scores.Set(p1.Add(time.Hour), 20, 5)
	h.tick()

	view := h.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, cluster.Buy, view.Cluster.Direction)
	assert.Equal(t, cluster.Stages, view.Cluster.PlacedStages())
	assert.Equal(t, 0.0, h.app.Status().Scores.Buy)

	snap := h.sim.Snapshot()
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Equal(t, 3, snap.PendingOrders)
	assert.Equal(t, 1, kinds(h.events.Drain())[notify.KindClusterOpen])
}

func TestOverrideAppliesToOneDecision(t *testing.T) {
	h := newHarness(t, testConfig())
	res := h.command(t, "o1", control.VerbOverride, "10")
	require.True(t, res.OK)

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 3, 12)
	h.tick()
	view := h.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, cluster.Sell, view.Cluster.Direction)
	assert.Nil(t, h.app.Status().Control.Override)
}

func TestConfirmationAutoConfirmsAfterWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Confirm.Enabled = true
	cfg.Confirm.Window = 8 * time.Minute
	h := newHarness(t, cfg)

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 40, 0)
	h.tick()
	req, pending := h.app.Confirmation()
	require.True(t, pending)
	assert.Equal(t, cluster.Buy, req.Direction)
	assert.Nil(t, h.app.Cluster())

	h.clock.Advance(7 * time.Minute)
	h.tick()
	assert.Nil(t, h.app.Cluster())

	h.clock.Advance(time.Minute)
	h.tick()
	require.NotNil(t, h.app.Cluster())
	_, pending = h.app.Confirmation()
	assert.False(t, pending)
}

func TestStopWhileConfirmationPendingBlocksOpen(t *testing.T) {
	for _, args := range [][]string{nil, {"buy"}} {
		cfg := testConfig()
		cfg.Confirm.Enabled = true
		h := newHarness(t, cfg)

		h.scores.Set(h.clock.Now().Truncate(time.Hour), 40, 0)
		h.tick()
		_, pending := h.app.Confirmation()
		require.True(t, pending)

		require.True(t, h.command(t, "s", control.VerbStop, args...).OK)
		h.events.Drain()

		h.clock.Advance(9 * time.Minute)
		h.tick()
		assert.Nil(t, h.app.Cluster(), "stop %v", args)
		_, pending = h.app.Confirmation()
		assert.False(t, pending)
		snap := h.sim.Snapshot()
		assert.Zero(t, snap.OpenPositions)
		assert.Zero(t, snap.PendingOrders)
		assert.Equal(t, 1, kinds(h.events.Drain())[notify.KindConfirmation])
	}
}

func TestCancelConfirmationResetsScores(t *testing.T) {
	cfg := testConfig()
	cfg.Confirm.Enabled = true
	h := newHarness(t, cfg)

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 40, 0)
	h.tick()
	_, pending := h.app.Confirmation()
	require.True(t, pending)

	res := h.command(t, "c1", control.VerbCancel)
	require.True(t, res.OK, res.Message)
	assert.Nil(t, h.app.Cluster())
	assert.Equal(t, 0.0, h.app.Status().Scores.Buy)

	h.clock.Advance(10 * time.Minute)
	h.tick()
	assert.Nil(t, h.app.Cluster())
}

func TestThreeLossesHaltNewClusters(t *testing.T) {
	h := newHarness(t, testConfig())

	for i := 1; i <= 3; i++ {
		h.sim.SetQuote(2400.00, 2400.20)
		res := h.command(t, fmt.Sprintf("force-%d", i), control.VerbForce, "buy")
		require.True(t, res.OK, res.Message)

		h.sim.SetQuote(2380.00, 2380.20)
		h.clock.Advance(time.Minute)
		h.tick()
		require.Nil(t, h.app.Cluster(), "cluster %d should be closed", i)
	}

	hist := h.app.History()
	require.Len(t, hist, 3)
	for _, c := range hist {
		assert.Equal(t, cluster.StatusClosedLoss, c.Status)
	}
	rs := h.app.RiskSnapshot()
	assert.True(t, rs.Stopped)
	assert.Equal(t, 3, rs.ConsecutiveLosses)
	assert.Equal(t, 1, kinds(h.events.Drain())[notify.KindBreaker])

	h.sim.SetQuote(2400.00, 2400.20)
	res := h.command(t, "force-4", control.VerbForce, "buy")
	assert.False(t, res.OK)

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 50, 0)
	h.tick()
	assert.Nil(t, h.app.Cluster())

	res = h.command(t, "reset", control.VerbResetStreak)
	require.True(t, res.OK)
	res = h.command(t, "force-5", control.VerbForce, "buy")
	require.True(t, res.OK, res.Message)
	assert.NotNil(t, h.app.Cluster())
}

func TestOverrunCancelsPendingAndRefundsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	res := h.command(t, "f", control.VerbForce, "buy")
	require.True(t, res.OK, res.Message)
	view := h.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, 2414.50, view.Cluster.FinalTarget)
	h.events.Drain()

	h.sim.SetQuote(2415.00, 2415.20)
	h.tick()
	assert.Equal(t, 0, h.sim.Snapshot().PendingOrders)
	assert.Equal(t, 17.5, h.app.Status().Scores.Buy)

	h.tick()
	h.tick()
	assert.Nil(t, h.app.Cluster())
	assert.Equal(t, 17.5, h.app.Status().Scores.Buy)

	hist := h.app.History()
	require.Len(t, hist, 1)
	assert.Equal(t, cluster.StatusCancelledOverrun, hist[0].Status)
	assert.Equal(t, 0, h.app.RiskSnapshot().ConsecutiveLosses)
	assert.Equal(t, 1, kinds(h.events.Drain())[notify.KindOverrun])
}

func TestTimeoutAbandonsWithoutFeedingBreaker(t *testing.T) {
	h := newHarness(t, testConfig())
	res := h.command(t, "f", control.VerbForce, "sell")
	require.True(t, res.OK, res.Message)

	h.clock.Advance(6*time.Hour + time.Second)
	h.tick()
	assert.Nil(t, h.app.Cluster())
	hist := h.app.History()
	require.Len(t, hist, 1)
	assert.Equal(t, cluster.StatusAbandoned, hist[0].Status)
	rs := h.app.RiskSnapshot()
	assert.Zero(t, rs.ConsecutiveLosses)
	assert.Zero(t, rs.Wins+rs.Losses)
}

func TestForceRespectsSingleCluster(t *testing.T) {
	h := newHarness(t, testConfig())
	require.True(t, h.command(t, "f1", control.VerbForce, "buy").OK)
	res := h.command(t, "f2", control.VerbForce, "sell")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "still open")
}

func TestOpenRefusedWhileVenueReportsLiveCluster(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	other := cluster.NewID(h.clock.Now().Add(-time.Minute))
	ticket, err := h.sim.SubmitMarketOrder(ctx, venue.OrderRequest{
		Symbol:    "XAUUSD",
		Direction: cluster.Buy,
		Lots:      0.01,
		Tag:       cluster.Tag(other, 1),
	})
	require.NoError(t, err)

	res := h.command(t, "f", control.VerbForce, "buy")
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, other)
	assert.Nil(t, h.app.Cluster())

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 50, 0)
	h.tick()
	assert.Nil(t, h.app.Cluster())
	snap := h.sim.Snapshot()
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Zero(t, snap.PendingOrders)

	// Scores are kept, the next period opens once the venue is flat.
	require.NoError(t, h.sim.ClosePosition(ctx, ticket))
	h.scores.Set(h.clock.Now().Truncate(time.Hour).Add(time.Hour), 0, 0)
	h.tick()
	view := h.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, cluster.Buy, view.Cluster.Direction)
}

func TestDuplicateCommandIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	require.True(t, h.command(t, "same", control.VerbStop).OK)
	res := h.command(t, "same", control.VerbStart)
	assert.False(t, res.OK)
	assert.Equal(t, "duplicate command", res.Message)
	assert.False(t, h.app.Status().Control.Active)
}

func TestStopDirectionBlocksThatDirectionOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	require.True(t, h.command(t, "s", control.VerbStop, "buy").OK)

	h.scores.Set(h.clock.Now().Truncate(time.Hour), 40, 0)
	h.tick()
	assert.Nil(t, h.app.Cluster())

	// Buy keeps its 40, sell overtakes it.
	h.scores.Set(h.clock.Now().Truncate(time.Hour).Add(time.Hour), 0, 50)
	h.tick()
	view := h.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, cluster.Sell, view.Cluster.Direction)
}

func TestDryRunOnlyPlans(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	h := newHarness(t, cfg)

	res := h.command(t, "f", control.VerbForce, "buy")
	require.True(t, res.OK, res.Message)
	assert.Nil(t, h.app.Cluster())
	plan := h.app.LastPlan()
	require.NotNil(t, plan)
	assert.Equal(t, 2414.50, plan.FinalTarget)
	snap := h.sim.Snapshot()
	assert.Zero(t, snap.OpenPositions)
	assert.Zero(t, snap.PendingOrders)
}

func TestCloseAllClosesTaggedExposure(t *testing.T) {
	h := newHarness(t, testConfig())
	require.True(t, h.command(t, "f", control.VerbForce, "buy").OK)

	res := h.command(t, "x", control.VerbCloseAll)
	require.True(t, res.OK, res.Message)
	assert.Contains(t, res.Message, "Closed 1 positions, cancelled 3 orders")

	h.tick()
	assert.Nil(t, h.app.Cluster())
	hist := h.app.History()
	require.Len(t, hist, 1)
	assert.Equal(t, cluster.StatusClosedLoss, hist[0].Status)
}

func TestStartResumesLiveCluster(t *testing.T) {
	h := newHarness(t, testConfig())
	require.True(t, h.command(t, "f", control.VerbForce, "buy").OK)
	id := h.app.Cluster().Cluster.ID

	h.clock.Advance(time.Minute)
	again := newHarnessOn(t, testConfig(), h.sim, h.clock)
	view := again.app.Cluster()
	require.NotNil(t, view)
	assert.Equal(t, id, view.Cluster.ID)
	assert.True(t, view.Cluster.Recovered)
}

func TestStatusCommandRendersStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	h.events.Drain()
	res := h.command(t, "st", control.VerbStatus)
	require.True(t, res.OK)
	assert.Contains(t, res.Message, "XAUUSD")
	assert.Equal(t, 1, kinds(h.events.Drain())[notify.KindStatus])
}
