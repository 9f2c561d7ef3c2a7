package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/logging"
	"github.com/GoPolymarket/cluster-trader/internal/paper"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

func TestObserveDetectsClosureEdgesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	f.sim.SetQuote(2403.20, 2403.40) // stage 1 take-profit

	obs, err := f.tracker.Observe(ctx, c)
	require.NoError(t, err)
	require.Len(t, obs.Closed, 1)
	assert.Equal(t, 1, obs.Closed[0].Rank)
	assert.True(t, obs.Closed[0].WasFilled)
	assert.Len(t, obs.Live, 3)

	obs, err = f.tracker.Observe(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, obs.Closed, "closure must be reported on the edge only")
}

func TestObserveReportsFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	f.sim.SetQuote(2399.80, 2400.00) // stage 2 limit at 2400.00 fills

	obs, err := f.tracker.Observe(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, obs.Filled)
	assert.True(t, obs.Live[2].Filled)
}

func TestIsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Sell)

	open, err := f.tracker.IsOpen(ctx, c)
	require.NoError(t, err)
	assert.True(t, open)

	other := cluster.New("zzzz", "XAUUSD", cluster.Sell, f.clock.Now())
	open, err = f.tracker.IsOpen(ctx, other)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestIsOpenPropagatesVenueErrors(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, cluster.Buy)
	f.sim.FailNext("ListOpenPositions", venue.ErrUnavailable)

	_, err := f.tracker.IsOpen(context.Background(), c)
	assert.True(t, errors.Is(err, venue.ErrUnavailable))
}

func TestIsTimedOut(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, cluster.Buy)

	assert.False(t, f.tracker.IsTimedOut(c, c.OpenedAt.Add(6*time.Hour)))
	assert.True(t, f.tracker.IsTimedOut(c, c.OpenedAt.Add(6*time.Hour+time.Second)))
}

func TestRecordTerminalResultLossFeedsBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	f.sim.SetQuote(2399.30, 2399.50) // fill stages 2-4
	f.clock.Advance(time.Minute)
	f.sim.SetQuote(2387.00, 2387.20) // every stop hit

	open, err := f.tracker.IsOpen(ctx, c)
	require.NoError(t, err)
	require.False(t, open)

	res, tripped, err := f.tracker.RecordTerminalResult(ctx, c)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.False(t, res.IsProfit)
	assert.Less(t, res.PnL, 0.0)
	assert.Equal(t, cluster.StatusClosedLoss, c.Status)
	assert.Equal(t, 1, f.breaker.ConsecutiveLosses())

	_, _, err = f.tracker.RecordTerminalResult(ctx, c)
	assert.True(t, errors.Is(err, cluster.ErrInvalidTransition))
	assert.Equal(t, 1, f.breaker.ConsecutiveLosses())
}

func TestRecordTerminalResultUsesNetPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	// Stage 1 takes a tiny profit that commission turns into a loss.
	deals := []venue.Deal{
		{Tag: c.Stage(1).Tag, Entry: venue.EntryIn, Commission: -5, Time: f.clock.Now()},
		{Tag: c.Stage(1).Tag, Entry: venue.EntryOut, Exit: venue.ExitTakeProfit, Profit: 3, Swap: -0.5, Time: f.clock.Now()},
	}
	gw := &scriptedDeals{Simulator: f.sim, deals: deals}
	tr := NewTracker(gw, f.breaker, TrackerConfig{Symbol: "XAUUSD"}, logging.Discard())
	tr.now = f.clock.Now

	res, _, err := tr.RecordTerminalResult(ctx, c)
	require.NoError(t, err)
	assert.InDelta(t, -2.5, res.PnL, 1e-9)
	assert.False(t, res.IsProfit)
	assert.Equal(t, cluster.StatusClosedLoss, c.Status)
}

func TestRecordTerminalResultWaitsForExitDeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	gw := &scriptedDeals{Simulator: f.sim, deals: []venue.Deal{
		{Tag: c.Stage(1).Tag, Entry: venue.EntryIn, Time: f.clock.Now()},
	}}
	tr := NewTracker(gw, f.breaker, TrackerConfig{Symbol: "XAUUSD"}, logging.Discard())
	tr.now = f.clock.Now

	_, _, err := tr.RecordTerminalResult(ctx, c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHistoryPending))
	assert.Equal(t, cluster.StatusOpen, c.Status)
	assert.Zero(t, f.breaker.ConsecutiveLosses())
}

func TestOverrunCancelsPendingAndRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)
	acc := &scoreSink{}

	f.sim.SetQuote(2414.60, 2414.80) // past final target 2414.50, stage 1 takes profit

	live, err := f.tracker.Live(ctx, c)
	require.NoError(t, err)
	require.Len(t, live, 3)

	cancelled, err := f.tracker.CheckOverrunAndCancel(ctx, c, live, acc, 35)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, c.Overrun)
	assert.Equal(t, 17.5, acc.refunds[cluster.Buy])

	live, err = f.tracker.Live(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, live)

	cancelled, err = f.tracker.CheckOverrunAndCancel(ctx, c, live, acc, 35)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, 1, acc.calls)

	res, _, err := f.tracker.RecordTerminalResult(ctx, c)
	require.NoError(t, err)
	assert.True(t, res.IsProfit)
	assert.Equal(t, cluster.StatusCancelledOverrun, c.Status)
}

func TestOverrunBeforeTargetDoesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)
	acc := &scoreSink{}

	f.sim.SetQuote(2410.00, 2410.20)
	live, _ := f.tracker.Live(ctx, c)
	cancelled, err := f.tracker.CheckOverrunAndCancel(ctx, c, live, acc, 35)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Zero(t, acc.calls)
}

func TestOverrunRefundWaitsForSuccessfulCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Sell)
	acc := &scoreSink{}

	f.sim.SetQuote(2385.40, 2385.60) // below sell final target 2385.70
	live, _ := f.tracker.Live(ctx, c)
	require.Len(t, live, 3)

	for range 3 {
		f.sim.FailNext("CancelOrder", errors.New("market closed"))
	}
	cancelled, err := f.tracker.CheckOverrunAndCancel(ctx, c, live, acc, 40)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.False(t, c.Overrun)
	assert.Zero(t, acc.calls)

	cancelled, err = f.tracker.CheckOverrunAndCancel(ctx, c, live, acc, 40)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 20.0, acc.refunds[cluster.Sell])
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, cluster.Buy)
	require.NoError(t, f.tracker.Abandon(c))
	assert.Equal(t, cluster.StatusAbandoned, c.Status)
	assert.Error(t, f.tracker.Abandon(c))
	assert.Zero(t, f.breaker.ConsecutiveLosses())
}

func TestRecoverRebuildsClusterFromVenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Sell)

	fresh := NewTracker(f.sim, f.breaker, TrackerConfig{Symbol: "XAUUSD", Timeout: 6 * time.Hour}, logging.Discard())
	fresh.now = f.clock.Now

	got, err := fresh.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, cluster.Sell, got.Direction)
	assert.True(t, got.Recovered)
	assert.Equal(t, 4, got.PlacedStages())
	assert.True(t, got.Stage(1).Filled)
	assert.Equal(t, c.FinalTarget, got.FinalTarget)
	assert.True(t, got.OpenedAt.Equal(c.OpenedAt))

	f.clock.Advance(7 * time.Hour)
	got, err = fresh.Recover(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "timed-out remnants are not recovered")
}

func TestRecoverRebuildsFinalTargetWithoutLastStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)
	require.Equal(t, 2414.50, c.FinalTarget)
	require.NoError(t, f.sim.CancelOrder(ctx, c.Stage(4).Ticket))

	fresh := NewTracker(f.sim, f.breaker, TrackerConfig{
		Symbol:              "XAUUSD",
		Timeout:             6 * time.Hour,
		RefundRatio:         0.5,
		EntryOffsets:        [cluster.Stages]float64{0, 0.2, 0.5, 0.7},
		FinalTargetDistance: 15,
		Digits:              2,
	}, logging.Discard())
	fresh.now = f.clock.Now

	got, err := fresh.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.PlacedStages())
	assert.Equal(t, c.FinalTarget, got.FinalTarget)

	f.sim.SetQuote(2414.60, 2414.80)
	live, err := fresh.Live(ctx, got)
	require.NoError(t, err)
	require.Len(t, live, 2)

	acc := &scoreSink{}
	cancelled, err := fresh.CheckOverrunAndCancel(ctx, got, live, acc, 35)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, 17.5, acc.refunds[cluster.Buy])

	live, err = fresh.Live(ctx, got)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestRecoverFromPendingStagesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Sell)
	require.NoError(t, f.sim.ClosePosition(ctx, c.Stage(1).Ticket))
	require.NoError(t, f.sim.CancelOrder(ctx, c.Stage(4).Ticket))

	fresh := NewTracker(f.sim, f.breaker, TrackerConfig{
		Symbol:              "XAUUSD",
		EntryOffsets:        [cluster.Stages]float64{0, 0.2, 0.5, 0.7},
		FinalTargetDistance: 15,
	}, logging.Discard())
	fresh.now = f.clock.Now

	got, err := fresh.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.FinalTarget, got.FinalTarget)
}

func TestAnyLiveSkipsTimedOutClusters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.open(t, cluster.Buy)

	ids, err := f.tracker.AnyLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids)

	f.clock.Advance(6*time.Hour + time.Minute)
	ids, err = f.tracker.AnyLive(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExitFor(t *testing.T) {
	deals := []venue.Deal{
		{Tag: "ET1-a", Entry: venue.EntryIn},
		{Tag: "ET1-a", Entry: venue.EntryOut, Exit: venue.ExitTakeProfit},
		{Tag: "ET2-a", Entry: venue.EntryIn},
	}
	exit, ok := ExitFor(deals, "ET1-a", true)
	assert.True(t, ok)
	assert.Equal(t, venue.ExitTakeProfit, exit)

	_, ok = ExitFor(deals, "ET2-a", false)
	assert.False(t, ok, "filled between polls, exit deal pending")

	exit, ok = ExitFor(deals, "ET3-a", false)
	assert.True(t, ok, "never filled: cancelled")
	assert.Equal(t, venue.ExitNone, exit)

	_, ok = ExitFor(deals, "ET4-a", true)
	assert.False(t, ok)
}

// scriptedDeals serves a fixed deal history over a live simulator.
type scriptedDeals struct {
	*paper.Simulator
	deals []venue.Deal
}

func (s *scriptedDeals) ListHistoricalDeals(context.Context, time.Time, time.Time) ([]venue.Deal, error) {
	return s.deals, nil
}
