package strategy

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestEMA(t *testing.T) {
	if _, ok := EMA([]float64{1, 2}, 3); ok {
		t.Fatal("expected not enough data")
	}
	got, ok := EMA([]float64{1, 2, 3, 4}, 3)
	if !ok {
		t.Fatal("expected value")
	}
	// seed 2, then (4-2)*0.5+2
	if math.Abs(got-3) > 1e-9 {
		t.Fatalf("EMA = %v, want 3", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(100 + i)
	}
	if rsi, ok := RSI(up, 14); !ok || rsi != 100 {
		t.Fatalf("rising RSI = %v %v, want 100", rsi, ok)
	}
	down := make([]float64, 20)
	for i := range down {
		down[i] = float64(100 - i)
	}
	if rsi, ok := RSI(down, 14); !ok || rsi > 1e-9 {
		t.Fatalf("falling RSI = %v %v, want 0", rsi, ok)
	}
}

func TestMomentumScoresTrend(t *testing.T) {
	m := NewMomentum(MomentumConfig{Interval: time.Minute, Fast: 3, Slow: 6, RSIPeriod: 5})
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		m.Record(2400+float64(i), at)
		m.Record(2400+float64(i)+0.5, at.Add(30*time.Second))
	}
	if m.Bars() != 9 {
		t.Fatalf("bars = %d, want 9", m.Bars())
	}
	ev, err := m.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Buy != 15 || ev.Sell != 5 {
		t.Fatalf("scores = %v/%v, want 15/5", ev.Buy, ev.Sell)
	}
	if !ev.Period.Equal(t0.Add(8 * time.Minute)) {
		t.Fatalf("period = %v", ev.Period)
	}
}

func TestMomentumNeedsHistory(t *testing.T) {
	m := NewMomentum(MomentumConfig{})
	m.Record(2400, time.Now())
	ev, _ := m.Latest(context.Background())
	if ev.Buy != 0 || ev.Sell != 0 {
		t.Fatalf("expected no score, got %+v", ev)
	}
}
