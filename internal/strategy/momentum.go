package strategy

import (
	"context"
	"sync"
	"time"
)

// MomentumConfig configures the quote-driven momentum scorer.
type MomentumConfig struct {
	Interval  time.Duration // bar length
	Fast      int           // fast EMA period
	Slow      int           // slow EMA period
	RSIPeriod int
	MaxBars   int
}

// Momentum builds bars from quote mids and scores them with an EMA cross
// and RSI extremes. It is the built-in scorer for paper runs; live runs use
// the bridge signal endpoint.
type Momentum struct {
	cfg MomentumConfig

	mu       sync.RWMutex
	closes   []float64
	barStart time.Time
	barClose float64
	lastDone time.Time
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Fast <= 0 {
		cfg.Fast = 9
	}
	if cfg.Slow <= cfg.Fast {
		cfg.Slow = 21
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.MaxBars < cfg.Slow*2 {
		cfg.MaxBars = cfg.Slow * 2
	}
	return &Momentum{cfg: cfg}
}

// Record adds a price observation. A price in a new interval completes the
// previous bar.
func (m *Momentum) Record(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	start := at.Truncate(m.cfg.Interval)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.barStart.IsZero() && start.After(m.barStart) {
		m.closes = append(m.closes, m.barClose)
		m.lastDone = m.barStart
		if len(m.closes) > m.cfg.MaxBars {
			m.closes = m.closes[len(m.closes)-m.cfg.MaxBars:]
		}
	}
	if m.barStart.IsZero() || start.After(m.barStart) {
		m.barStart = start
	}
	m.barClose = price
}

// Bars returns the number of completed bars held.
func (m *Momentum) Bars() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.closes)
}

func (m *Momentum) Latest(context.Context) (Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev := Evaluation{Period: m.lastDone}
	if len(m.closes) < m.cfg.Slow {
		return ev, nil
	}
	fast, _ := EMA(m.closes, m.cfg.Fast)
	slow, _ := EMA(m.closes, m.cfg.Slow)
	last := m.closes[len(m.closes)-1]

	switch {
	case fast > slow:
		ev.Buy += 10
	case fast < slow:
		ev.Sell += 10
	}
	switch {
	case last > slow:
		ev.Buy += 5
	case last < slow:
		ev.Sell += 5
	}
	if rsi, ok := RSI(m.closes, m.cfg.RSIPeriod); ok {
		switch {
		case rsi <= 30:
			ev.Buy += 5
		case rsi >= 70:
			ev.Sell += 5
		}
	}
	return ev, nil
}

// EMA returns the exponential moving average of prices seeded with the
// simple average of the first period values.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	k := 2 / float64(period+1)
	var ema float64
	for _, p := range prices[:period] {
		ema += p
	}
	ema /= float64(period)
	for _, p := range prices[period:] {
		ema = (p-ema)*k + ema
	}
	return ema, true
}

// RSI returns Wilder's relative strength index over prices.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
	}
	if loss == 0 {
		return 100, true
	}
	return 100 - 100/(1+gain/loss), true
}
