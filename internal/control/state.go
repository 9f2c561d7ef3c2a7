// Package control holds the operator-facing bot state and the command model
// shared by the Telegram listener, the HTTP API and the engine loop.
package control

import (
	"sync"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/strategy"
)

// State is the mutable control surface. All access goes through methods so
// a command applied mid-tick never produces a torn read.
type State struct {
	mu         sync.RWMutex
	active     bool
	enabled    map[cluster.Direction]bool
	thresholds strategy.Thresholds
	override   float64
	hasOver    bool
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Active      bool                `json:"active"`
	BuyEnabled  bool                `json:"buy_enabled"`
	SellEnabled bool                `json:"sell_enabled"`
	Thresholds  strategy.Thresholds `json:"thresholds"`
	Override    *float64            `json:"override,omitempty"`
}

func NewState(active bool, th strategy.Thresholds) *State {
	return &State{
		active:     active,
		enabled:    map[cluster.Direction]bool{cluster.Buy: true, cluster.Sell: true},
		thresholds: th,
	}
}

func (s *State) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *State) SetActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

// DirectionEnabled reports whether new clusters may open in dir.
func (s *State) DirectionEnabled(dir cluster.Direction) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.enabled[dir]
}

func (s *State) SetDirection(dir cluster.Direction, on bool) {
	s.mu.Lock()
	s.enabled[dir] = on
	s.mu.Unlock()
}

func (s *State) Thresholds() strategy.Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

func (s *State) SetThresholds(th strategy.Thresholds) {
	s.mu.Lock()
	s.thresholds = th
	s.mu.Unlock()
}

// SetOverride arms a threshold that replaces both directions' thresholds for
// the next decision only.
func (s *State) SetOverride(v float64) {
	s.mu.Lock()
	s.override, s.hasOver = v, true
	s.mu.Unlock()
}

// Effective returns the thresholds for the current decision and whether a
// one-shot override supplied them.
func (s *State) Effective() (strategy.Thresholds, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasOver {
		return strategy.Thresholds{Buy: s.override, Sell: s.override}, true
	}
	return s.thresholds, false
}

// ConsumeOverride disarms the one-shot override.
func (s *State) ConsumeOverride() {
	s.mu.Lock()
	s.override, s.hasOver = 0, false
	s.mu.Unlock()
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Active:      s.active,
		BuyEnabled:  s.enabled[cluster.Buy],
		SellEnabled: s.enabled[cluster.Sell],
		Thresholds:  s.thresholds,
	}
	if s.hasOver {
		v := s.override
		snap.Override = &v
	}
	return snap
}
