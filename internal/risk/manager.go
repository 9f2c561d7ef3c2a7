package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

var (
	ErrEmergencyStop = errors.New("risk: emergency stop active")
	ErrLossStreak    = errors.New("risk: loss streak breaker tripped")
)

type Config struct {
	MaxConsecutiveLosses int
}

// Manager is the loss-streak circuit breaker. Consecutive losing clusters
// halt new cluster openings until an operator resets it; existing exposure
// is never touched.
type Manager struct {
	mu                sync.RWMutex
	cfg               Config
	consecutiveLosses int
	stopped           bool
	stoppedAt         time.Time
	emergencyStop     bool
	realizedPnL       float64
	wins              int
	losses            int
	last              *Outcome
}

type Outcome struct {
	Direction cluster.Direction `json:"direction"`
	IsProfit  bool              `json:"is_profit"`
	PnL       float64           `json:"pnl"`
	At        time.Time         `json:"at"`
}

type Snapshot struct {
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	Stopped              bool      `json:"stopped"`
	StoppedAt            time.Time `json:"stopped_at,omitempty"`
	EmergencyStop        bool      `json:"emergency_stop"`
	RealizedPnL          float64   `json:"realized_pnl"`
	Wins                 int       `json:"wins"`
	Losses               int       `json:"losses"`
	Last                 *Outcome  `json:"last,omitempty"`
}

func New(cfg Config) *Manager {
	if cfg.MaxConsecutiveLosses <= 0 {
		cfg.MaxConsecutiveLosses = 3
	}
	return &Manager{cfg: cfg}
}

// Allow reports whether a new cluster may be opened.
func (m *Manager) Allow() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.emergencyStop {
		return ErrEmergencyStop
	}
	if m.stopped {
		return fmt.Errorf("%w: %d/%d consecutive losses", ErrLossStreak, m.consecutiveLosses, m.cfg.MaxConsecutiveLosses)
	}
	return nil
}

// RecordResult feeds one terminal cluster result. It returns true only on the
// call that trips the breaker.
func (m *Manager) RecordResult(o Outcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.realizedPnL += o.PnL
	out := o
	m.last = &out
	if o.IsProfit {
		m.wins++
		m.consecutiveLosses = 0
		return false
	}
	m.losses++
	m.consecutiveLosses++
	if m.stopped || m.consecutiveLosses < m.cfg.MaxConsecutiveLosses {
		return false
	}
	m.stopped = true
	m.stoppedAt = o.At
	return true
}

func (m *Manager) IsStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

func (m *Manager) ConsecutiveLosses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveLosses
}

// Reset clears the breaker and the loss counter.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveLosses = 0
	m.stopped = false
	m.stoppedAt = time.Time{}
}

func (m *Manager) SetEmergencyStop(stop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = stop
}

func (m *Manager) EmergencyStop() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		ConsecutiveLosses:    m.consecutiveLosses,
		MaxConsecutiveLosses: m.cfg.MaxConsecutiveLosses,
		Stopped:              m.stopped,
		StoppedAt:            m.stoppedAt,
		EmergencyStop:        m.emergencyStop,
		RealizedPnL:          m.realizedPnL,
		Wins:                 m.wins,
		Losses:               m.losses,
	}
	if m.last != nil {
		last := *m.last
		s.Last = &last
	}
	return s
}
