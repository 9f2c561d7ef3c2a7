// Package cluster defines the four-stage order cluster and its lifecycle.
package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stages is the number of stages in a cluster.
const Stages = 4

// Direction is the side every stage of a cluster trades.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// ParseDirection accepts buy/long or sell/short in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	}
	return "", fmt.Errorf("cluster: unknown direction %q", s)
}

func (d Direction) Valid() bool { return d == Buy || d == Sell }

// Sign is +1 for Buy and -1 for Sell: favourable moves are Sign*delta > 0.
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// Kind is how a stage enters: at market or as a resting limit.
type Kind string

const (
	Market       Kind = "market"
	PendingLimit Kind = "pending_limit"
)

// Status is the lifecycle state of a cluster. Every status except
// StatusOpen is terminal.
type Status string

const (
	StatusOpen             Status = "open"
	StatusClosedProfit     Status = "closed_profit"
	StatusClosedLoss       Status = "closed_loss"
	StatusAbandoned        Status = "abandoned"
	StatusCancelledOverrun Status = "cancelled_overrun"
)

var ErrInvalidTransition = errors.New("cluster: invalid status transition")

// validTransitions lists the allowed status moves. Terminal statuses have no
// outgoing edges, so a cluster reaches one exactly once.
var validTransitions = map[Status][]Status{
	StatusOpen: {StatusClosedProfit, StatusClosedLoss, StatusAbandoned, StatusCancelledOverrun},
}

func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return s != StatusOpen && s != "" }

// Stage is one leg of a cluster with its own entry, stop and target.
type Stage struct {
	Rank       int     `json:"rank"`
	Kind       Kind    `json:"kind"`
	Entry      float64 `json:"entry"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Lots       float64 `json:"lots"`
	RiskShare  float64 `json:"risk_share"`
	Ticket     int64   `json:"ticket,omitempty"`
	Tag        string  `json:"tag"`
	Placed     bool    `json:"placed"`
	Filled     bool    `json:"filled"`
	Closed     bool    `json:"closed"`
	Exit       string  `json:"exit,omitempty"`
	Err        string  `json:"error,omitempty"`
}

// Result is the realized outcome of a terminated cluster.
type Result struct {
	PnL      float64   `json:"pnl"`
	IsProfit bool      `json:"is_profit"`
	Deals    int       `json:"deals"`
	ClosedAt time.Time `json:"closed_at"`
}

// Cluster is a group of four stages opened together in one direction.
type Cluster struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Direction   Direction      `json:"direction"`
	OpenedAt    time.Time      `json:"opened_at"`
	Stages      [Stages]Stage  `json:"stages"`
	FinalTarget float64        `json:"final_target"`
	Status      Status         `json:"status"`
	Result      *Result        `json:"result,omitempty"`
	Overrun     bool           `json:"overrun"`
	Recovered   bool           `json:"recovered,omitempty"`
	Trail       []StatusChange `json:"trail,omitempty"`
}

type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// New returns an open cluster with stage ranks and tags filled in.
func New(id, symbol string, dir Direction, openedAt time.Time) *Cluster {
	c := &Cluster{
		ID:        id,
		Symbol:    symbol,
		Direction: dir,
		OpenedAt:  openedAt,
		Status:    StatusOpen,
	}
	for i := range c.Stages {
		rank := i + 1
		c.Stages[i].Rank = rank
		c.Stages[i].Tag = Tag(id, rank)
		c.Stages[i].Kind = PendingLimit
		if rank == 1 {
			c.Stages[i].Kind = Market
		}
	}
	return c
}

// Stage returns the stage with the given rank, or nil when out of range.
func (c *Cluster) Stage(rank int) *Stage {
	if rank < 1 || rank > Stages {
		return nil
	}
	return &c.Stages[rank-1]
}

// Transition moves the cluster to a terminal status and records the change.
// It fails with ErrInvalidTransition once the cluster is terminal.
func (c *Cluster) Transition(to Status, at time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Trail = append(c.Trail, StatusChange{From: c.Status, To: to, At: at})
	c.Status = to
	return nil
}

func (c *Cluster) Terminal() bool { return c.Status.Terminal() }

// PlacedStages counts stages accepted by the venue.
func (c *Cluster) PlacedStages() int {
	n := 0
	for _, s := range c.Stages {
		if s.Placed {
			n++
		}
	}
	return n
}

// Age is the time since the cluster was opened.
func (c *Cluster) Age(now time.Time) time.Duration { return now.Sub(c.OpenedAt) }

// Clone returns a deep copy safe to hand to readers outside the engine loop.
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	out := *c
	if c.Result != nil {
		r := *c.Result
		out.Result = &r
	}
	out.Trail = append([]StatusChange(nil), c.Trail...)
	return &out
}

// MoreProtective reports whether candidate is a strictly tighter stop than
// current for dir. A zero current stop means no stop is set.
func MoreProtective(dir Direction, current, candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if dir == Sell {
		return candidate < current
	}
	return candidate > current
}
