// Package confirm holds the operator confirmation step that sits between a
// qualifying score and a cluster open. The gate fails open: a request that
// nobody answers is confirmed once its window elapses.
package confirm

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

var (
	ErrPending   = errors.New("confirm: a request is already pending")
	ErrNoRequest = errors.New("confirm: no outstanding request")
	ErrUnknownID = errors.New("confirm: request id does not match")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

type Request struct {
	ID         string            `json:"id"`
	Direction  cluster.Direction `json:"direction"`
	BuyScore   float64           `json:"buy_score"`
	SellScore  float64           `json:"sell_score"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	Deadline   time.Time         `json:"auto_confirm_deadline"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
}

// Gate holds at most one outstanding request.
type Gate struct {
	window time.Duration
	log    logrus.FieldLogger
	now    func() time.Time

	mu  sync.Mutex
	cur *Request
}

func New(window time.Duration, log logrus.FieldLogger) *Gate {
	if window <= 0 {
		window = 8 * time.Minute
	}
	return &Gate{window: window, log: log, now: time.Now}
}

func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Request opens a new confirmation. It fails with ErrPending while another
// request is pending or resolved but not yet collected by Poll.
func (g *Gate) Request(dir cluster.Direction, buy, sell float64) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur != nil {
		return *g.cur, ErrPending
	}
	now := g.now()
	g.cur = &Request{
		ID:        uuid.NewString(),
		Direction: dir,
		BuyScore:  buy,
		SellScore: sell,
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(g.window),
	}
	g.log.WithFields(logrus.Fields{"id": g.cur.ID, "direction": dir, "deadline": g.cur.Deadline}).Info("confirmation requested")
	return *g.cur, nil
}

// Poll reports the outstanding request. A resolved request is returned
// exactly once and then cleared; ok is false when nothing is outstanding.
func (g *Gate) Poll(now time.Time) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return Request{}, false
	}
	g.expire(now)
	req := *g.cur
	if req.Status != StatusPending {
		g.cur = nil
	}
	return req, true
}

// Confirm approves the outstanding request. An empty id matches any
// request. Confirming a request that is already resolved is a no-op.
func (g *Gate) Confirm(id string) (Request, error) {
	return g.resolve(id, StatusConfirmed, "operator")
}

// Cancel rejects the outstanding request. The caller is expected to drop
// its accumulated score once Poll reports the cancellation.
func (g *Gate) Cancel(id string) (Request, error) {
	return g.resolve(id, StatusCancelled, "operator")
}

// Pending returns the request still waiting for an answer.
func (g *Gate) Pending() (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return Request{}, false
	}
	g.expire(g.now())
	if g.cur.Status != StatusPending {
		return Request{}, false
	}
	return *g.cur, true
}

// Discard drops any outstanding request without resolving it.
func (g *Gate) Discard() {
	g.mu.Lock()
	g.cur = nil
	g.mu.Unlock()
}

func (g *Gate) resolve(id string, to Status, by string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cur == nil {
		return Request{}, ErrNoRequest
	}
	if id != "" && id != g.cur.ID {
		return *g.cur, ErrUnknownID
	}
	g.expire(g.now())
	if g.cur.Status != StatusPending {
		return *g.cur, nil
	}
	g.cur.Status, g.cur.ResolvedBy = to, by
	g.log.WithFields(logrus.Fields{"id": g.cur.ID, "status": to}).Info("confirmation resolved")
	return *g.cur, nil
}

func (g *Gate) expire(now time.Time) {
	if g.cur.Status == StatusPending && !now.Before(g.cur.Deadline) {
		g.cur.Status, g.cur.ResolvedBy = StatusConfirmed, "timeout"
		g.log.WithField("id", g.cur.ID).Info("confirmation window elapsed, proceeding")
	}
}
