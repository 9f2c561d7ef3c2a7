// Package portfolio tracks the account NAV that sizes new clusters.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

type Mode string

const (
	// ModeFixed sizes from a configured NAV and never asks the venue.
	ModeFixed Mode = "fixed"
	// ModeInitial captures the balance on the first successful sync.
	ModeInitial Mode = "initial"
	// ModeLive follows the balance on every sync.
	ModeLive Mode = "live"
)

type AccountSource interface {
	Account(ctx context.Context) (venue.Account, error)
}

type Config struct {
	Mode         Mode
	Override     float64
	SyncInterval time.Duration
}

// NAVTracker periodically syncs the account and exposes the NAV per Mode.
type NAVTracker struct {
	src AccountSource
	cfg Config
	log logrus.FieldLogger
	now func() time.Time

	mu       sync.RWMutex
	nav      float64
	account  venue.Account
	captured bool
	lastSync time.Time
}

func NewTracker(src AccountSource, cfg Config, log logrus.FieldLogger) *NAVTracker {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}
	t := &NAVTracker{src: src, cfg: cfg, log: log, now: time.Now}
	if cfg.Mode == ModeFixed {
		t.nav = cfg.Override
	}
	return t
}

// Sync fetches the account. In fixed mode it only refreshes the reported
// balance.
func (t *NAVTracker) Sync(ctx context.Context) error {
	if t.src == nil {
		return errors.New("portfolio: no account source")
	}
	acc, err := t.src.Account(ctx)
	if err != nil {
		return fmt.Errorf("portfolio: sync account: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.account = acc
	t.lastSync = t.now()
	switch t.cfg.Mode {
	case ModeLive:
		t.nav = acc.Balance
	case ModeInitial:
		if !t.captured && acc.Balance > 0 {
			t.nav, t.captured = acc.Balance, true
			t.log.WithField("nav", acc.Balance).Info("initial NAV captured")
		}
	}
	return nil
}

// NAV returns the sizing basis, zero until known.
func (t *NAVTracker) NAV() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nav
}

func (t *NAVTracker) Account() venue.Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.account
}

func (t *NAVTracker) LastSync() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync
}

func (t *NAVTracker) Mode() Mode { return t.cfg.Mode }

// Run starts the periodic sync loop. Blocks until ctx is cancelled.
func (t *NAVTracker) Run(ctx context.Context) error {
	if t.cfg.Mode == ModeFixed {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := t.Sync(ctx); err != nil {
		t.log.WithError(err).Warn("portfolio initial sync failed")
	}

	ticker := time.NewTicker(t.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sync(ctx); err != nil {
				t.log.WithError(err).Warn("portfolio sync failed")
			}
		}
	}
}
