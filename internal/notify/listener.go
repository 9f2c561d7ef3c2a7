package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/control"
)

// UpdateSource is the long-poll side of the Bot API.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Listener turns chat messages from the authorised chat into commands.
type Listener struct {
	src     UpdateSource
	chatID  string
	timeout time.Duration
	submit  func(control.Command) bool
	reply   Sender
	log     logrus.FieldLogger
	now     func() time.Time
	backoff time.Duration
}

// NewListener creates a Listener. submit hands a command to the engine and
// reports whether it was accepted.
func NewListener(src UpdateSource, chatID string, timeout time.Duration, submit func(control.Command) bool, reply Sender, log logrus.FieldLogger) *Listener {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Listener{
		src:     src,
		chatID:  chatID,
		timeout: timeout,
		submit:  submit,
		reply:   reply,
		log:     log,
		now:     time.Now,
		backoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled. Poll failures back off and retry.
func (l *Listener) Run(ctx context.Context) error {
	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := l.src.GetUpdates(ctx, offset, l.timeout)
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				return err
			}
			l.log.WithError(err).Warn("telegram poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.backoff):
			}
			continue
		}
		offset = l.Handle(ctx, updates, offset)
	}
}

// Handle processes a batch of updates and returns the next offset.
func (l *Listener) Handle(ctx context.Context, updates []Update, offset int64) int64 {
	for _, u := range updates {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
		m := u.Message
		if m == nil || strings.TrimSpace(m.Text) == "" {
			continue
		}
		if strconv.FormatInt(m.Chat.ID, 10) != l.chatID {
			l.log.WithField("chat", m.Chat.ID).Warn("ignoring message from unauthorised chat")
			continue
		}
		cmd, err := control.Parse(m.Text)
		if err != nil {
			if strings.HasPrefix(m.Text, "/") {
				l.respond(ctx, fmt.Sprintf("⚠️ %s", html.EscapeString(err.Error())))
			}
			continue
		}
		cmd.ID = fmt.Sprintf("tg-%d", u.UpdateID)
		cmd.Stamp("telegram", l.now())
		if !l.submit(cmd) {
			l.respond(ctx, "⚠️ engine busy, command dropped")
		}
	}
	return offset
}

func (l *Listener) respond(ctx context.Context, msg string) {
	if l.reply == nil {
		return
	}
	if err := l.reply.Send(ctx, msg); err != nil {
		l.log.WithError(err).Warn("telegram reply failed")
	}
}
