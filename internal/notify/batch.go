package notify

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg string) error
}

type BatchConfig struct {
	FlushDelay time.Duration
	QueueSize  int
	MaxRunes   int
}

// Batcher gathers messages and delivers them as one message per flush
// window. Urgent messages flush the window immediately. Enqueueing never
// blocks; a full queue drops the message and counts it.
type Batcher struct {
	sender Sender
	cfg    BatchConfig
	log    logrus.FieldLogger
	queue  chan item

	dropped atomic.Int64
	sent    atomic.Int64
	onDrop  func()
}

type item struct {
	text   string
	urgent bool
}

func NewBatcher(sender Sender, cfg BatchConfig, log logrus.FieldLogger) *Batcher {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 3 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = 3500
	}
	return &Batcher{sender: sender, cfg: cfg, log: log, queue: make(chan item, cfg.QueueSize)}
}

// OnDrop registers a callback run for every dropped message.
func (b *Batcher) OnDrop(fn func()) { b.onDrop = fn }

func (b *Batcher) Enqueue(text string) bool { return b.push(item{text: text}) }

func (b *Batcher) Urgent(text string) bool { return b.push(item{text: text, urgent: true}) }

func (b *Batcher) Publish(e Event) {
	if e.Text == "" {
		return
	}
	b.push(item{text: e.Text, urgent: e.Urgent})
}

func (b *Batcher) push(it item) bool {
	select {
	case b.queue <- it:
		return true
	default:
		b.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop()
		}
		return false
	}
}

func (b *Batcher) Dropped() int64 { return b.dropped.Load() }

// Sent is the number of delivered messages.
func (b *Batcher) Sent() int64 { return b.sent.Load() }

// Run delivers batches until ctx is cancelled, then flushes what is left.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushDelay)
	defer ticker.Stop()
	var pending []string

	for {
		select {
		case <-ctx.Done():
			b.drain(&pending)
			if len(pending) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				b.flush(flushCtx, pending)
				cancel()
			}
			return ctx.Err()
		case it := <-b.queue:
			pending = append(pending, it.text)
			if it.urgent {
				b.drain(&pending)
				b.flush(ctx, pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(ctx, pending)
				pending = nil
			}
		}
	}
}

func (b *Batcher) drain(pending *[]string) {
	for {
		select {
		case it := <-b.queue:
			*pending = append(*pending, it.text)
		default:
			return
		}
	}
}

func (b *Batcher) flush(ctx context.Context, lines []string) {
	for _, msg := range chunk(lines, b.cfg.MaxRunes) {
		if err := b.sender.Send(ctx, msg); err != nil {
			b.log.WithError(err).Warn("notification delivery failed")
			continue
		}
		b.sent.Add(1)
	}
}

// chunk joins lines into messages of at most limit runes. A single line
// longer than limit is truncated.
func chunk(lines []string, limit int) []string {
	var out []string
	var cur strings.Builder
	curRunes := 0
	for _, l := range lines {
		r := []rune(l)
		if len(r) > limit {
			l = string(r[:limit])
			r = r[:limit]
		}
		extra := len(r)
		if curRunes > 0 {
			extra++
		}
		if curRunes+extra > limit {
			out = append(out, cur.String())
			cur.Reset()
			curRunes, extra = 0, len(r)
		}
		if curRunes > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(l)
		curRunes += extra
	}
	if curRunes > 0 {
		out = append(out, cur.String())
	}
	return out
}
