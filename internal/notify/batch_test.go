package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/logging"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestBatcherGathersWindow(t *testing.T) {
	sink := &captureSender{}
	b := NewBatcher(sink, BatchConfig{FlushDelay: 50 * time.Millisecond}, logging.Discard())
	b.Enqueue("one")
	b.Enqueue("two")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	waitFor(t, func() bool { return len(sink.all()) == 1 })
	if got := sink.all()[0]; got != "one\ntwo" {
		t.Fatalf("expected joined batch, got %q", got)
	}
}

func TestBatcherUrgentFlushesImmediately(t *testing.T) {
	sink := &captureSender{}
	b := NewBatcher(sink, BatchConfig{FlushDelay: time.Hour}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.Enqueue("score update")
	b.Publish(Event{Kind: KindClusterOpen, Text: "cluster opened", Urgent: true})

	waitFor(t, func() bool { return b.Sent() == 1 })
	if got := sink.all()[0]; got != "score update\ncluster opened" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestBatcherDropsWhenFull(t *testing.T) {
	b := NewBatcher(&captureSender{}, BatchConfig{QueueSize: 1}, logging.Discard())
	drops := 0
	b.OnDrop(func() { drops++ })
	if !b.Enqueue("a") {
		t.Fatal("first enqueue should fit")
	}
	if b.Enqueue("b") {
		t.Fatal("second enqueue should be dropped")
	}
	if b.Dropped() != 1 || drops != 1 {
		t.Fatalf("expected one drop, got %d/%d", b.Dropped(), drops)
	}
}

func TestBatcherFlushesOnShutdown(t *testing.T) {
	sink := &captureSender{}
	b := NewBatcher(sink, BatchConfig{FlushDelay: time.Hour}, logging.Discard())
	b.Enqueue("bye")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Run(ctx)
	if msgs := sink.all(); len(msgs) != 1 || msgs[0] != "bye" {
		t.Fatalf("expected final flush, got %v", msgs)
	}
}

func TestChunk(t *testing.T) {
	lines := []string{"aaaa", "bbbb", "cccc", strings.Repeat("x", 20)}
	got := chunk(lines, 9)
	want := []string{"aaaa\nbbbb", "cccc", "xxxxxxxxx"}
	if len(got) != len(want) {
		t.Fatalf("chunk = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	Fanout{a, nil, b}.Publish(Event{Kind: KindInfo, Text: "hi"})
	if len(a.Drain()) != 1 || len(b.Drain()) != 1 {
		t.Fatal("expected both recorders to receive the event")
	}
	if len(a.Drain()) != 0 {
		t.Fatal("drain should empty the recorder")
	}
}
