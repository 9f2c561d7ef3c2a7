// Package notify carries engine events to operators: batched Telegram
// messages, a websocket stream, and the inbound Telegram command listener.
package notify

import "time"

type Kind string

const (
	KindInfo         Kind = "info"
	KindScore        Kind = "score"
	KindClusterOpen  Kind = "cluster_opened"
	KindClusterClose Kind = "cluster_closed"
	KindStageError   Kind = "stage_error"
	KindRatchet      Kind = "ratchet"
	KindOverrun      Kind = "overrun"
	KindBreaker      Kind = "breaker"
	KindConfirmation Kind = "confirmation"
	KindCommand      Kind = "command"
	KindVenueError   Kind = "venue_error"
	KindStatus       Kind = "status"
)

// Event is one outward notification. Text is Telegram HTML; Data is the
// structured payload for the websocket stream.
type Event struct {
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text"`
	Urgent bool      `json:"urgent,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(Event)
}

// Fanout publishes to every member.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Recorder keeps published events in memory. Tests use it to assert on
// engine output.
type Recorder struct {
	events chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Publish(e Event) {
	select {
	case r.events <- e:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
