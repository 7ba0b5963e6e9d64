package session

import (
	"fmt"
	"time"

	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/throughput"
	"github.com/google/uuid"
)

type EventType int

const (
	EventProgress EventType = iota
	EventCompleted
	EventErrored
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventErrored:
		return "errored"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for _, et := range []EventType{EventProgress, EventCompleted, EventErrored, EventCancelled} {
		if et.String() == string(b) {
			*t = et
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

func (t EventType) Terminal() bool {
	return t != EventProgress
}

// Rate is a speed in the form delivered to consumers.
type Rate struct {
	BitsPerSecond float64         `json:"bits_per_second"`
	Value         float64         `json:"value"`
	Unit          throughput.Unit `json:"unit"`
}

func rateOf(s throughput.Speed) *Rate {
	value, unit := s.Display()
	return &Rate{BitsPerSecond: s.BitsPerSecond, Value: value, Unit: unit}
}

func (r *Rate) String() string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f %s", r.Value, r.Unit)
}

type Progress struct {
	Percent   float64 `json:"percent"`
	Rate      *Rate   `json:"rate,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	JitterMs  float64 `json:"jitter_ms,omitempty"`
}

type Completed struct {
	Rate    *Rate           `json:"rate,omitempty"`
	Latency *latency.Result `json:"latency,omitempty"`
	Bytes   int64           `json:"bytes,omitempty"`
	Elapsed time.Duration   `json:"elapsed_ns"`
	// Partial is set when the test timeout cut the transfer short.
	Partial bool `json:"partial,omitempty"`
}

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Event is one entry on a session's delivery channel. Exactly one of
// Progress, Completed or Error is set, matching Type; Cancelled carries none.
type Event struct {
	SessionID int        `json:"session_id"`
	RunID     uuid.UUID  `json:"run_id"`
	Kind      Kind       `json:"kind"`
	Type      EventType  `json:"type"`
	Time      time.Time  `json:"time"`
	Progress  *Progress  `json:"progress,omitempty"`
	Completed *Completed `json:"completed,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// EventSink receives session events. Deliver is called with the session's
// delivery lock held, so implementations must not block for long and must
// not call back into the Manager for the same session.
type EventSink interface {
	Deliver(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Deliver(e Event) { f(e) }

// FanOut delivers every event to each sink in order.
type FanOut []EventSink

func (f FanOut) Deliver(e Event) {
	for _, s := range f {
		if s != nil {
			s.Deliver(e)
		}
	}
}

type discardSink struct{}

func (discardSink) Deliver(Event) {}
