// Package session runs speed tests as cancellable sessions keyed by a
// caller-chosen id and reports their progress on an event sink.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/throughput"
	"github.com/google/uuid"
)

type Kind int

const (
	KindDownload Kind = iota
	KindUpload
	KindLatency
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindUpload:
		return "upload"
	case KindLatency:
		return "latency"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Valid() bool {
	return k >= KindDownload && k <= KindLatency
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "download", "dl":
		return KindDownload, nil
	case "upload", "ul":
		return KindUpload, nil
	case "latency", "ping":
		return KindLatency, nil
	default:
		return 0, fmt.Errorf("%w: unknown test kind %q", ErrInvalidArgument, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type State int

const (
	StateRunning State = iota
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateRunning, StateCompleted, StateErrored, StateCancelled} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

func (s State) Terminal() bool {
	return s != StateRunning
}

func stateFor(t EventType) State {
	switch t {
	case EventCompleted:
		return StateCompleted
	case EventErrored:
		return StateErrored
	case EventCancelled:
		return StateCancelled
	default:
		return StateRunning
	}
}

// Params shape a single test. Zero fields take the manager defaults.
type Params struct {
	FileSize       int64         `json:"file_size,omitempty"`
	TestTimeout    time.Duration `json:"test_timeout,omitempty"`
	ReportInterval time.Duration `json:"report_interval,omitempty"`
	Warmup         time.Duration `json:"warmup,omitempty"`
	// Mode is "cumulative" or "sliding".
	Mode          string        `json:"mode,omitempty"`
	Samples       int           `json:"samples,omitempty"`
	SampleDelay   time.Duration `json:"sample_delay,omitempty"`
	SampleTimeout time.Duration `json:"sample_timeout,omitempty"`
}

func DefaultParams() Params {
	return ParamsFromConfig(config.Default())
}

func ParamsFromConfig(cfg config.Config) Params {
	return Params{
		FileSize:       cfg.Test.FileSizeBytes,
		TestTimeout:    cfg.Test.Timeout.Duration(),
		ReportInterval: cfg.Test.ReportInterval.Duration(),
		Warmup:         cfg.Test.Warmup.Duration(),
		Mode:           cfg.Test.ComputationMode,
		Samples:        cfg.Latency.SampleCount,
		SampleDelay:    cfg.Latency.InterSampleDelay.Duration(),
		SampleTimeout:  cfg.Latency.PerSampleTimeout.Duration(),
	}
}

func (p Params) merge(d Params) Params {
	if p.FileSize == 0 {
		p.FileSize = d.FileSize
	}
	if p.TestTimeout == 0 {
		p.TestTimeout = d.TestTimeout
	}
	if p.ReportInterval == 0 {
		p.ReportInterval = d.ReportInterval
	}
	if p.Warmup == 0 {
		p.Warmup = d.Warmup
	}
	if p.Mode == "" {
		p.Mode = d.Mode
	}
	if p.Samples == 0 {
		p.Samples = d.Samples
	}
	if p.SampleDelay == 0 {
		p.SampleDelay = d.SampleDelay
	}
	if p.SampleTimeout == 0 {
		p.SampleTimeout = d.SampleTimeout
	}
	return p
}

func (p Params) validate() (throughput.Mode, error) {
	mode, err := throughput.ParseMode(p.Mode)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	switch {
	case p.FileSize <= 0:
		return 0, fmt.Errorf("%w: file size must be > 0", ErrInvalidArgument)
	case p.TestTimeout <= 0:
		return 0, fmt.Errorf("%w: test timeout must be > 0", ErrInvalidArgument)
	case p.ReportInterval < 0 || p.Warmup < 0 || p.SampleDelay < 0:
		return 0, fmt.Errorf("%w: durations must not be negative", ErrInvalidArgument)
	case p.Samples <= 0:
		return 0, fmt.Errorf("%w: sample count must be > 0", ErrInvalidArgument)
	case p.SampleTimeout <= 0:
		return 0, fmt.Errorf("%w: sample timeout must be > 0", ErrInvalidArgument)
	}
	return mode, nil
}

// Session is one in-flight test. Its fields are owned by the Manager.
type Session struct {
	id      int
	runID   uuid.UUID
	kind    Kind
	server  hosts.Server
	params  Params
	mode    throughput.Mode
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu serializes delivery so progress never follows the terminal event.
	mu          sync.Mutex
	state       State
	lastPercent float64
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID      int       `json:"id"`
	RunID   uuid.UUID `json:"run_id"`
	Kind    Kind      `json:"kind"`
	Server  string    `json:"server"`
	State   State     `json:"state"`
	Started time.Time `json:"started"`
	Percent float64   `json:"percent"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:      s.id,
		RunID:   s.runID,
		Kind:    s.kind,
		Server:  s.server.Name,
		State:   s.state,
		Started: s.started,
		Percent: s.lastPercent,
	}
}

// Done is closed once the session's task has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
