package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/throughput"
	"github.com/NodePath81/fbspeed/internal/transport"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/google/uuid"
)

type Dependencies struct {
	Transfer transport.Transferer
	Prober   *latency.Prober
	Sink     EventSink
	Logger   util.Logger
	Defaults Params
}

// Manager owns the table of active sessions. All methods are safe for
// concurrent use.
type Manager struct {
	transfer transport.Transferer
	prober   *latency.Prober
	sink     EventSink
	logger   util.Logger
	defaults Params

	mu       sync.Mutex
	sessions map[int]*Session
	wg       sync.WaitGroup
}

func NewManager(deps Dependencies) *Manager {
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = util.DiscardLogger()
	}
	return &Manager{
		transfer: deps.Transfer,
		prober:   deps.Prober,
		sink:     deps.Sink,
		logger:   deps.Logger,
		defaults: deps.Defaults.merge(DefaultParams()),
		sessions: make(map[int]*Session),
	}
}

// Start validates the request, cancels any running session with the same id,
// registers a new session and launches its task. It does not wait for the
// test to finish.
func (m *Manager) Start(id int, kind Kind, server hosts.Server, params Params) error {
	if id < 0 {
		return fmt.Errorf("%w: session id must be >= 0", ErrInvalidArgument)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown test kind %d", ErrInvalidArgument, int(kind))
	}
	server, err := hosts.Validate(server)
	if err != nil {
		return err
	}
	params = params.merge(m.defaults)
	mode, err := params.validate()
	if err != nil {
		return err
	}
	switch kind {
	case KindDownload, KindUpload:
		if m.transfer == nil {
			return fmt.Errorf("%w: no transfer backend configured", ErrInvalidArgument)
		}
	case KindLatency:
		if m.prober == nil {
			return fmt.Errorf("%w: no latency prober configured", ErrInvalidArgument)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		runID:   uuid.New(),
		kind:    kind,
		server:  server,
		params:  params,
		mode:    mode,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateRunning,
	}

	for {
		old, err := m.register(s)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyRunning) {
			cancel()
			return err
		}
		m.logger.Debug("superseding running session", "session", id, "run", old.runID, "kind", old.kind)
		m.finish(old, m.event(old, EventCancelled))
	}

	m.logger.Info("session started", "session", id, "run", s.runID, "kind", kind, "server", server.Name)
	m.wg.Add(1)
	go m.run(s)
	return nil
}

func (m *Manager) register(s *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[s.id]; ok {
		return old, ErrAlreadyRunning
	}
	m.sessions[s.id] = s
	return nil, nil
}

// Cancel stops the session with id and delivers its Cancelled event. An id
// without an active session is a no-op.
func (m *Manager) Cancel(id int) error {
	if id < 0 {
		return fmt.Errorf("%w: session id must be >= 0", ErrInvalidArgument)
	}
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	if m.finish(s, m.event(s, EventCancelled)) {
		m.logger.Info("session cancelled", "session", id, "run", s.runID)
	}
	return nil
}

// CancelAll cancels every id in ids. A failure for one id does not stop the
// others; the result is false if any id failed.
func (m *Manager) CancelAll(ids []int) bool {
	ok := true
	for _, id := range ids {
		if err := m.cancelIsolated(id); err != nil {
			m.logger.Warn("cancel failed", "session", id, "error", err)
			ok = false
		}
	}
	return ok
}

func (m *Manager) cancelIsolated(id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cancel: %v", r)
		}
	}()
	return m.Cancel(id)
}

// SetLogging toggles diagnostic output for the whole process.
func (m *Manager) SetLogging(enabled bool) {
	util.SetDiagnostics(enabled)
	m.logger.Info("diagnostic logging toggled", "enabled", enabled)
}

// Active returns snapshots of running sessions ordered by id.
func (m *Manager) Active() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Get(id int) (Snapshot, bool) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

func (m *Manager) ActiveIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Wait blocks until every session task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels all running sessions and waits for their tasks.
func (m *Manager) Close() {
	m.CancelAll(m.ActiveIDs())
	m.Wait()
}

func (m *Manager) event(s *Session, t EventType) Event {
	return Event{SessionID: s.id, RunID: s.runID, Kind: s.kind, Type: t, Time: time.Now()}
}

// progress delivers a progress event unless the session already ended.
// Percent never decreases within a session.
func (m *Manager) progress(s *Session, p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	p.Percent = util.ClampPercent(p.Percent)
	if p.Percent < s.lastPercent {
		p.Percent = s.lastPercent
	}
	s.lastPercent = p.Percent
	ev := m.event(s, EventProgress)
	ev.Progress = &p
	m.sink.Deliver(ev)
}

// finish moves s to the terminal state matching ev, retires it from the
// table, releases its task and delivers ev. Only the first call per session
// has any effect; it reports whether this call won.
func (m *Manager) finish(s *Session, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = stateFor(ev.Type)
	s.cancel()

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	m.sink.Deliver(ev)
	return true
}

func (m *Manager) fail(s *Session, err error) {
	err = classify(err)
	ev := m.event(s, EventErrored)
	ev.Error = &ErrorInfo{Code: CodeOf(err), Message: err.Error()}
	if m.finish(s, ev) {
		m.logger.Warn("session failed", "session", s.id, "run", s.runID, "kind", s.kind, "code", ev.Error.Code, "error", err)
	}
}

func (m *Manager) complete(s *Session, c *Completed) {
	ev := m.event(s, EventCompleted)
	ev.Completed = c
	if m.finish(s, ev) {
		m.logger.Info("session completed", "session", s.id, "run", s.runID, "kind", s.kind, "partial", c.Partial)
	}
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session task panicked", "session", s.id, "panic", r)
			ev := m.event(s, EventErrored)
			ev.Error = &ErrorInfo{Code: CodeInternal, Message: fmt.Sprint(r)}
			m.finish(s, ev)
		}
	}()

	switch s.kind {
	case KindDownload, KindUpload:
		m.runThroughput(s)
	case KindLatency:
		m.runLatency(s)
	}
}

func (m *Manager) runThroughput(s *Session) {
	meter := throughput.NewMeter(throughput.MeterConfig{
		Mode:           s.mode,
		Warmup:         s.params.Warmup,
		ReportInterval: s.params.ReportInterval,
	})
	size := s.params.FileSize
	limit := s.params.TestTimeout

	ctx, cancel := context.WithTimeout(s.ctx, limit)
	defer cancel()

	onBytes := func(delta int64, elapsed time.Duration) {
		speed, ok := meter.Observe(delta, elapsed)
		if !ok {
			return
		}
		pct := float64(meter.TotalBytes()) / float64(size)
		if byTime := float64(elapsed) / float64(limit); byTime > pct {
			pct = byTime
		}
		m.progress(s, Progress{Percent: pct * 100, Rate: rateOf(speed)})
	}

	start := time.Now()
	var err error
	if s.kind == KindUpload {
		err = m.transfer.Upload(ctx, s.server.UploadURL(), size, onBytes)
	} else {
		err = m.transfer.Download(ctx, s.server.DownloadURL(), size, onBytes)
	}
	elapsed := time.Since(start)

	switch {
	case s.ctx.Err() != nil:
		// Cancelled or superseded; the terminal event is already out.
		return
	case err == nil:
		speed := meter.Finalize(elapsed)
		m.complete(s, &Completed{Rate: rateOf(speed), Bytes: meter.TotalBytes(), Elapsed: elapsed})
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		speed := meter.Finalize(elapsed)
		m.logger.Debug("test timeout reached, finalizing", "session", s.id, "bytes", meter.TotalBytes())
		m.complete(s, &Completed{Rate: rateOf(speed), Bytes: meter.TotalBytes(), Elapsed: elapsed, Partial: true})
	default:
		m.fail(s, err)
	}
}

func (m *Manager) runLatency(s *Session) {
	cfg := latency.RunConfig{
		Samples: s.params.Samples,
		Timeout: s.params.SampleTimeout,
		Delay:   s.params.SampleDelay,
	}
	start := time.Now()
	res, err := m.prober.Run(s.ctx, s.server.PingURL(), cfg, func(p latency.Progress) {
		m.progress(s, Progress{Percent: p.Percent, LatencyMs: p.LatencyMs, JitterMs: p.JitterMs})
	})
	switch {
	case s.ctx.Err() != nil:
		return
	case err != nil:
		m.fail(s, err)
	default:
		m.complete(s, &Completed{Latency: &res, Elapsed: time.Since(start)})
	}
}
