package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/transport"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) Deliver(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) forRun(run uuid.UUID) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.RunID == run {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) terminals(id int) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.SessionID == id && e.Type.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls until pred holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, pred func([]Event) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if pred(r.all()) {
			return
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met; events: %+v", r.all())
		}
	}
}

func hasTerminal(id int) func([]Event) bool {
	return func(evs []Event) bool {
		for _, e := range evs {
			if e.SessionID == id && e.Type.Terminal() {
				return true
			}
		}
		return false
	}
}

type transferFunc func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error

type fakeTransfer struct {
	download transferFunc
	upload   transferFunc
}

func (f fakeTransfer) Download(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
	return f.download(ctx, url, size, fn)
}

func (f fakeTransfer) Upload(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
	return f.upload(ctx, url, size, fn)
}

// blocking waits for cancellation after optionally emitting some bytes.
func blocking(chunks ...int64) transferFunc {
	return func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
		for i, c := range chunks {
			fn(c, time.Duration(i+1)*time.Second)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func server() hosts.Server {
	return hosts.Server{
		Name:         "lab",
		BaseURL:      "http://speed.example.com/",
		DownloadPath: "garbage.php",
		UploadPath:   "empty.php",
		PingPath:     "empty.php",
	}
}

func newManager(t *testing.T, tr transport.Transferer, conn latency.Connector) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	var prober *latency.Prober
	if conn != nil {
		prober = latency.NewProber(conn, nil)
	}
	m := NewManager(Dependencies{
		Transfer: tr,
		Prober:   prober,
		Sink:     rec,
		Defaults: Params{ReportInterval: time.Nanosecond, SampleDelay: time.Microsecond},
	})
	t.Cleanup(m.Close)
	return m, rec
}

func TestDownloadCompletes(t *testing.T) {
	var gotURL string
	tr := fakeTransfer{download: func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
		gotURL = url
		for i := 1; i <= 4; i++ {
			fn(250_000, time.Duration(i)*250*time.Millisecond)
		}
		return nil
	}}
	m, rec := newManager(t, tr, nil)

	require.NoError(t, m.Start(1, KindDownload, server(), Params{FileSize: 1_000_000}))
	rec.waitFor(t, hasTerminal(1))
	m.Wait()

	assert.Equal(t, "http://speed.example.com/garbage.php", gotURL)
	evs := rec.all()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, EventCompleted, last.Type)
	require.NotNil(t, last.Completed)
	assert.Equal(t, int64(1_000_000), last.Completed.Bytes)
	assert.False(t, last.Completed.Partial)
	assert.Greater(t, last.Completed.Rate.BitsPerSecond, 0.0)

	var prev float64
	for _, e := range evs[:len(evs)-1] {
		require.Equal(t, EventProgress, e.Type)
		assert.GreaterOrEqual(t, e.Progress.Percent, prev)
		prev = e.Progress.Percent
	}
	assert.InDelta(t, 100, prev, 1e-9)
	assert.Empty(t, m.Active())
}

func TestUploadUsesUploadURL(t *testing.T) {
	urls := make(chan string, 1)
	tr := fakeTransfer{upload: func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
		urls <- url
		fn(size, time.Second)
		return nil
	}}
	m, rec := newManager(t, tr, nil)

	require.NoError(t, m.Start(2, KindUpload, server(), Params{FileSize: 125_000}))
	rec.waitFor(t, hasTerminal(2))
	assert.Equal(t, "http://speed.example.com/empty.php", <-urls)
	term := rec.terminals(2)
	require.Len(t, term, 1)
	assert.Equal(t, EventCompleted, term[0].Type)
}

func TestRestartSameIDCancelsPrevious(t *testing.T) {
	tr := fakeTransfer{download: blocking(1000)}
	m, rec := newManager(t, tr, nil)

	require.NoError(t, m.Start(5, KindDownload, server(), Params{}))
	first, ok := m.Get(5)
	require.True(t, ok)

	require.NoError(t, m.Start(5, KindDownload, server(), Params{}))
	second, ok := m.Get(5)
	require.True(t, ok)
	assert.NotEqual(t, first.RunID, second.RunID)

	firstEvents := rec.forRun(first.RunID)
	require.NotEmpty(t, firstEvents)
	assert.Equal(t, EventCancelled, firstEvents[len(firstEvents)-1].Type)
	terminals := 0
	for _, e := range firstEvents {
		if e.Type.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Len(t, m.Active(), 1)

	require.NoError(t, m.Cancel(5))
	m.Wait()
	assert.Len(t, rec.terminals(5), 2)
	for _, e := range rec.forRun(second.RunID) {
		if e.Type.Terminal() {
			assert.Equal(t, EventCancelled, e.Type)
		}
	}
}

func TestCancelUnknownIsNoop(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{}, nil)
	assert.NoError(t, m.Cancel(42))
	assert.Empty(t, rec.all())
}

func TestCancelIsIdempotent(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{download: blocking()}, nil)
	require.NoError(t, m.Start(3, KindDownload, server(), Params{}))
	require.NoError(t, m.Cancel(3))
	require.NoError(t, m.Cancel(3))
	m.Wait()

	evs := rec.all()
	require.Len(t, evs, 1)
	assert.Equal(t, EventCancelled, evs[0].Type)
}

func TestTestTimeoutCompletesWithPartialResult(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{download: blocking(500_000, 500_000)}, nil)
	require.NoError(t, m.Start(7, KindDownload, server(), Params{TestTimeout: 50 * time.Millisecond}))
	rec.waitFor(t, hasTerminal(7))
	m.Wait()

	term := rec.terminals(7)
	require.Len(t, term, 1)
	assert.Equal(t, EventCompleted, term[0].Type)
	require.NotNil(t, term[0].Completed)
	assert.True(t, term[0].Completed.Partial)
	assert.Equal(t, int64(1_000_000), term[0].Completed.Bytes)
	assert.Greater(t, term[0].Completed.Rate.BitsPerSecond, 0.0)
}

func TestTransportFailureErrors(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	m, rec := newManager(t, fakeTransfer{download: func(context.Context, string, int64, transport.ProgressFunc) error {
		return refused
	}}, nil)

	require.NoError(t, m.Start(8, KindDownload, server(), Params{}))
	rec.waitFor(t, hasTerminal(8))
	term := rec.terminals(8)
	require.Len(t, term, 1)
	assert.Equal(t, EventErrored, term[0].Type)
	assert.Equal(t, CodeConnectionFailed, term[0].Error.Code)
	assert.Contains(t, term[0].Error.Message, "connection refused")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransportTimeoutCode(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{download: func(context.Context, string, int64, transport.ProgressFunc) error {
		return timeoutErr{}
	}}, nil)
	require.NoError(t, m.Start(9, KindDownload, server(), Params{}))
	rec.waitFor(t, hasTerminal(9))
	term := rec.terminals(9)
	require.Len(t, term, 1)
	assert.Equal(t, CodeTimeout, term[0].Error.Code)
}

func TestLatencyCompletes(t *testing.T) {
	rtts := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 15 * time.Millisecond}
	var mu sync.Mutex
	var targets []string
	i := 0
	conn := latency.ConnectorFunc(func(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		targets = append(targets, target)
		r := rtts[i%len(rtts)]
		i++
		return r, nil
	})
	m, rec := newManager(t, nil, conn)

	require.NoError(t, m.Start(11, KindLatency, server(), Params{Samples: 3}))
	rec.waitFor(t, hasTerminal(11))

	term := rec.terminals(11)
	require.Len(t, term, 1)
	require.Equal(t, EventCompleted, term[0].Type)
	res := term[0].Completed.Latency
	require.NotNil(t, res)
	assert.InDelta(t, 15.0, res.AverageMs, 1e-6)
	assert.InDelta(t, 7.5, res.JitterMs, 1e-6)
	assert.Equal(t, 3, res.Samples)

	mu.Lock()
	assert.Equal(t, "http://speed.example.com/empty.php", targets[0])
	mu.Unlock()

	var progress []Event
	for _, e := range rec.all() {
		if e.Type == EventProgress {
			progress = append(progress, e)
		}
	}
	require.Len(t, progress, 3)
	assert.InDelta(t, 20.0, progress[1].Progress.LatencyMs, 1e-6)
	assert.InDelta(t, 10.0, progress[1].Progress.JitterMs, 1e-6)
}

func TestLatencyFailureErrorsWithoutCompletion(t *testing.T) {
	calls := 0
	conn := latency.ConnectorFunc(func(context.Context, string, time.Duration) (time.Duration, error) {
		calls++
		if calls == 3 {
			return 0, errors.New("connection refused")
		}
		return time.Millisecond, nil
	})
	m, rec := newManager(t, nil, conn)

	require.NoError(t, m.Start(12, KindLatency, server(), Params{Samples: 10}))
	rec.waitFor(t, hasTerminal(12))
	m.Wait()
	term := rec.terminals(12)
	require.Len(t, term, 1)
	assert.Equal(t, EventErrored, term[0].Type)
	assert.Equal(t, CodeConnectionFailed, term[0].Error.Code)
}

func TestLatencyCancelDiscardsSamples(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	conn := latency.ConnectorFunc(func(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
		once.Do(func() { close(started) })
		return time.Millisecond, nil
	})
	m, rec := newManager(t, nil, conn)

	require.NoError(t, m.Start(13, KindLatency, server(), Params{Samples: 1_000_000, SampleDelay: time.Millisecond}))
	<-started
	require.NoError(t, m.Cancel(13))
	m.Wait()

	term := rec.terminals(13)
	require.Len(t, term, 1)
	assert.Equal(t, EventCancelled, term[0].Type)
	for _, e := range rec.all() {
		assert.NotEqual(t, EventCompleted, e.Type)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{download: blocking()}, latency.ConnectorFunc(nil))

	err := m.Start(-1, KindDownload, server(), Params{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = m.Start(1, Kind(99), server(), Params{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	bad := server()
	bad.DownloadPath = ""
	err = m.Start(1, KindDownload, bad, Params{})
	assert.ErrorIs(t, err, ErrInvalidServer)
	assert.Equal(t, CodeInvalidServer, CodeOf(err))

	err = m.Start(1, KindDownload, server(), Params{Mode: "median"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = m.Start(1, KindDownload, server(), Params{FileSize: -5})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, rec.all())
	assert.Empty(t, m.Active())
}

func TestStartWithoutBackend(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	assert.ErrorIs(t, m.Start(1, KindDownload, server(), Params{}), ErrInvalidArgument)
	assert.ErrorIs(t, m.Start(1, KindLatency, server(), Params{}), ErrInvalidArgument)
}

func TestCancelAll(t *testing.T) {
	m, rec := newManager(t, fakeTransfer{download: blocking(), upload: blocking()}, nil)
	require.NoError(t, m.Start(1, KindDownload, server(), Params{}))
	require.NoError(t, m.Start(2, KindUpload, server(), Params{}))

	assert.True(t, m.CancelAll([]int{1, 2, 99}))
	assert.False(t, m.CancelAll([]int{-3, 1}))
	m.Wait()

	assert.Len(t, rec.terminals(1), 1)
	assert.Len(t, rec.terminals(2), 1)
	assert.Empty(t, m.Active())
}

func TestConcurrentCancelAndCompletionDeliverOneTerminal(t *testing.T) {
	for round := 0; round < 50; round++ {
		release := make(chan struct{})
		tr := fakeTransfer{download: func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
			fn(1000, time.Second)
			<-release
			return nil
		}}
		m, rec := newManager(t, tr, nil)
		require.NoError(t, m.Start(round, KindDownload, server(), Params{}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); close(release) }()
		go func() { defer wg.Done(); _ = m.Cancel(round) }()
		wg.Wait()
		m.Wait()

		term := rec.terminals(round)
		require.Len(t, term, 1, "round %d", round)
		evs := rec.all()
		assert.True(t, evs[len(evs)-1].Type.Terminal(), "terminal event must be last")
	}
}

func TestSetLogging(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	t.Cleanup(func() { util.SetDiagnostics(false) })
	m.SetLogging(true)
	assert.True(t, util.DiagnosticsEnabled())
	m.SetLogging(false)
	assert.False(t, util.DiagnosticsEnabled())
}

func TestSlidingModeProgress(t *testing.T) {
	tr := fakeTransfer{download: func(ctx context.Context, url string, size int64, fn transport.ProgressFunc) error {
		fn(1_000_000, time.Second)
		fn(500_000, 2*time.Second)
		return nil
	}}
	m, rec := newManager(t, tr, nil)
	require.NoError(t, m.Start(4, KindDownload, server(), Params{FileSize: 10_000_000, Mode: "sliding"}))
	rec.waitFor(t, hasTerminal(4))

	var rates []float64
	for _, e := range rec.all() {
		if e.Type == EventProgress {
			rates = append(rates, e.Progress.Rate.BitsPerSecond)
		}
	}
	require.Len(t, rates, 2)
	assert.InDelta(t, 8e6, rates[0], 1)
	assert.InDelta(t, 4e6, rates[1], 1)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Upload")
	require.NoError(t, err)
	assert.Equal(t, KindUpload, k)
	k, err = ParseKind("ping")
	require.NoError(t, err)
	assert.Equal(t, KindLatency, k)
	_, err = ParseKind("jitter")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
