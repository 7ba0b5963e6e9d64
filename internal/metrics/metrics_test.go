package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverCountsRuns(t *testing.T) {
	m := NewMetrics()
	run := uuid.New()
	m.Deliver(session.Event{RunID: run, Kind: session.KindDownload, Type: session.EventProgress})
	m.Deliver(session.Event{RunID: run, Kind: session.KindDownload, Type: session.EventProgress})
	assert.Equal(t, 1, m.ActiveRuns())
	m.Deliver(session.Event{RunID: run, Kind: session.KindDownload, Type: session.EventCompleted,
		Completed: &session.Completed{Rate: &session.Rate{BitsPerSecond: 8e6}, Bytes: 1000, Elapsed: time.Second, Partial: true}})
	assert.Equal(t, 0, m.ActiveRuns())

	km, ok := m.GetKindMetrics(session.KindDownload)
	require.True(t, ok)
	assert.Equal(t, uint64(1), km.Started)
	assert.Equal(t, uint64(1), km.Completed)
	assert.Equal(t, uint64(1), km.Partial)
	assert.Equal(t, 8e6, km.LastBps)
	assert.Equal(t, int64(1000), km.LastBytes)

	m.Deliver(session.Event{RunID: uuid.New(), Kind: session.KindUpload, Type: session.EventErrored,
		Error: &session.ErrorInfo{Code: session.CodeTimeout}})
	m.Deliver(session.Event{RunID: uuid.New(), Kind: session.KindLatency, Type: session.EventCancelled})
	m.Deliver(session.Event{RunID: uuid.New(), Kind: session.KindLatency, Type: session.EventCompleted,
		Completed: &session.Completed{Latency: &latency.Result{AverageMs: 12, JitterMs: 3}}})

	up, _ := m.GetKindMetrics(session.KindUpload)
	assert.Equal(t, uint64(1), up.Started)
	assert.Equal(t, uint64(1), up.Errored)
	lat, _ := m.GetKindMetrics(session.KindLatency)
	assert.Equal(t, uint64(2), lat.Started)
	assert.Equal(t, uint64(1), lat.Cancelled)
	assert.Equal(t, 12.0, lat.LastLatencyMs)
}

func TestRenderIncludesSelection(t *testing.T) {
	m := NewMetrics()
	candidates := hosts.NewCandidates([]hosts.Server{{Name: "a"}, {Name: "b"}})
	candidates[0].SetPing(20 * time.Millisecond)
	m.RecordSelection(candidates, candidates[0])
	m.Deliver(session.Event{RunID: uuid.New(), Kind: session.KindUpload, Type: session.EventErrored,
		Error: &session.ErrorInfo{Code: session.CodeConnectionFailed}})

	out := m.Render()
	assert.Contains(t, out, "fbspeed_server_ping_ms{server=\"a\"} 20.000000")
	assert.Contains(t, out, "fbspeed_server_reachable{server=\"b\"} 0")
	assert.Contains(t, out, "fbspeed_selected_server{server=\"a\"} 1")
	assert.Contains(t, out, "fbspeed_selections_total 1")
	assert.Contains(t, out, "fbspeed_session_errors_total{code=\"connection_failed\"} 1")
	assert.Contains(t, out, "fbspeed_sessions_errored_total{kind=\"upload\"} 1")

	m.RecordSelection(candidates[1:], nil)
	out = m.Render()
	assert.Contains(t, out, "fbspeed_selections_failed_total 1")
	assert.NotContains(t, out, "fbspeed_selected_server{server=\"a\"} 1")
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "fbspeed_uptime_seconds")
}

func TestEscapeLabel(t *testing.T) {
	assert.Equal(t, `a\"b\\c`, escapeLabel(`a"b\c`))
}
