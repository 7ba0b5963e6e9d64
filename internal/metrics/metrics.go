package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/session"
)

// KindMetrics holds the counters and the last finished result for one test kind.
type KindMetrics struct {
	Started       uint64
	Completed     uint64
	Partial       uint64
	Errored       uint64
	Cancelled     uint64
	LastBps       float64
	LastLatencyMs float64
	LastJitterMs  float64
	LastBytes     int64
	LastElapsed   time.Duration
}

type serverPing struct {
	reachable bool
	pingMs    float64
}

type Metrics struct {
	mu               sync.Mutex
	kinds            map[session.Kind]*KindMetrics
	errorCodes       map[session.ErrorCode]uint64
	runs             map[string]session.Kind
	servers          map[string]serverPing
	selected         string
	selections       uint64
	selectionFailed  uint64
	bytesTotal       atomic.Uint64
	memoryAllocBytes uint64
	startTime        time.Time
}

var kindOrder = []session.Kind{session.KindDownload, session.KindUpload, session.KindLatency}

func NewMetrics() *Metrics {
	kinds := make(map[session.Kind]*KindMetrics, len(kindOrder))
	for _, k := range kindOrder {
		kinds[k] = &KindMetrics{}
	}
	return &Metrics{
		kinds:      kinds,
		errorCodes: make(map[session.ErrorCode]uint64),
		runs:       make(map[string]session.Kind),
		servers:    make(map[string]serverPing),
		startTime:  time.Now(),
	}
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.sampleRuntime()
			}
		}
	}()
}

func (m *Metrics) sampleRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.mu.Lock()
	m.memoryAllocBytes = mem.Alloc
	m.mu.Unlock()
}

// Deliver records a session event. A run counts as started on its first
// event, so sessions cancelled before reporting still show up.
func (m *Metrics) Deliver(ev session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.kinds[ev.Kind]
	if !ok {
		return
	}
	run := ev.RunID.String()
	if _, seen := m.runs[run]; !seen {
		m.runs[run] = ev.Kind
		km.Started++
	}
	if ev.Type.Terminal() {
		delete(m.runs, run)
	}
	switch ev.Type {
	case session.EventCompleted:
		km.Completed++
		c := ev.Completed
		if c == nil {
			return
		}
		if c.Partial {
			km.Partial++
		}
		if c.Rate != nil {
			km.LastBps = c.Rate.BitsPerSecond
		}
		if c.Latency != nil {
			km.LastLatencyMs = c.Latency.AverageMs
			km.LastJitterMs = c.Latency.JitterMs
		}
		km.LastBytes = c.Bytes
		km.LastElapsed = c.Elapsed
		if c.Bytes > 0 {
			m.bytesTotal.Add(uint64(c.Bytes))
		}
	case session.EventErrored:
		km.Errored++
		if ev.Error != nil {
			m.errorCodes[ev.Error.Code]++
		}
	case session.EventCancelled:
		km.Cancelled++
	}
}

// RecordSelection stores the per-server pings of a finished selection round.
func (m *Metrics) RecordSelection(candidates []*hosts.Candidate, best *hosts.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selections++
	for _, c := range candidates {
		ms, ok := c.PingMillis()
		m.servers[c.Server.Name] = serverPing{reachable: ok, pingMs: ms}
	}
	if best == nil {
		m.selectionFailed++
		m.selected = ""
		return
	}
	m.selected = best.Server.Name
}

func (m *Metrics) SetSelected(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = name
}

func (m *Metrics) GetKindMetrics(kind session.Kind) (KindMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.kinds[kind]
	if !ok || km == nil {
		return KindMetrics{}, false
	}
	return *km, true
}

// ActiveRuns counts runs that reported but have not finished.
func (m *Metrics) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	kinds := make(map[session.Kind]KindMetrics, len(m.kinds))
	for k, km := range m.kinds {
		kinds[k] = *km
	}
	codes := make([]string, 0, len(m.errorCodes))
	errorCodes := make(map[string]uint64, len(m.errorCodes))
	for code, n := range m.errorCodes {
		codes = append(codes, string(code))
		errorCodes[string(code)] = n
	}
	sort.Strings(codes)
	names := make([]string, 0, len(m.servers))
	servers := make(map[string]serverPing, len(m.servers))
	for name, sp := range m.servers {
		names = append(names, name)
		servers[name] = sp
	}
	sort.Strings(names)
	active := len(m.runs)
	selected := m.selected
	selections := m.selections
	selectionFailed := m.selectionFailed
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	var b strings.Builder
	writeKindCounter(&b, "fbspeed_sessions_started_total", kinds, func(km KindMetrics) uint64 { return km.Started })
	writeKindCounter(&b, "fbspeed_sessions_completed_total", kinds, func(km KindMetrics) uint64 { return km.Completed })
	writeKindCounter(&b, "fbspeed_sessions_partial_total", kinds, func(km KindMetrics) uint64 { return km.Partial })
	writeKindCounter(&b, "fbspeed_sessions_errored_total", kinds, func(km KindMetrics) uint64 { return km.Errored })
	writeKindCounter(&b, "fbspeed_sessions_cancelled_total", kinds, func(km KindMetrics) uint64 { return km.Cancelled })
	b.WriteString("# TYPE fbspeed_sessions_active gauge\n")
	b.WriteString("fbspeed_sessions_active ")
	b.WriteString(strconv.Itoa(active))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_last_speed_bps gauge\n")
	for _, k := range []session.Kind{session.KindDownload, session.KindUpload} {
		b.WriteString("fbspeed_last_speed_bps{kind=\"")
		b.WriteString(k.String())
		b.WriteString("\"} ")
		b.WriteString(formatFloat(kinds[k].LastBps))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE fbspeed_last_latency_ms gauge\n")
	b.WriteString("fbspeed_last_latency_ms ")
	b.WriteString(formatFloat(kinds[session.KindLatency].LastLatencyMs))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_last_jitter_ms gauge\n")
	b.WriteString("fbspeed_last_jitter_ms ")
	b.WriteString(formatFloat(kinds[session.KindLatency].LastJitterMs))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_session_errors_total counter\n")
	for _, code := range codes {
		b.WriteString("fbspeed_session_errors_total{code=\"")
		b.WriteString(code)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(errorCodes[code], 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE fbspeed_bytes_transferred_total counter\n")
	b.WriteString("fbspeed_bytes_transferred_total ")
	b.WriteString(strconv.FormatUint(m.bytesTotal.Load(), 10))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_server_ping_ms gauge\n")
	for _, name := range names {
		b.WriteString("fbspeed_server_ping_ms{server=\"")
		b.WriteString(escapeLabel(name))
		b.WriteString("\"} ")
		b.WriteString(formatFloat(servers[name].pingMs))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE fbspeed_server_reachable gauge\n")
	for _, name := range names {
		val := "0"
		if servers[name].reachable {
			val = "1"
		}
		b.WriteString("fbspeed_server_reachable{server=\"")
		b.WriteString(escapeLabel(name))
		b.WriteString("\"} ")
		b.WriteString(val)
		b.WriteString("\n")
	}
	b.WriteString("# TYPE fbspeed_selected_server gauge\n")
	for _, name := range names {
		val := "0"
		if name == selected && selected != "" {
			val = "1"
		}
		b.WriteString("fbspeed_selected_server{server=\"")
		b.WriteString(escapeLabel(name))
		b.WriteString("\"} ")
		b.WriteString(val)
		b.WriteString("\n")
	}
	b.WriteString("# TYPE fbspeed_selections_total counter\n")
	b.WriteString("fbspeed_selections_total ")
	b.WriteString(strconv.FormatUint(selections, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_selections_failed_total counter\n")
	b.WriteString("fbspeed_selections_failed_total ")
	b.WriteString(strconv.FormatUint(selectionFailed, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_memory_alloc_bytes gauge\n")
	b.WriteString("fbspeed_memory_alloc_bytes ")
	b.WriteString(strconv.FormatUint(memoryAlloc, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE fbspeed_uptime_seconds gauge\n")
	b.WriteString("fbspeed_uptime_seconds ")
	if startTime.IsZero() {
		b.WriteString("0\n")
	} else {
		b.WriteString(formatFloat(time.Since(startTime).Seconds()))
		b.WriteString("\n")
	}
	return b.String()
}

func writeKindCounter(b *strings.Builder, name string, kinds map[session.Kind]KindMetrics, value func(KindMetrics) uint64) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" counter\n")
	for _, k := range kindOrder {
		b.WriteString(name)
		b.WriteString("{kind=\"")
		b.WriteString(k.String())
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(value(kinds[k]), 10))
		b.WriteString("\n")
	}
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
