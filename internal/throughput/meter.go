// Package throughput turns raw (bytes, elapsed) observations from a transfer
// into speed reports.
package throughput

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Mode selects how CurrentSpeed is computed.
type Mode int

const (
	// ModeCumulative reports total bytes over total elapsed time.
	ModeCumulative Mode = iota
	// ModeSliding reports bytes since the previous report over the time since
	// that report, then restarts the window.
	ModeSliding
)

func (m Mode) String() string {
	switch m {
	case ModeCumulative:
		return "cumulative"
	case ModeSliding:
		return "sliding"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cumulative", "median_all_time":
		return ModeCumulative, nil
	case "sliding", "median_interval":
		return ModeSliding, nil
	default:
		return ModeCumulative, fmt.Errorf("unknown computation mode %q", s)
	}
}

type MeterConfig struct {
	Mode Mode
	// Warmup suppresses reports while elapsed <= Warmup. Bytes still count.
	Warmup time.Duration
	// ReportInterval is the minimum spacing between reports; reports arriving
	// sooner are dropped. Zero disables throttling.
	ReportInterval time.Duration
}

// Meter accumulates transfer progress. It is safe for concurrent use.
type Meter struct {
	mu  sync.Mutex
	cfg MeterConfig

	origin  time.Time
	limiter *rate.Limiter

	totalBytes int64
	elapsed    time.Duration

	windowBytes int64
	windowStart time.Duration
}

func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Warmup < 0 {
		cfg.Warmup = 0
	}
	limit := rate.Inf
	if cfg.ReportInterval > 0 {
		limit = rate.Every(cfg.ReportInterval)
	}
	return &Meter{
		cfg:     cfg,
		origin:  time.Now(),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Observe records bytes transferred since the previous call. elapsed is
// measured from the start of the test. When the sample is report-eligible
// (past warm-up and not throttled) the current speed is returned with true.
func (m *Meter) Observe(bytes int64, elapsed time.Duration) (Speed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(bytes, elapsed)
	if elapsed <= m.cfg.Warmup {
		return Speed{}, false
	}
	// The limiter is evaluated on the sample clock, not the wall clock, so the
	// spacing of reports follows the elapsed values callers supply.
	if !m.limiter.AllowN(m.origin.Add(elapsed), 1) {
		return Speed{}, false
	}
	return m.currentLocked(), true
}

func (m *Meter) record(bytes int64, elapsed time.Duration) {
	if bytes < 0 {
		bytes = 0
	}
	m.totalBytes += bytes
	m.windowBytes += bytes
	if elapsed > m.elapsed {
		m.elapsed = elapsed
	}
}

// CurrentSpeed returns the speed for the configured mode. In sliding mode the
// window restarts at the latest observed instant.
func (m *Meter) CurrentSpeed() Speed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Meter) currentLocked() Speed {
	if m.cfg.Mode == ModeSliding {
		speed := FromBytes(m.windowBytes, m.elapsed-m.windowStart)
		m.windowBytes = 0
		m.windowStart = m.elapsed
		return speed
	}
	return FromBytes(m.totalBytes, m.elapsed)
}

// FinalSpeed is the cumulative average over the whole test regardless of mode.
func (m *Meter) FinalSpeed() Speed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FromBytes(m.totalBytes, m.elapsed)
}

// Finalize extends the elapsed time to end (e.g. the moment a transfer is
// cut off) and returns the cumulative speed.
func (m *Meter) Finalize(end time.Duration) Speed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end > m.elapsed {
		m.elapsed = end
	}
	return FromBytes(m.totalBytes, m.elapsed)
}

func (m *Meter) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

func (m *Meter) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}
