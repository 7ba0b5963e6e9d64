// Package latency measures round-trip time and jitter with repeated connect
// probes against a single target.
package latency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	DefaultSamples = 100
	DefaultTimeout = 5 * time.Second
	DefaultDelay   = 100 * time.Millisecond
)

// ErrProbeFailed marks a run aborted by a failed sample.
var ErrProbeFailed = errors.New("latency probe failed")

// Connector performs one connect probe and reports how long it took.
type Connector interface {
	Connect(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)

func (f ConnectorFunc) Connect(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	return f(ctx, target, timeout)
}

type RunConfig struct {
	Samples int
	Timeout time.Duration
	Delay   time.Duration
}

func DefaultRunConfig() RunConfig {
	return RunConfig{Samples: DefaultSamples, Timeout: DefaultTimeout, Delay: DefaultDelay}
}

func (c RunConfig) withDefaults() RunConfig {
	if c.Samples <= 0 {
		c.Samples = DefaultSamples
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	return c
}

// Progress is emitted after each successful sample.
type Progress struct {
	Sample    Sample
	Total     int
	Percent   float64
	LatencyMs float64
	JitterMs  float64
}

type ProgressFunc func(Progress)

type Prober struct {
	conn   Connector
	logger util.Logger
}

func NewProber(conn Connector, logger util.Logger) *Prober {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Prober{conn: conn, logger: logger}
}

// Probe runs a single connect probe.
func (p *Prober) Probe(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return p.conn.Connect(ctx, target, timeout)
}

// Run collects cfg.Samples sequential probes. Cancellation of ctx is checked
// before each sample and returns ctx.Err() with the samples discarded. A
// failed sample aborts the run with an error wrapping ErrProbeFailed.
func (p *Prober) Run(ctx context.Context, target string, cfg RunConfig, progress ProgressFunc) (Result, error) {
	cfg = cfg.withDefaults()
	window := newSampleWindow(cfg.Samples)

	for i := 0; i < cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rtt, err := p.conn.Connect(ctx, target, cfg.Timeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			p.logger.Debug("latency sample failed", "target", target, "index", i, "error", err)
			return Result{}, fmt.Errorf("%w: sample %d: %w", ErrProbeFailed, i+1, err)
		}
		sample := Sample{Index: i, RTT: rtt, OK: true}
		window.add(sample)
		if progress != nil {
			progress(Progress{
				Sample:    sample,
				Total:     cfg.Samples,
				Percent:   float64(i+1) / float64(cfg.Samples) * 100,
				LatencyMs: window.latest(),
				JitterMs:  window.jitter(),
			})
		}
		if i+1 < cfg.Samples && cfg.Delay > 0 {
			timer := time.NewTimer(cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	res := window.result()
	p.logger.Debug("latency run complete", "target", target, "avg_ms", res.AverageMs, "jitter_ms", res.JitterMs)
	return res, nil
}

// IsTimeout reports whether err came from a probe deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
