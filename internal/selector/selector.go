// Package selector picks the lowest-latency server from a candidate list by
// pinging candidates in parallel buckets.
package selector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	DefaultConcurrency   = 6
	DefaultAttempts      = 3
	DefaultSlowThreshold = 500 * time.Millisecond
	DefaultPingTimeout   = 2 * time.Second
)

var ErrNoReachableHost = errors.New("no reachable host")

// Pinger runs one latency probe. *latency.Prober satisfies it.
type Pinger interface {
	Probe(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)
}

type Config struct {
	// Concurrency is the number of buckets probed in parallel.
	Concurrency int
	// Attempts is the ping budget per host.
	Attempts int
	// SlowThreshold stops probing a host after a ping at or above it.
	SlowThreshold time.Duration
	// Timeout bounds each ping.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency,
		Attempts:      DefaultAttempts,
		SlowThreshold: DefaultSlowThreshold,
		Timeout:       DefaultPingTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = d.SlowThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type Selector struct {
	pinger Pinger
	cfg    Config
	logger util.Logger
}

func New(p Pinger, cfg Config, logger util.Logger) *Selector {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Selector{pinger: p, cfg: cfg.withDefaults(), logger: logger}
}

// Selection is the outcome of one asynchronous selection round.
type Selection struct {
	Best *hosts.Candidate
	Err  error
}

// SelectAsync runs SelectBest in the background. The returned channel yields
// exactly one Selection and is then closed.
func (s *Selector) SelectAsync(ctx context.Context, candidates []*hosts.Candidate) <-chan Selection {
	out := make(chan Selection, 1)
	go func() {
		defer close(out)
		best, err := s.SelectBest(ctx, candidates)
		out <- Selection{Best: best, Err: err}
	}()
	return out
}

type bucketBest struct {
	cand *hosts.Candidate
	ping time.Duration
}

// SelectBest pings every candidate and returns the one with the lowest ping.
// Candidate i is probed by bucket i mod Concurrency; buckets run in parallel
// and probe their hosts one after another. Equal pings resolve to the
// candidate that comes first in the input.
func (s *Selector) SelectBest(ctx context.Context, candidates []*hosts.Candidate) (*hosts.Candidate, error) {
	for _, c := range candidates {
		c.ResetPing()
	}
	buckets := s.cfg.Concurrency
	if len(candidates) < buckets {
		buckets = len(candidates)
	}

	results := make([]*bucketBest, buckets)
	var wg sync.WaitGroup
	for b := 0; b < buckets; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			results[b] = s.runBucket(ctx, candidates, b, buckets)
		}(b)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *bucketBest
	for _, r := range results {
		if r == nil {
			continue
		}
		if best == nil || r.ping < best.ping || (r.ping == best.ping && r.cand.Index < best.cand.Index) {
			best = r
		}
	}
	if best == nil {
		s.logger.Warn("server selection found no reachable host", "candidates", len(candidates))
		return nil, ErrNoReachableHost
	}
	s.logger.Info("server selected", "name", best.cand.Server.Name, "ping_ms", util.Millis(best.ping))
	return best.cand, nil
}

func (s *Selector) runBucket(ctx context.Context, candidates []*hosts.Candidate, bucket, stride int) *bucketBest {
	var best *bucketBest
	for i := bucket; i < len(candidates); i += stride {
		if ctx.Err() != nil {
			return best
		}
		c := candidates[i]
		ping, ok := s.probeHost(ctx, c)
		if !ok {
			continue
		}
		if best == nil || ping < best.ping {
			best = &bucketBest{cand: c, ping: ping}
		}
	}
	return best
}

// probeHost pings c up to Attempts times, stopping after a failure or a slow
// reply, and records the fastest successful ping on the candidate.
func (s *Selector) probeHost(ctx context.Context, c *hosts.Candidate) (time.Duration, bool) {
	target := c.Server.PingURL()
	var best time.Duration
	ok := false
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		rtt, err := s.pinger.Probe(ctx, target, s.cfg.Timeout)
		if err != nil {
			s.logger.Debug("ping failed", "server", c.Server.Name, "attempt", attempt+1, "error", err)
			break
		}
		if !ok || rtt < best {
			best = rtt
			ok = true
		}
		if rtt >= s.cfg.SlowThreshold {
			break
		}
	}
	if !ok {
		s.logger.Debug("server unreachable", "server", c.Server.Name)
		return 0, false
	}
	c.SetPing(best)
	s.logger.Debug("server pinged", "server", c.Server.Name, "ping_ms", util.Millis(best))
	return best, true
}
