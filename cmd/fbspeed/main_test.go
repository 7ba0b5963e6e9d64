package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/NodePath81/fbspeed/internal/throughput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &progressPrinter{out: &buf}

	p.print(session.Event{Kind: session.KindDownload, Type: session.EventProgress,
		Progress: &session.Progress{Percent: 50, Rate: &session.Rate{BitsPerSecond: 94.5e6, Value: 94.5, Unit: throughput.UnitMbps}}})
	assert.Contains(t, buf.String(), "50.0%")
	assert.Contains(t, buf.String(), "94.50 Mbps")

	buf.Reset()
	p.print(session.Event{Kind: session.KindUpload, Type: session.EventCompleted,
		Completed: &session.Completed{Rate: &session.Rate{Value: 12, Unit: throughput.UnitMbps}, Bytes: 1000, Elapsed: 2 * time.Second, Partial: true}})
	assert.Contains(t, buf.String(), "upload: 12.00 Mbps")
	assert.Contains(t, buf.String(), "timeout reached")

	buf.Reset()
	p.print(session.Event{Kind: session.KindLatency, Type: session.EventCompleted,
		Completed: &session.Completed{Latency: &latency.Result{AverageMs: 15, JitterMs: 7.5, Samples: 3}}})
	assert.Contains(t, buf.String(), "latency: 15.00 ms  jitter: 7.50 ms")

	buf.Reset()
	p.print(session.Event{Kind: session.KindDownload, Type: session.EventErrored,
		Error: &session.ErrorInfo{Code: session.CodeTimeout, Message: "operation timed out"}})
	assert.Contains(t, buf.String(), "[timeout]")
}

func TestLoadOptionalConfig(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := loadOptionalConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "cumulative", cfg.Test.ComputationMode)

	_, err = loadOptionalConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
