package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("hostname: lab\n"))
	require.NoError(t, err)

	assert.Equal(t, "lab", cfg.Hostname)
	assert.Equal(t, int64(10*1024*1024), cfg.Test.FileSizeBytes)
	assert.Equal(t, 20*time.Second, cfg.Test.Timeout.Duration())
	assert.Equal(t, 500*time.Millisecond, cfg.Test.ReportInterval.Duration())
	assert.Equal(t, ModeCumulative, cfg.Test.ComputationMode)
	assert.Equal(t, 100, cfg.Latency.SampleCount)
	assert.Equal(t, 100*time.Millisecond, cfg.Latency.InterSampleDelay.Duration())
	assert.Equal(t, 5*time.Second, cfg.Latency.PerSampleTimeout.Duration())
	assert.Equal(t, 6, cfg.Selection.Concurrency)
	assert.Equal(t, 3, cfg.Selection.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Selection.SlowThreshold.Duration())
	assert.True(t, cfg.Control.Metrics.IsEnabled())
	assert.True(t, cfg.Control.WatchEnabled())
}

func TestDurationAcceptsSecondsAndStrings(t *testing.T) {
	cfg, err := Parse([]byte(`
test:
  timeout: 15
  report_interval: 250ms
  warmup: 1.5
`))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Test.Timeout.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Test.ReportInterval.Duration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Test.Warmup.Duration())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad mode":        "test:\n  computation_mode: median\n",
		"tiny interval":   "test:\n  report_interval: 1ms\n",
		"warmup too long": "test:\n  timeout: 2s\n  warmup: 3s\n",
		"bad method":      "latency:\n  method: udp\n",
		"negative delay":  "latency:\n  inter_sample_delay: -1s\n",
		"missing server":  "servers:\n  - name: a\n    dl_url: garbage\n    ul_url: empty\n    ping_url: empty\n",
		"missing paths":   "servers:\n  - name: a\n    server: http://a/\n",
		"duplicate name": `servers:
  - {name: a, server: "http://a/", dl_url: d, ul_url: u, ping_url: p}
  - {name: a, server: "http://b/", dl_url: d, ul_url: u, ping_url: p}
`,
		"bad list url": "server_list_url: ftp://example.com/list.json\n",
		"bad port":     "control:\n  bind_port: 70000\n",
		"bad level":    "logging:\n  level: loud\n",
		"bad reselect": "selection:\n  reselect: sometimes\n",
		"open no auth": "control:\n  bind_addr: 0.0.0.0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: Local
    server: http://127.0.0.1:8080
    dl_url: garbage.php
    ul_url: empty.php
    ping_url: empty.php
    get_ip_url: getIP.php
test:
  file_size: 25mb
  computation_mode: Sliding
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "Local", cfg.Servers[0].Name)
	assert.Equal(t, int64(25_000_000), cfg.Test.FileSizeBytes)
	assert.Equal(t, ModeSliding, cfg.Test.ComputationMode)
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1200", 1200},
		{"500kb", 500_000},
		{"1MB", 1_000_000},
		{"2gb", 2_000_000_000},
		{"512KiB", 512 * 1024},
		{"10mib", 10 * 1024 * 1024},
		{"1gib", 1 << 30},
		{"64b", 64},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseSize("-1mb")
	assert.Error(t, err)
	_, err = ParseSize("mib")
	assert.Error(t, err)
}

func TestControlAuthAndReselect(t *testing.T) {
	cfg, err := Parse([]byte("control:\n  bind_addr: 0.0.0.0\n  auth_token: abc\nselection:\n  reselect: \"@every 10m\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Control.AuthToken)

	sched, err := ParseSchedule(cfg.Selection.Reselect)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(10*time.Minute), sched.Next(now))

	_, err = Parse([]byte("control:\n  bind_addr: localhost\n"))
	assert.NoError(t, err)
}
