package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultFileSize       = "10mib"
	defaultTestTimeout    = 20 * time.Second
	defaultReportInterval = 500 * time.Millisecond
	minReportInterval     = 10 * time.Millisecond

	defaultSampleCount      = 100
	defaultInterSampleDelay = 100 * time.Millisecond
	defaultPerSampleTimeout = 5 * time.Second

	defaultSelectionConcurrency  = 6
	defaultSelectionAttempts     = 3
	defaultSelectionSlow         = 500 * time.Millisecond
	defaultSelectionPingTimeout  = 2 * time.Second
	defaultDiscoveryMaxServers   = 10
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8090
	defaultControlMetricsEnabled = true
	defaultControlWatchConfig    = true

	ModeCumulative = "cumulative"
	ModeSliding    = "sliding"

	MethodTCP  = "tcp"
	MethodHTTP = "http"
	MethodICMP = "icmp"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname      string          `yaml:"hostname"`
	Logging       LoggingConfig   `yaml:"logging"`
	Test          TestConfig      `yaml:"test"`
	Latency       LatencyConfig   `yaml:"latency"`
	Selection     SelectionConfig `yaml:"selection"`
	Servers       []ServerConfig  `yaml:"servers"`
	ServerListURL string          `yaml:"server_list_url"`
	Discovery     DiscoveryConfig `yaml:"discovery"`
	GeoIP         GeoIPConfig     `yaml:"geoip"`
	Control       ControlConfig   `yaml:"control"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Diagnostics mirrors the runtime log toggle; when set it forces debug.
	Diagnostics bool `yaml:"diagnostics"`
}

type TestConfig struct {
	FileSize        string   `yaml:"file_size"`
	Timeout         Duration `yaml:"timeout"`
	ReportInterval  Duration `yaml:"report_interval"`
	Warmup          Duration `yaml:"warmup"`
	ComputationMode string   `yaml:"computation_mode"`

	FileSizeBytes int64 `yaml:"-"`
}

type LatencyConfig struct {
	SampleCount      int      `yaml:"sample_count"`
	InterSampleDelay Duration `yaml:"inter_sample_delay"`
	PerSampleTimeout Duration `yaml:"per_sample_timeout"`
	Method           string   `yaml:"method"`
}

type SelectionConfig struct {
	Concurrency   int      `yaml:"concurrency"`
	Attempts      int      `yaml:"attempts"`
	SlowThreshold Duration `yaml:"slow_threshold"`
	PingTimeout   Duration `yaml:"ping_timeout"`
	Method        string   `yaml:"method"`
	// Reselect is an optional cron spec ("@every 15m", "0 * * * *") for
	// repeating the selection while the control server runs.
	Reselect string `yaml:"reselect"`
}

// ServerConfig is a test point in the LibreSpeed server-list layout.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Server   string `yaml:"server"`
	DLURL    string `yaml:"dl_url"`
	ULURL    string `yaml:"ul_url"`
	PingURL  string `yaml:"ping_url"`
	GetIPURL string `yaml:"get_ip_url"`
}

type DiscoveryConfig struct {
	SpeedtestNet SpeedtestNetConfig `yaml:"speedtest_net"`
}

type SpeedtestNetConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxServers int  `yaml:"max_servers"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

type ControlConfig struct {
	BindAddr    string               `yaml:"bind_addr"`
	BindPort    int                  `yaml:"bind_port"`
	AuthToken   string               `yaml:"auth_token"`
	Metrics     ControlMetricsConfig `yaml:"metrics"`
	WatchConfig *bool                `yaml:"watch_config"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func (c ControlConfig) WatchEnabled() bool {
	return util.BoolValue(c.WatchConfig, defaultControlWatchConfig)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no servers.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	cfg.Test.FileSizeBytes, _ = ParseSize(cfg.Test.FileSize)
	return cfg
}

func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	if c.Test.FileSize == "" {
		c.Test.FileSize = defaultFileSize
	}
	if c.Test.Timeout == 0 {
		c.Test.Timeout = Duration(defaultTestTimeout)
	}
	if c.Test.ReportInterval == 0 {
		c.Test.ReportInterval = Duration(defaultReportInterval)
	}
	if c.Test.ComputationMode == "" {
		c.Test.ComputationMode = ModeCumulative
	}

	if c.Latency.SampleCount == 0 {
		c.Latency.SampleCount = defaultSampleCount
	}
	if c.Latency.InterSampleDelay == 0 {
		c.Latency.InterSampleDelay = Duration(defaultInterSampleDelay)
	}
	if c.Latency.PerSampleTimeout == 0 {
		c.Latency.PerSampleTimeout = Duration(defaultPerSampleTimeout)
	}
	if c.Latency.Method == "" {
		c.Latency.Method = MethodTCP
	}

	if c.Selection.Concurrency == 0 {
		c.Selection.Concurrency = defaultSelectionConcurrency
	}
	if c.Selection.Attempts == 0 {
		c.Selection.Attempts = defaultSelectionAttempts
	}
	if c.Selection.SlowThreshold == 0 {
		c.Selection.SlowThreshold = Duration(defaultSelectionSlow)
	}
	if c.Selection.PingTimeout == 0 {
		c.Selection.PingTimeout = Duration(defaultSelectionPingTimeout)
	}
	if c.Selection.Method == "" {
		c.Selection.Method = MethodHTTP
	}

	if c.Discovery.SpeedtestNet.MaxServers == 0 {
		c.Discovery.SpeedtestNet.MaxServers = defaultDiscoveryMaxServers
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}
	if c.Control.WatchConfig == nil {
		watch := defaultControlWatchConfig
		c.Control.WatchConfig = &watch
	}
}

func (c *Config) validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error: %q", c.Logging.Level)
	}

	size, err := ParseSize(c.Test.FileSize)
	if err != nil {
		return fmt.Errorf("test.file_size: %w", err)
	}
	if size <= 0 {
		return errors.New("test.file_size must be > 0")
	}
	c.Test.FileSizeBytes = size
	if c.Test.Timeout.Duration() <= 0 {
		return errors.New("test.timeout must be > 0")
	}
	if c.Test.ReportInterval.Duration() < minReportInterval {
		return fmt.Errorf("test.report_interval must be >= %s", minReportInterval)
	}
	if c.Test.Warmup.Duration() < 0 {
		return errors.New("test.warmup must be >= 0")
	}
	if c.Test.Warmup.Duration() >= c.Test.Timeout.Duration() {
		return errors.New("test.warmup must be < test.timeout")
	}
	c.Test.ComputationMode = strings.ToLower(strings.TrimSpace(c.Test.ComputationMode))
	switch c.Test.ComputationMode {
	case ModeCumulative, ModeSliding:
	default:
		return fmt.Errorf("test.computation_mode must be %s or %s: %q", ModeCumulative, ModeSliding, c.Test.ComputationMode)
	}

	if c.Latency.SampleCount <= 0 {
		return errors.New("latency.sample_count must be > 0")
	}
	if c.Latency.InterSampleDelay.Duration() < 0 {
		return errors.New("latency.inter_sample_delay must be >= 0")
	}
	if c.Latency.PerSampleTimeout.Duration() <= 0 {
		return errors.New("latency.per_sample_timeout must be > 0")
	}
	if err := validateMethod("latency.method", &c.Latency.Method); err != nil {
		return err
	}

	if c.Selection.Concurrency <= 0 {
		return errors.New("selection.concurrency must be > 0")
	}
	if c.Selection.Attempts <= 0 {
		return errors.New("selection.attempts must be > 0")
	}
	if c.Selection.SlowThreshold.Duration() <= 0 || c.Selection.PingTimeout.Duration() <= 0 {
		return errors.New("selection.slow_threshold and ping_timeout must be > 0")
	}
	if c.Selection.Reselect != "" {
		if _, err := ParseSchedule(c.Selection.Reselect); err != nil {
			return fmt.Errorf("selection.reselect: %w", err)
		}
	}
	if err := validateMethod("selection.method", &c.Selection.Method); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		srv := &c.Servers[i]
		srv.Name = strings.TrimSpace(srv.Name)
		srv.Server = strings.TrimSpace(srv.Server)
		if srv.Name == "" {
			return fmt.Errorf("servers[%d].name must not be empty", i)
		}
		if _, ok := seen[srv.Name]; ok {
			return fmt.Errorf("duplicate server name: %s", srv.Name)
		}
		seen[srv.Name] = struct{}{}
		if srv.Server == "" {
			return fmt.Errorf("servers[%s].server must not be empty", srv.Name)
		}
		if srv.DLURL == "" || srv.ULURL == "" || srv.PingURL == "" {
			return fmt.Errorf("servers[%s].dl_url, ul_url and ping_url must not be empty", srv.Name)
		}
	}

	if c.ServerListURL != "" {
		u, err := url.Parse(c.ServerListURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server_list_url must be an http(s) URL: %q", c.ServerListURL)
		}
	}
	if c.Discovery.SpeedtestNet.MaxServers < 0 {
		return errors.New("discovery.speedtest_net.max_servers must be >= 0")
	}

	if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
		return errors.New("control.bind_port must be in 1..65535")
	}
	if c.Control.AuthToken == "" && !isLoopback(c.Control.BindAddr) {
		return errors.New("control.auth_token is required when control.bind_addr is not a loopback address")
	}
	return nil
}

func validateMethod(path string, method *string) error {
	*method = strings.ToLower(strings.TrimSpace(*method))
	switch *method {
	case MethodTCP, MethodHTTP, MethodICMP:
		return nil
	default:
		return fmt.Errorf("%s must be one of tcp, http, icmp: %q", path, *method)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard five-field cron spec or a descriptor such
// as "@hourly" or "@every 10m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(strings.TrimSpace(spec))
}

func ScheduleParser() cron.Parser {
	return scheduleParser
}
