package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NodePath81/fbspeed/internal/clientinfo"
	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/metrics"
	"github.com/NodePath81/fbspeed/internal/selector"
	"github.com/NodePath81/fbspeed/internal/session"
	"github.com/NodePath81/fbspeed/internal/transport"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	serverListTimeout = 15 * time.Second
	discoveryTimeout  = 20 * time.Second
)

// Engine bundles the measurement components built from one config. The
// CLI uses it directly; Runtime adds the control surface on top.
type Engine struct {
	cfg        config.Config
	logger     util.Logger
	client     *http.Client
	Registry   *hosts.Registry
	Selector   *selector.Selector
	Sessions   *session.Manager
	ClientInfo *clientinfo.Resolver
	Metrics    *metrics.Metrics
	discoverer *hosts.Discoverer
}

func NewEngine(cfg config.Config, logger util.Logger, sinks ...session.EventSink) (*Engine, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	client := &http.Client{}
	info, err := clientinfo.NewResolver(client, cfg.GeoIP.Database)
	if err != nil {
		return nil, err
	}
	m := metrics.NewMetrics()
	fan := session.FanOut{m}
	for _, s := range sinks {
		fan = append(fan, s)
	}

	testProber := latency.NewProber(latency.NewConnector(cfg.Latency.Method), logger)
	selectProber := latency.NewProber(latency.NewConnector(cfg.Selection.Method), logger)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		Registry: hosts.NewRegistry(client),
		Selector: selector.New(selectProber, selector.Config{
			Concurrency:   cfg.Selection.Concurrency,
			Attempts:      cfg.Selection.Attempts,
			SlowThreshold: cfg.Selection.SlowThreshold.Duration(),
			Timeout:       cfg.Selection.PingTimeout.Duration(),
		}, logger),
		Sessions: session.NewManager(session.Dependencies{
			Transfer: transport.NewHTTP(nil),
			Prober:   testProber,
			Sink:     fan,
			Logger:   logger,
			Defaults: session.ParamsFromConfig(cfg),
		}),
		ClientInfo: info,
		Metrics:    m,
	}
	if cfg.Discovery.SpeedtestNet.Enabled {
		e.discoverer = hosts.NewDiscoverer(cfg.Discovery.SpeedtestNet.MaxServers)
	}
	return e, nil
}

// LoadServers fills the registry from the configured servers, the remote
// server list and speedtest.net discovery. Remote sources that fail are
// logged; an error is returned only when nothing could be registered.
func (e *Engine) LoadServers(ctx context.Context) error {
	var errs []error
	configured := make([]hosts.Server, 0, len(e.cfg.Servers))
	for _, s := range e.cfg.Servers {
		configured = append(configured, hosts.FromConfig(s))
	}
	if err := e.Registry.AddAll(configured); err != nil {
		return fmt.Errorf("configured servers: %w", err)
	}

	if e.cfg.ServerListURL != "" {
		listCtx, cancel := context.WithTimeout(ctx, serverListTimeout)
		list, err := e.Registry.LoadList(listCtx, e.cfg.ServerListURL)
		cancel()
		if err != nil {
			e.logger.Warn("server list load failed", "url", e.cfg.ServerListURL, "error", err)
			errs = append(errs, err)
		} else {
			e.logger.Info("server list loaded", "url", e.cfg.ServerListURL, "servers", len(list))
		}
	}

	if e.discoverer != nil {
		discCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		found, err := e.discoverer.Discover(discCtx)
		cancel()
		if err == nil {
			err = e.Registry.AddAll(found)
		}
		if err != nil {
			e.logger.Warn("speedtest.net discovery failed", "error", err)
			errs = append(errs, err)
		} else {
			e.logger.Info("speedtest.net servers discovered", "servers", len(found))
		}
	}

	if e.Registry.Len() == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("no servers available: %w", errors.Join(errs...))
		}
		e.logger.Warn("no servers configured")
	}
	return nil
}

// SelectBest runs a selection round over the registry and stores the winner
// as the selected server.
func (e *Engine) SelectBest(ctx context.Context) (*hosts.Candidate, []*hosts.Candidate, error) {
	candidates := hosts.NewCandidates(e.Registry.List())
	sel := <-e.Selector.SelectAsync(ctx, candidates)
	best, err := sel.Best, sel.Err
	e.Metrics.RecordSelection(candidates, best)
	if err != nil {
		return nil, candidates, err
	}
	if err := e.Registry.SetSelected(best.Server); err != nil {
		return nil, candidates, err
	}
	return best, candidates, nil
}

// ResolveServer returns the named server, or the selected one when name is
// empty.
func (e *Engine) ResolveServer(name string) (hosts.Server, error) {
	if name == "" {
		return e.Registry.Selected()
	}
	s, ok := e.Registry.Find(name)
	if !ok {
		return hosts.Server{}, fmt.Errorf("%w: unknown server %q", session.ErrInvalidServer, name)
	}
	return s, nil
}

func (e *Engine) Close() {
	e.Sessions.Close()
	if err := e.ClientInfo.Close(); err != nil {
		e.logger.Warn("geoip close failed", "error", err)
	}
	e.client.CloseIdleConnections()
}
