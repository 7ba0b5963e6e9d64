package app

import (
	"context"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/control"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/robfig/cron/v3"
)

const initialSelectTimeout = 30 * time.Second

type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	engine  *Engine
	hub     *control.EventHub
	control *control.ControlServer
	cron    *cron.Cron
	wg      sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := control.NewEventHub(ctx.Done(), logger)
	engine, err := NewEngine(cfg, logger, hub)
	if err != nil {
		cancel()
		return nil, err
	}
	engine.Metrics.Start(ctx.Done())

	rt := &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		engine: engine,
		hub:    hub,
	}
	rt.control = control.NewControlServer(cfg, control.Deps{
		Sessions:   engine.Sessions,
		Registry:   engine.Registry,
		Selector:   engine.Selector,
		ClientInfo: engine.ClientInfo,
		Metrics:    engine.Metrics,
		Hub:        hub,
		Restart:    restartFn,
		Logger:     logger,
	})
	return rt, nil
}

func (r *Runtime) Start() error {
	if err := r.control.Start(r.ctx); err != nil {
		return err
	}
	if spec := r.cfg.Selection.Reselect; spec != "" {
		r.cron = cron.New(cron.WithParser(config.ScheduleParser()))
		if _, err := r.cron.AddFunc(spec, r.reselect); err != nil {
			return err
		}
		r.cron.Start()
		r.logger.Info("periodic server selection enabled", "schedule", spec)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.prepareServers()
	}()
	return nil
}

// reselect repeats the selection. It is skipped while any test runs.
func (r *Runtime) reselect() {
	if r.ctx.Err() != nil || r.engine.Registry.Len() == 0 {
		return
	}
	if active := r.engine.Sessions.ActiveIDs(); len(active) > 0 {
		r.logger.Debug("scheduled selection skipped", "active_sessions", len(active))
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, initialSelectTimeout)
	defer cancel()
	best, _, err := r.engine.SelectBest(ctx)
	if err != nil {
		r.logger.Warn("scheduled server selection failed", "error", err)
		return
	}
	r.logger.Info("scheduled server selection", "server", best.Server.Name)
}

// prepareServers loads the server registry and runs an initial selection so
// StartTest calls without an explicit server have a target.
func (r *Runtime) prepareServers() {
	if err := r.engine.LoadServers(r.ctx); err != nil {
		r.logger.Error("server registry load failed", "error", err)
		return
	}
	if r.engine.Registry.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, initialSelectTimeout)
	defer cancel()
	if _, _, err := r.engine.SelectBest(ctx); err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn("initial server selection failed", "error", err)
		}
	}
}

// Stop cancels running sessions while the event hub is still up, so
// websocket clients see their Cancelled events, then tears everything down.
func (r *Runtime) Stop() {
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.engine.Sessions.Close()
	r.cancel()
	r.wait()
	r.engine.Close()
}

func (r *Runtime) wait() {
	r.wg.Wait()
}
