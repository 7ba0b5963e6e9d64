package app

import (
	"context"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/util"
)

type Supervisor struct {
	configPath string
	logger     util.Logger
	mu         sync.Mutex
	runtime    *Runtime
	watchStop  context.CancelFunc
	watchDone  chan struct{}
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	applyLogging(cfg)
	runtime, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	startWatch := cfg.Control.WatchEnabled() && s.watchStop == nil
	if startWatch {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchStop = cancel
		s.watchDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			WatchConfig(ctx, s.configPath, s.logger, s.reload)
		}(s.watchDone)
	}
	s.mu.Unlock()
	notifyService(s.logger, daemon.SdNotifyReady)
	return nil
}

// reload restarts the runtime after the config file changed. A config that
// fails to parse leaves the running runtime untouched.
func (s *Supervisor) reload() {
	if _, err := config.LoadConfig(s.configPath); err != nil {
		s.logger.Warn("config change rejected", "path", s.configPath, "error", err)
		return
	}
	s.logger.Info("config changed; restarting", "path", s.configPath)
	if err := s.Restart(); err != nil {
		s.logger.Error("restart failed", "error", err)
	}
}

func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	notifyService(s.logger, daemon.SdNotifyReloading)
	if current != nil {
		current.Stop()
	}
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	stop, done := s.watchStop, s.watchDone
	s.watchStop, s.watchDone = nil, nil
	s.mu.Unlock()
	notifyService(s.logger, daemon.SdNotifyStopping)
	if stop != nil {
		stop()
		<-done
	}
	if current != nil {
		current.Stop()
	}
}

func applyLogging(cfg config.Config) {
	if cfg.Logging.Diagnostics {
		util.SetDiagnostics(true)
		return
	}
	_ = util.SetLevel(cfg.Logging.Level)
}
