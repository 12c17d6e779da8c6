// Package app constructs and wires the whole delivery subsystem. Every
// dependency is built here and passed down explicitly; packages below this
// one hold no global state.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flockcast/internal/config"
	"flockcast/internal/delivery"
	"flockcast/internal/digest"
	"flockcast/internal/httpapi"
	"flockcast/internal/notify"
	"flockcast/internal/push"
	"flockcast/internal/registry"
	"flockcast/internal/storage"
	"flockcast/internal/transport"
	"flockcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store *storage.Store
	reg   registry.Registry
	local *transport.Local // nil for the managed provider

	dispatcher *delivery.Service
	pushd      *push.Dispatcher // nil when push is disabled
	escalator  *notify.Escalator
	digestd    *digest.Scheduler // nil when the digest is disabled
	server     *httpapi.Server

	serverErr <-chan error

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logSvc, log: log}
	if err := a.wire(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	// The provider decides both transport and registry backing: local keeps
	// everything in-process, managed goes through the gateway with the
	// registry in the store so stateless workers share it.
	var sender transport.Sender
	switch cfg.Delivery.Provider {
	case config.ProviderManaged:
		a.reg = registry.NewDurable(store)
		sender = transport.NewGateway(transport.GatewayOptions{
			Endpoint: cfg.Delivery.Gateway.Endpoint,
			APIKey:   cfg.Delivery.Gateway.APIKey,
		})
	default:
		a.reg = registry.NewMemory()
		a.local = transport.NewLocal()
		sender = a.local
	}

	a.dispatcher = delivery.New(a.reg, sender, a.log.With(logx.String("comp", "delivery")), cfg.SendTimeoutOrDefault())

	if cfg.Push.Enabled {
		provider := push.NewHTTPProvider(push.HTTPProviderOptions{
			Endpoint:  cfg.Push.Endpoint,
			AuthToken: cfg.Push.AuthToken,
		})
		a.pushd = push.NewDispatcher(push.Config{
			BatchSize:  cfg.Push.BatchSize,
			RatePerSec: cfg.Push.RatePerSec,
		}, provider, a.log.With(logx.String("comp", "push")))
	}

	var pusher notify.Pusher
	if a.pushd != nil {
		pusher = a.pushd
	}
	a.escalator = notify.NewEscalator(store, pusher, a.log.With(logx.String("comp", "notify")))

	if cfg.Digest.Enabled {
		hour, minute, err := config.ParseHHMM(cfg.Digest.DailyRunTimeUTC)
		if err != nil {
			return err
		}
		mailer := digest.NewSMTPMailer(cfg.SMTP.Addr, cfg.SMTP.Username, cfg.SMTP.Password)
		a.digestd = digest.NewScheduler(digest.Config{
			IndividualInterval: cfg.IndividualIntervalOrDefault(),
			DailyHour:          hour,
			DailyMinute:        minute,
			FromAddress:        cfg.Digest.FromAddress,
		}, store, mailer, a.log.With(logx.String("comp", "digest")))
	}

	readTimeout, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 0)
	if err != nil {
		return err
	}
	writeTimeout, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 0)
	if err != nil {
		return err
	}
	idleTimeout, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 60*time.Second)
	if err != nil {
		return err
	}
	a.server = httpapi.New(httpapi.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, a.log.With(logx.String("comp", "http")), a.reg, a.dispatcher, a.escalator, store, a.local)

	return nil
}

// Start brings up the digest scheduler, the HTTP server, and the config
// watcher. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	if a.digestd != nil {
		if err := a.digestd.Start(); err != nil {
			return fmt.Errorf("start digest scheduler: %w", err)
		}
	}
	a.serverErr = a.server.Start()
	a.startConfigWatch(ctx)
	a.log.Info("started", logx.String("provider", a.cfgm.Get().Delivery.Provider))
	return nil
}

// ServerErr yields the HTTP listener's terminal error.
func (a *App) ServerErr() <-chan error { return a.serverErr }

// Stop shuts everything down in reverse order: drain HTTP, stop cron, stop
// the watcher, close storage, flush logs.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = err
	}
	if a.digestd != nil {
		a.digestd.Stop()
	}
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// startConfigWatch follows the config file and applies the reloadable subset:
// logging and push batching. Anything structural (provider, storage, addr)
// needs a restart and is deliberately not reapplied.
func (a *App) startConfigWatch(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	sub := a.cfgm.Subscribe(1)
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		if err := a.cfgm.Watch(wctx); err != nil && wctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.watchWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-wctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	if a.pushd != nil {
		a.pushd.Apply(push.Config{
			BatchSize:  cfg.Push.BatchSize,
			RatePerSec: cfg.Push.RatePerSec,
		})
	}
	a.log.Info("config reloaded", logx.String("log_level", cfg.Logging.Level))
}

func mapLogConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
