// Package app wires configuration, logging, storage, the gateway client,
// the scheduler loop and the operator API into one daemon lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"whatsflow/internal/api"
	"whatsflow/internal/config"
	"whatsflow/internal/gateway"
	"whatsflow/internal/media"
	"whatsflow/internal/scheduler"
	"whatsflow/internal/store"
	"whatsflow/internal/telemetry"
	logx "whatsflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st      store.Store
	gw      *gateway.Client
	sched   *scheduler.Service
	apiSrv  *api.Server
	metrics *telemetry.Metrics

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	gw := gateway.New(gatewayCfg(cfg), media.NewDir(cfg.Media.Dir), log.With(logx.String("comp", "gateway")))

	metrics := telemetry.New()

	schedCfg, err := schedulerCfg(cfg)
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, gw, metrics, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		st:      st,
		gw:      gw,
		sched:   sched,
		metrics: metrics,
	}

	if cfg.API.Enabled {
		apiCfg, err := apiConfig(cfg)
		if err != nil {
			_ = st.Close()
			_ = logs.Close()
			return nil, err
		}
		h := api.NewHandler(st, cfg.Scheduler.DefaultTimezone, log.With(logx.String("comp", "api")))
		a.apiSrv = api.NewServer(apiCfg, h, metrics.Handler(), log.With(logx.String("comp", "api")))
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sched.Start(ctx)
	if a.apiSrv != nil {
		a.apiSrv.Start()
	}

	// Config hot reload: watch the file, fan applied sections out to the
	// services that can take them live. Storage and API addr changes need
	// a restart.
	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	sub := a.cfgm.Subscribe(1)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-watchCtx.Done():
				a.cfgm.Unsubscribe(sub)
				return
			case cfg := <-sub:
				if cfg != nil {
					a.applyConfig(cfg)
				}
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("whatsflow started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.sched.Stop(ctx)
	if a.apiSrv != nil {
		a.apiSrv.Stop(ctx)
	}
	a.wg.Wait()

	err := a.st.Close()
	a.log.Info("whatsflow stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logCfg(cfg))
	a.gw.Apply(gatewayCfg(cfg))
	if schedCfg, err := schedulerCfg(cfg); err == nil {
		a.sched.Apply(schedCfg)
	}
	a.log.Info("config applied")
}

// ---- config mapping ----

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func gatewayCfg(cfg *config.Config) gateway.Config {
	timeout, _ := config.ParseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, 10*time.Second)
	return gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Instances:  cfg.Gateway.Instances,
		Timeout:    timeout,
		RatePerSec: cfg.Gateway.RatePerSec,
	}
}

func schedulerCfg(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:  cfg.SchedulerEnabled(),
		Interval: interval,
	}, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         cfg.API.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func validate(cfg *config.Config) error {
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("gateway.timeout", cfg.Gateway.Timeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("scheduler.interval", cfg.Scheduler.Interval); err != nil {
		return err
	}
	if tz := cfg.Scheduler.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.default_timezone: unknown timezone %q", tz)
		}
	}
	return nil
}
