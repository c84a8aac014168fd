// Package app wires configuration, storage, the API server and the
// background services into one process.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"larsd/internal/auth"
	"larsd/internal/config"
	"larsd/internal/httpapi"
	"larsd/internal/maintenance"
	"larsd/internal/storage"
	logx "larsd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm  *config.Manager
	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	api   *httpapi.Server
	debug *httpapi.DebugServer
	maint *maintenance.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storeCfg.Driver))

	// Clinician routes stay disabled when no secret is configured.
	var verifier *auth.Verifier
	if strings.TrimSpace(cfg.Auth.TokenSecret) != "" {
		verifier, err = auth.NewVerifier(auth.Config{
			TokenSecret: cfg.Auth.TokenSecret,
			Issuer:      cfg.Auth.Issuer,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("auth.token_secret not set, clinician endpoints disabled")
	}

	apiCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(apiCfg, store, verifier, log)

	dbg := httpapi.NewDebugServer(httpapi.DebugConfig{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}, log)

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, store, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		api:     api,
		debug:   dbg,
		maint:   maint,
	}, nil
}

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

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	out := httpapi.Config{
		Addr:              cfg.Server.Addr,
		PatientRatePerMin: cfg.Limits.PatientRatePerMin,
		PatientBurst:      cfg.Limits.PatientBurst,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	// Default: on for sqlite (housekeeping matters there), off otherwise.
	enabled := strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "sqlite")
	if cfg.Maintenance.Enabled != nil {
		enabled = *cfg.Maintenance.Enabled
	}
	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention", cfg.Maintenance.AuditRetention, 90*24*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:        enabled,
		Schedule:       cfg.Maintenance.Schedule,
		AuditRetention: retention,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := a.debug.Start(runCtx); err != nil {
		a.log.Warn("debug server failed to start", logx.Err(err))
	}
	if err := a.maint.Start(); err != nil {
		cancel()
		return err
	}

	// Hot reload: logging is re-applied live; listener and storage
	// changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				if newCfg == nil {
					continue
				}
				a.logs.Apply(logCfg(newCfg))
				if last != nil {
					if newCfg.Server != last.Server {
						a.log.Warn("server config changed; restart required for changes to take effect")
					}
					if newCfg.Storage != last.Storage {
						a.log.Warn("storage config changed; restart required for changes to take effect")
					}
				}
				last = newCfg
				a.log.Info("config reloaded")
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.notifyReady(runCtx)

	a.log.Info("app started")
	return nil
}

// notifyReady tells systemd we are up and keeps the watchdog fed when
// one is configured. Outside systemd both calls are no-ops.
func (a *App) notifyReady(ctx context.Context) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	a.maint.Stop()
	a.debug.Stop(ctx)
	err := a.api.Stop(ctx)
	a.wg.Wait()

	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("app stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
