// Package app wires herald's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/entity"
	"herald/internal/eventbus"
	"herald/internal/ingest"
	"herald/internal/mailer"
	"herald/internal/metrics"
	"herald/internal/notify"
	"herald/internal/observability"
	"herald/internal/reminder"
	"herald/internal/runtime/supervisor"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Version is stamped at build time with -ldflags "-X herald/internal/app.Version=...".
var Version = "dev"

var (
	ErrAlreadyStarted = errors.New("app: already started")
	ErrNotStarted     = errors.New("app: not started")
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	db       *storage.DB
	store    *storage.NotificationStore
	previews *entity.Resolver
	dir      membership
	rdb      *redis.Client
	mail     mailer.Mailer
	smtp     *mailer.SMTPMailer
	disp     *notify.Dispatcher
	dispSup  *supervisor.Supervisor
	metrics  *metrics.Collector

	remMu sync.Mutex
	rem   *reminder.Scheduler

	sup             *supervisor.Supervisor
	tracingShutdown observability.ShutdownFunc

	started atomic.Bool
	stopped atomic.Bool
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		logs: logs,
		log:  log,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// Dispatcher is the entry point for operations completed by the host service.
func (a *App) Dispatcher() *notify.Dispatcher { return a.disp }

// Notifications is the read/write side of the in-app notification store.
func (a *App) Notifications() *storage.NotificationStore { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	cfg := a.cfgm.Get()
	kc, consume, err := mapKafkaConfig(cfg)
	if err != nil {
		a.started.Store(false)
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	shutdown, err := observability.Setup(ctx, mapTracingConfig(cfg, Version), a.log.With(logx.String("comp", "tracing")))
	if err != nil {
		a.log.Warn("tracing disabled", logx.Err(err))
	}
	a.tracingShutdown = shutdown

	a.sup.Go0("metrics.collect", func(c context.Context) { a.metrics.Run(c, a.bus) })
	if sc, ok := mapMetricsConfig(cfg); ok {
		mlog := a.log.With(logx.String("comp", "metrics"))
		a.sup.GoRestart("metrics.serve", func(c context.Context) error {
			return a.metrics.Serve(c, sc, mlog)
		}, supervisor.WithMaxRestarts(5))
	}

	if err := a.startReminder(a.sup.Context(), cfg); err != nil {
		_ = a.sup.Stop(context.Background())
		a.started.Store(false)
		return fmt.Errorf("reminder: %w", err)
	}

	if consume {
		consumer := ingest.NewConsumer(kc, a.disp, a.log)
		a.sup.Go("ingest.kafka", consumer.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("version", Version))
	return nil
}

// applyConfig applies what can change live. Everything else is logged as
// needing a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "mailer":
			if a.smtp == nil || !usesSMTP(newCfg) {
				restart = append(restart, s)
				continue
			}
			mc, err := mapSMTPConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid mailer config; keeping previous", logx.Err(err))
				continue
			}
			a.smtp.Apply(mc)
		case "reminder":
			a.stopReminder(ctx)
			if err := a.startReminder(ctx, newCfg); err != nil {
				a.log.Warn("reminder restart failed", logx.Err(err))
			}
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	eventbus.Emit(a.bus, eventbus.ConfigReloaded, sections)
}

func (a *App) startReminder(ctx context.Context, cfg *config.Config) error {
	rem, err := a.newReminder(cfg)
	if err != nil || rem == nil {
		return err
	}
	if err := rem.Start(ctx); err != nil {
		return err
	}
	a.remMu.Lock()
	a.rem = rem
	a.remMu.Unlock()
	return nil
}

func (a *App) stopReminder(ctx context.Context) {
	a.remMu.Lock()
	rem := a.rem
	a.rem = nil
	a.remMu.Unlock()
	if rem != nil {
		rem.Stop(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// The consumer must stop fetching before dispatches drain.
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Stop)
	a.step(ctx, "reminder", 2*time.Second, func(c context.Context) error { a.stopReminder(c); return nil })
	a.step(ctx, "dispatch.drain", 5*time.Second, a.disp.Wait)
	a.step(ctx, "tracing", 2*time.Second, func(c context.Context) error {
		if a.tracingShutdown != nil {
			return a.tracingShutdown(c)
		}
		return nil
	})
	a.step(ctx, "resources", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() error {
	var errs []error
	if err := closeRedis(a.rdb); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max and by ctx's own deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
