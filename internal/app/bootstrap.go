package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"herald/internal/config"
	"herald/internal/directory"
	"herald/internal/entity"
	"herald/internal/mailer"
	"herald/internal/metrics"
	"herald/internal/notify"
	"herald/internal/reminder"
	"herald/internal/runtime/supervisor"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// membership is what both the SQL directory and its redis-cached wrapper provide.
type membership interface {
	notify.ActivityLog
	notify.Directory
	reminder.DueSource
}

var (
	_ membership = (*directory.SQLDirectory)(nil)
	_ membership = (*directory.CachedDirectory)(nil)
)

// build wires every component from cfg. Nothing is started here.
func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db

	a.previews = entity.NewResolver(db.DB, a.log.With(logx.String("comp", "entity")))
	a.store = storage.NewNotificationStore(db, a.log.With(logx.String("comp", "notifications")), storage.WithPreviewer(a.previews))

	sqlDir := directory.NewSQL(db, a.log.With(logx.String("comp", "directory")))
	a.dir = sqlDir
	ro, ttl, cached, err := mapRedisConfig(cfg)
	if err != nil {
		return err
	}
	if cached {
		a.rdb = directory.NewRedisClient(ro)
		a.dir = directory.NewCached(sqlDir, a.rdb, ttl, a.log.With(logx.String("comp", "directory.cache")))
	}

	if err := a.buildMailer(cfg); err != nil {
		return err
	}

	a.dispSup = supervisor.New(context.Background(), supervisor.WithLogger(a.log.With(logx.String("comp", "dispatch.supervisor"))))
	a.disp = notify.New(notify.Deps{
		Activity:  a.dir,
		Directory: a.dir,
		Previews:  a.previews,
		Store:     a.store,
		Mailer:    a.mail,
		Logger:    a.log,
		Bus:       a.bus,
	},
		notify.WithMaxParallel(cfg.Dispatch.MaxParallel),
		notify.WithBaseURL(cfg.Dispatch.AppBaseURL),
		notify.WithSupervisor(a.dispSup),
	)

	a.metrics = metrics.New()
	return nil
}

func (a *App) buildMailer(cfg *config.Config) error {
	log := a.log.With(logx.String("comp", "mailer"))
	if !usesSMTP(cfg) {
		a.mail = mailer.NewLog(log)
		return nil
	}
	mc, err := mapSMTPConfig(cfg)
	if err != nil {
		return err
	}
	a.smtp = mailer.NewSMTP(mc, log)
	a.mail = a.smtp
	return nil
}

// newReminder returns nil when the reminder section is absent or disabled.
func (a *App) newReminder(cfg *config.Config) (*reminder.Scheduler, error) {
	rc, ok, err := mapReminderConfig(cfg)
	if err != nil || !ok {
		return nil, err
	}
	var opts []reminder.Option
	if a.rdb != nil {
		opts = append(opts, reminder.WithRedisDedup(a.rdb))
	}
	return reminder.New(rc, a.dir, a.store, a.disp, a.log.With(logx.String("comp", "reminder")), opts...)
}

// closeRedis is a no-op when the cache is disabled.
func closeRedis(rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}
