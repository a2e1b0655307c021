// Package reminder runs herald's periodic jobs: the due-soon sweep that turns
// approaching task deadlines into TASK_DUE_SOON notifications, and retention
// pruning of read notifications.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"herald/internal/directory"
	"herald/internal/notify"
	logx "herald/pkg/logx"
)

const (
	defaultDueSoonSpec = "0 */15 * * * *"
	defaultPruneSpec   = "@daily"
	defaultWindow      = 24 * time.Hour
	defaultRetention   = 30 * 24 * time.Hour
	defaultDedupLimit  = 10000
)

var ErrAlreadyRunning = errors.New("reminder: already running")

type Config struct {
	Timezone    string
	DueSoonSpec string
	PruneSpec   string
	Window      time.Duration
	Retention   time.Duration
	DedupLimit  int
}

// DueSource lists open tasks due in a window.
type DueSource interface {
	DueTasks(ctx context.Context, from, to time.Time) ([]directory.DueTask, error)
}

// Pruner deletes read notifications created before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher runs a notification pipeline synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, op notify.Operation)
}

type Option func(*Scheduler)

// WithRedisDedup shares the reminder dedup window across replicas.
func WithRedisDedup(rdb *redis.Client) Option { return func(s *Scheduler) { s.rdb = rdb } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context
	cancel context.CancelFunc

	src   DueSource
	prune Pruner
	disp  Dispatcher
	rdb   *redis.Client
	log   logx.Logger
	now   func() time.Time

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, src DueSource, pruner Pruner, disp Dispatcher, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		src:    src,
		prune:  pruner,
		disp:   disp,
		log:    log.With(logx.String("comp", "reminder")),
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) apply(cfg Config) error {
	if strings.TrimSpace(cfg.DueSoonSpec) == "" {
		cfg.DueSoonSpec = defaultDueSoonSpec
	}
	if strings.TrimSpace(cfg.PruneSpec) == "" {
		cfg.PruneSpec = defaultPruneSpec
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.DedupLimit <= 0 {
		cfg.DedupLimit = defaultDedupLimit
	}
	for _, spec := range []string{cfg.DueSoonSpec, cfg.PruneSpec} {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	s.cfg = cfg
	s.loc = loc
	return nil
}

// Start registers both jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return ErrAlreadyRunning
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	runCtx := s.runCtx
	if _, err := s.c.AddJob(s.cfg.DueSoonSpec, s.job(runCtx, "due_soon", func(ctx context.Context) error {
		_, err := s.SweepDueSoon(ctx)
		return err
	})); err != nil {
		s.c, s.cancel = nil, nil
		return err
	}
	if s.prune != nil {
		if _, err := s.c.AddJob(s.cfg.PruneSpec, s.job(runCtx, "prune", func(ctx context.Context) error {
			_, err := s.PruneRead(ctx)
			return err
		})); err != nil {
			s.c, s.cancel = nil, nil
			return err
		}
	}
	s.c.Start()
	s.log.Info("reminder started",
		logx.String("due_soon", s.cfg.DueSoonSpec),
		logx.String("prune", s.cfg.PruneSpec),
		logx.String("tz", s.loc.String()),
		logx.Duration("window", s.cfg.Window),
	)
	return nil
}

// Stop halts the runner and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("reminder stopped")
}

func (s *Scheduler) job(ctx context.Context, name string, fn func(ctx context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in reminder job", logx.String("job", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Warn("reminder job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("reminder job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	})
}

// SweepDueSoon dispatches TASK_DUE_SOON for every open task due within the
// window that has not been reminded in the current window. It returns the
// number of reminders dispatched.
func (s *Scheduler) SweepDueSoon(ctx context.Context) (int, error) {
	if s.src == nil || s.disp == nil {
		return 0, nil
	}
	now := s.now()
	tasks, err := s.src.DueTasks(ctx, now, now.Add(s.cfg.Window))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range tasks {
		key := fmt.Sprintf("%s|%d", t.ID, t.DueDate.UnixMilli())
		if !s.allow(ctx, key, now) {
			continue
		}
		policy, _ := notify.PolicyFor(notify.OpTaskDueSoon)
		s.disp.Dispatch(ctx, notify.Operation{
			Name:           notify.OpTaskDueSoon,
			OrganizationID: t.OrganizationID,
			Result: notify.Snapshot{
				"id":      t.ID,
				"title":   t.Title,
				"dueDate": t.DueDate.In(s.loc).Format(time.RFC3339),
			},
			Policy: policy,
		})
		sent++
	}
	if sent > 0 {
		s.log.Info("due-soon reminders dispatched", logx.Int("count", sent), logx.Int("due", len(tasks)))
	}
	return sent, nil
}

// PruneRead deletes read notifications older than the retention window.
func (s *Scheduler) PruneRead(ctx context.Context) (int64, error) {
	if s.prune == nil {
		return 0, nil
	}
	n, err := s.prune.Prune(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("prune finished", logx.Int64("deleted", n), logx.Duration("retention", s.cfg.Retention))
	}
	return n, nil
}

// allow reports whether key may fire now, and if so suppresses it for one
// window. Redis, when configured, is consulted after the local map.
func (s *Scheduler) allow(ctx context.Context, key string, now time.Time) bool {
	window := s.cfg.Window

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, "herald:reminder:"+key, "1", window).Result()
		if err != nil {
			s.log.Debug("reminder dedup: redis unavailable", logx.Err(err))
		} else if !ok {
			s.dmu.Lock()
			s.dedup[key] = now.Add(window)
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict earliest expiry first until within the cap.
	for max := s.cfg.DedupLimit; max > 0 && len(s.dedup) > max; {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.dedup, minKey)
	}
	return true
}
