package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"herald/internal/config"
	"herald/internal/eventbus"
	"herald/internal/notify"
)

const testConfig = `{
	"logging": {"level": "error"},
	"storage": {"driver": "memory"},
	"dispatch": {"max_parallel": 2, "app_base_url": "https://app.example.com"},
	"mailer": {"driver": "log"},
	"reminder": {"enabled": true, "due_soon": "@every 1h", "prune": "@daily"}
}`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herald.json")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func TestAppDispatchesEndToEnd(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err=%v", err)
	}

	if _, err := a.db.Exec(`INSERT INTO users (id, first_name, last_name, email) VALUES ('U2', 'Grace', 'Hopper', 'grace@example.com')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	policy, ok := notify.PolicyFor(notify.OpTaskAssign)
	if !ok {
		t.Fatal("no policy for task.assign")
	}
	a.Dispatcher().Trigger(ctx, notify.Operation{
		Name:    notify.OpTaskAssign,
		Actor:   notify.Actor{ID: "U1", FirstName: "Ada"},
		Request: notify.Snapshot{"taskId": "T1", "assigneeIds": []any{"U2"}},
		Result:  notify.Snapshot{"id": "T1", "title": "Ship it"},
		Policy:  policy,
	})
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := a.Dispatcher().Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	unread, err := a.Notifications().UnreadCount(ctx, "U2", "")
	if err != nil || unread != 1 {
		t.Fatalf("unread=%d err=%v", unread, err)
	}
	var logged int
	if err := a.db.Get(&logged, `SELECT COUNT(*) FROM activity_logs WHERE type = 'TASK_ASSIGNED'`); err != nil || logged != 1 {
		t.Fatalf("activity rows=%d err=%v", logged, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	a := newTestApp(t)
	defer func() { _ = a.closeResources() }()
	if err := a.Stop(context.Background(), StopUnknown); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v", err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "herald.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"postgres"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected an error for an unknown storage driver")
	}
}

func TestApplyConfig(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	a.remMu.Lock()
	running := a.rem != nil
	a.remMu.Unlock()
	if !running {
		t.Fatal("reminder not started")
	}

	events, unsub := a.bus.Subscribe(16)
	defer unsub()

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Logging.Level = "warn"
	newCfg.Reminder = &config.ReminderConfig{Enabled: false}
	a.applyConfig(ctx, oldCfg, &newCfg)

	a.remMu.Lock()
	running = a.rem != nil
	a.remMu.Unlock()
	if running {
		t.Fatal("reminder still running after being disabled")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.ConfigReloaded {
				continue
			}
			sections, _ := e.Data.([]string)
			if len(sections) != 2 || sections[0] != "logging" || sections[1] != "reminder" {
				t.Fatalf("sections=%v", sections)
			}
			return
		case <-deadline:
			t.Fatal("no reload signal")
		}
	}
}

func TestMappers(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: "sqlite"},
		Mailer:  config.MailerConfig{Driver: "SMTP", Host: " smtp.example.com ", From: "noreply@example.com"},
		Redis:   &config.RedisConfig{Enabled: true, Addr: "127.0.0.1:6379"},
		Kafka:   &config.KafkaConfig{Enabled: true, Brokers: []string{"k:9092"}, Topic: "ops"},
		Metrics: &config.MetricsConfig{Enabled: true, Pprof: true},
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Path != "./data/herald.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage=%+v err=%v", sc, err)
	}
	if !usesSMTP(cfg) {
		t.Fatal("smtp driver not detected")
	}
	mc, err := mapSMTPConfig(cfg)
	if err != nil || mc.Host != "smtp.example.com" || mc.Port != 587 || mc.Timeout != 10*time.Second {
		t.Fatalf("smtp=%+v err=%v", mc, err)
	}
	ro, ttl, ok, err := mapRedisConfig(cfg)
	if err != nil || !ok || ttl != time.Minute || ro.Timeout != 2*time.Second {
		t.Fatalf("redis=%+v ttl=%v ok=%v err=%v", ro, ttl, ok, err)
	}
	kc, ok, err := mapKafkaConfig(cfg)
	if err != nil || !ok || kc.GroupID != "herald" || kc.CommitInterval != time.Second {
		t.Fatalf("kafka=%+v ok=%v err=%v", kc, ok, err)
	}
	if _, ok, _ := mapReminderConfig(cfg); ok {
		t.Fatal("reminder should be off when the section is absent")
	}
	if m, ok := mapMetricsConfig(cfg); !ok || !m.Pprof {
		t.Fatalf("metrics=%+v ok=%v", m, ok)
	}
	if tc := mapTracingConfig(cfg, "v1"); tc.Enabled {
		t.Fatalf("tracing=%+v", tc)
	}
}
