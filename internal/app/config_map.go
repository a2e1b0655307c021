package app

import (
	"strings"
	"time"

	"herald/internal/config"
	"herald/internal/directory"
	"herald/internal/ingest"
	"herald/internal/mailer"
	"herald/internal/metrics"
	"herald/internal/observability"
	"herald/internal/reminder"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// The mappers below assume cfg already passed config.Validate, so duration
// parse errors are still returned but never expected.

func mapLogConfig(cfg *config.Config) logx.Config {
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
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = "./data/herald.db"
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func usesSMTP(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Mailer.Driver), "smtp")
}

func mapSMTPConfig(cfg *config.Config) (mailer.SMTPConfig, error) {
	mc := cfg.Mailer
	timeout, err := config.DurationOr("mailer.timeout", mc.Timeout, 10*time.Second)
	if err != nil {
		return mailer.SMTPConfig{}, err
	}
	port := mc.Port
	if port == 0 {
		port = 587
	}
	return mailer.SMTPConfig{
		Host:       strings.TrimSpace(mc.Host),
		Port:       port,
		Username:   mc.Username,
		Password:   mc.Password,
		From:       strings.TrimSpace(mc.From),
		FromName:   mc.FromName,
		RatePerSec: mc.RatePerSec,
		Burst:      mc.Burst,
		Timeout:    timeout,
	}, nil
}

// mapRedisConfig reports false when the cache is off.
func mapRedisConfig(cfg *config.Config) (directory.RedisOptions, time.Duration, bool, error) {
	rc := cfg.Redis
	if rc == nil || !rc.Enabled {
		return directory.RedisOptions{}, 0, false, nil
	}
	ttl, err := config.DurationOr("redis.ttl", rc.TTL, time.Minute)
	if err != nil {
		return directory.RedisOptions{}, 0, false, err
	}
	timeout, err := config.DurationOr("redis.timeout", rc.Timeout, 2*time.Second)
	if err != nil {
		return directory.RedisOptions{}, 0, false, err
	}
	return directory.RedisOptions{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
		Timeout:  timeout,
	}, ttl, true, nil
}

func mapKafkaConfig(cfg *config.Config) (ingest.Config, bool, error) {
	kc := cfg.Kafka
	if kc == nil || !kc.Enabled {
		return ingest.Config{}, false, nil
	}
	commit, err := config.DurationOr("kafka.commit_interval", kc.CommitInterval, time.Second)
	if err != nil {
		return ingest.Config{}, false, err
	}
	group := strings.TrimSpace(kc.GroupID)
	if group == "" {
		group = "herald"
	}
	return ingest.Config{
		Brokers:        kc.Brokers,
		Topic:          strings.TrimSpace(kc.Topic),
		GroupID:        group,
		CommitInterval: commit,
	}, true, nil
}

// Zero durations are left for reminder.New to default.
func mapReminderConfig(cfg *config.Config) (reminder.Config, bool, error) {
	rc := cfg.Reminder
	if rc == nil || !rc.Enabled {
		return reminder.Config{}, false, nil
	}
	window, err := config.ParseDuration("reminder.window", rc.Window)
	if err != nil {
		return reminder.Config{}, false, err
	}
	retention, err := config.ParseDuration("reminder.retention", rc.Retention)
	if err != nil {
		return reminder.Config{}, false, err
	}
	return reminder.Config{
		Timezone:    strings.TrimSpace(rc.Timezone),
		DueSoonSpec: strings.TrimSpace(rc.DueSoon),
		PruneSpec:   strings.TrimSpace(rc.Prune),
		Window:      window,
		Retention:   retention,
		DedupLimit:  rc.DedupLimit,
	}, true, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServeConfig, bool) {
	mc := cfg.Metrics
	if mc == nil || !mc.Enabled {
		return metrics.ServeConfig{}, false
	}
	return metrics.ServeConfig{Addr: strings.TrimSpace(mc.Addr), Pprof: mc.Pprof}, true
}

func mapTracingConfig(cfg *config.Config, version string) observability.TracingConfig {
	tc := cfg.Tracing
	if tc == nil {
		return observability.TracingConfig{}
	}
	return observability.TracingConfig{
		Enabled:     tc.Enabled,
		Endpoint:    tc.Endpoint,
		Insecure:    tc.Insecure,
		SampleRatio: tc.SampleRatio,
		ServiceName: tc.ServiceName,
		Version:     version,
	}
}
