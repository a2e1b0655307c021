package config

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Validate checks the parts of cfg that would otherwise fail late, at wiring time.
// It is installed as the ConfigManager validator so a bad edit never replaces a
// good config during hot reload.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Dispatch.MaxParallel < 0 {
		errs = append(errs, errors.New("dispatch.max_parallel: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Mailer.Driver)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Mailer.Host) == "" {
			errs = append(errs, errors.New("mailer.host: required for smtp"))
		}
		if strings.TrimSpace(cfg.Mailer.From) == "" {
			errs = append(errs, errors.New("mailer.from: required for smtp"))
		}
	default:
		errs = append(errs, fmt.Errorf("mailer.driver: unknown driver %q", cfg.Mailer.Driver))
	}
	if _, err := ParseDuration("mailer.timeout", cfg.Mailer.Timeout); err != nil {
		errs = append(errs, err)
	}

	if r := cfg.Redis; r != nil && r.Enabled {
		if strings.TrimSpace(r.Addr) == "" {
			errs = append(errs, errors.New("redis.addr: required when enabled"))
		}
		if _, err := ParseDuration("redis.ttl", r.TTL); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDuration("redis.timeout", r.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	if k := cfg.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers: required when enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			errs = append(errs, errors.New("kafka.topic: required when enabled"))
		}
		if _, err := ParseDuration("kafka.commit_interval", k.CommitInterval); err != nil {
			errs = append(errs, err)
		}
	}

	if r := cfg.Reminder; r != nil && r.Enabled {
		if tz := strings.TrimSpace(r.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("reminder.timezone: %w", err))
			}
		}
		if _, err := ParseDuration("reminder.window", r.Window); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDuration("reminder.retention", r.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	if t := cfg.Tracing; t != nil && t.Enabled {
		if t.SampleRatio < 0 || t.SampleRatio > 1 {
			errs = append(errs, errors.New("tracing.sample_ratio: must be within [0,1]"))
		}
	}

	return errors.Join(errs...)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
