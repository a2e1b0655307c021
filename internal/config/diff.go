package config

import (
	"reflect"
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (mailer/redis passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_parallel", newCfg.Dispatch.MaxParallel),
			logx.String("dispatch.app_base_url", newCfg.Dispatch.AppBaseURL),
		)
	}

	om, nm := oldCfg.Mailer, newCfg.Mailer
	passwordChanged := om.Password != nm.Password
	om.Password, nm.Password = "", ""
	if om != nm || passwordChanged {
		changed = append(changed, "mailer")
		attrs = append(attrs,
			logx.String("mailer.driver", nm.Driver),
			logx.String("mailer.host", nm.Host),
			logx.Int("mailer.rate_per_sec", nm.RatePerSec),
			logx.Bool("mailer.password_changed", passwordChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil && newCfg.Redis.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		attrs = append(attrs, logx.Bool("kafka.enabled", newCfg.Kafka != nil && newCfg.Kafka.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs, logx.Bool("reminder.enabled", newCfg.Reminder != nil && newCfg.Reminder.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
	}

	sort.Strings(changed)
	return changed, attrs
}
