package config

// Config is the root of herald's configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers so "omitted" and "disabled" stay distinct.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Mailer   MailerConfig    `json:"mailer"`
	Redis    *RedisConfig    `json:"redis,omitempty"`
	Kafka    *KafkaConfig    `json:"kafka,omitempty"`
	Reminder *ReminderConfig `json:"reminder,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty"`
	Tracing  *TracingConfig  `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the notification store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./herald.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig tunes the fan-out of a single dispatch.
//
// Defaults:
//   - max_parallel: 8
//   - app_base_url: "" (action urls stay relative)
type DispatchConfig struct {
	MaxParallel int    `json:"max_parallel,omitempty"`
	AppBaseURL  string `json:"app_base_url,omitempty"`
}

// MailerConfig selects the outbound mail transport.
//
// driver is "smtp" or "log". The password is never logged.
type MailerConfig struct {
	Driver     string `json:"driver"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	From       string `json:"from,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// RedisConfig enables the membership cache in front of the directory.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// KafkaConfig enables ingestion of operation events published by the CRUD service.
type KafkaConfig struct {
	Enabled        bool     `json:"enabled"`
	Brokers        []string `json:"brokers"`
	Topic          string   `json:"topic"`
	GroupID        string   `json:"group_id"`
	CommitInterval string   `json:"commit_interval,omitempty"`
}

// ReminderConfig controls the due-soon sweep and notification retention.
//
// Specs use robfig/cron syntax with optional seconds, e.g. "0 */15 * * * *" or "@hourly".
type ReminderConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	DueSoon    string `json:"due_soon,omitempty"`
	Window     string `json:"window,omitempty"`
	Prune      string `json:"prune,omitempty"`
	Retention  string `json:"retention,omitempty"`
	DedupLimit int    `json:"dedup_limit,omitempty"`
}

// MetricsConfig exposes /metrics and /healthz. pprof mounts /debug/pprof/ on
// the same listener; keep addr on loopback when enabling it.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
}
