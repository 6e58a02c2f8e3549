package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Sections are mapped into component configs by the app layer, which also
// applies defaults.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Rules       RulesConfig       `json:"rules"`
	Engine      EngineConfig      `json:"engine"`
	Worker      WorkerConfig      `json:"worker"`
	RateLimit   RateLimitConfig   `json:"ratelimit"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telegram    TelegramConfig    `json:"telegram"`
	Kafka       KafkaConfig       `json:"kafka"`
	HTTP        HTTPConfig        `json:"http"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile enables a JSON file sink rotated by size.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// RulesConfig controls where rules come from and how they combine.
//
// Source "db" reads the rules table. Source "file" reads a YAML/JSON rules
// file and reloads it on change.
type RulesConfig struct {
	Source      string `json:"source,omitempty"`
	Path        string `json:"path,omitempty"`
	MatchPolicy string `json:"match_policy,omitempty"` // first_match (default) | accumulate

	// Templates maps template_id to a text/template body rendered against the
	// content. DefaultTemplate is used when a rule names no template.
	Templates       map[string]string `json:"templates,omitempty"`
	DefaultTemplate string            `json:"default_template,omitempty"`
}

// EngineConfig holds enqueue-time defaults for new push tasks.
type EngineConfig struct {
	MaxRetries int `json:"max_retries,omitempty"`
	Priority   int `json:"priority,omitempty"`
}

// WorkerConfig controls the queue worker.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from
// an explicit false, e.g. for an API-only process.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - poll_interval: "1s"
//   - send_timeout: "15s"
//   - retry_base: "2s", retry_max_delay: "10m", retry_jitter: 0.1
//   - history_size: 200
//   - circuit_trip_failures: 5 (negative disables)
type WorkerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// RateLimitConfig selects where fixed-window counters live.
// Use "redis" when several processes enqueue for the same targets.
type RateLimitConfig struct {
	Backend string      `json:"backend,omitempty"` // memory (default) | redis
	Redis   RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Password  string `json:"password,omitempty"` // never logged
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs. Job specs use cron syntax
// with an optional seconds field, or descriptors like "@every 1m".
// An empty spec disables that job.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Reclaim  string `json:"reclaim,omitempty"`
	QueueAge string `json:"queue_age,omitempty"`
	Prune    string `json:"prune,omitempty"`

	LeaseTimeout   string `json:"lease_timeout,omitempty"`
	Retention      string `json:"retention,omitempty"`
	StarvationWarn string `json:"starvation_warn,omitempty"`
}

// TelegramConfig configures the telegram: push channel.
type TelegramConfig struct {
	Token      string `json:"token"` // never logged
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	ParseMode  string `json:"parse_mode,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	URL        string `json:"url,omitempty"` // API endpoint override
}

// KafkaConfig configures the kafka: push channel and the ingest consumer.
type KafkaConfig struct {
	Enabled     bool     `json:"enabled"`
	Brokers     []string `json:"brokers,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	IngestTopic string   `json:"ingest_topic,omitempty"`
	ReviewTopic string   `json:"review_topic,omitempty"`
	Group       string   `json:"group,omitempty"`
}

// HTTPConfig configures the operator API. Prefer a loopback address; the
// API has no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Pprof   bool   `json:"pprof,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}
