package config

import (
	"reflect"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens,
// DSNs or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log dsn)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		oldCfg.Storage.MaxConns != newCfg.Storage.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// Rules
	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.String("rules.source", strings.TrimSpace(newCfg.Rules.Source)),
			logx.String("rules.match_policy", strings.TrimSpace(newCfg.Rules.MatchPolicy)),
			logx.Int("rules.templates", len(newCfg.Rules.Templates)),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.max_retries", newCfg.Engine.MaxRetries),
			logx.Int("engine.priority", newCfg.Engine.Priority),
		)
	}

	// Worker
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		enabled := newCfg.Worker.Enabled == nil || *newCfg.Worker.Enabled
		attrs = append(attrs,
			logx.Bool("worker.enabled", enabled),
			logx.Int("worker.workers", newCfg.Worker.Workers),
			logx.String("worker.send_timeout", strings.TrimSpace(newCfg.Worker.SendTimeout)),
			logx.String("worker.retry_base", strings.TrimSpace(newCfg.Worker.RetryBase)),
		)
	}

	// Rate limit (never log redis password)
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "ratelimit")
		attrs = append(attrs,
			logx.String("ratelimit.backend", strings.TrimSpace(newCfg.RateLimit.Backend)),
			logx.String("ratelimit.redis_addr", strings.TrimSpace(newCfg.RateLimit.Redis.Addr)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.reclaim", newCfg.Maintenance.Reclaim),
			logx.String("maintenance.queue_age", newCfg.Maintenance.QueueAge),
			logx.String("maintenance.prune", newCfg.Maintenance.Prune),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.String("telegram.parse_mode", newCfg.Telegram.ParseMode),
		)
	}

	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		attrs = append(attrs,
			logx.Bool("kafka.enabled", newCfg.Kafka.Enabled),
			logx.Strings("kafka.brokers", newCfg.Kafka.Brokers),
			logx.String("kafka.ingest_topic", newCfg.Kafka.IngestTopic),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	return changed, attrs
}

// RestartRequired reports which changed sections only take effect after a
// process restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "ratelimit", "kafka", "http", "metrics", "telegram":
			out = append(out, s)
		}
	}
	return out
}
