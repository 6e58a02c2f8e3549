package app

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/channel"
	"relaybot/internal/httpapi"
	"relaybot/internal/ingest"
	"relaybot/internal/maintenance"
	"relaybot/internal/queue"
	"relaybot/internal/ratelimit"
	"relaybot/internal/rules"
	"relaybot/internal/storage"
	"relaybot/internal/worker"
	logx "relaybot/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// rulesSource is "db" or "file".
func mapRulesSource(cfg *Config) (source, path string, err error) {
	if cfg == nil {
		return "db", "", nil
	}
	source = strings.ToLower(strings.TrimSpace(cfg.Rules.Source))
	path = strings.TrimSpace(cfg.Rules.Path)
	switch source {
	case "", "db", "store":
		return "db", "", nil
	case "file":
		if path == "" {
			return "", "", fmt.Errorf("rules.path is required when rules.source=file")
		}
		return "file", path, nil
	default:
		return "", "", fmt.Errorf("unknown rules.source: %s", cfg.Rules.Source)
	}
}

func mapMatchPolicy(cfg *Config) (rules.MatchPolicy, error) {
	if cfg == nil {
		return rules.FirstMatch, nil
	}
	p, err := rules.ParsePolicy(cfg.Rules.MatchPolicy)
	if err != nil {
		return "", fmt.Errorf("rules.match_policy: %w", err)
	}
	return p, nil
}

func mapQueueConfig(cfg *Config) (queue.Config, error) {
	if cfg == nil {
		return queue.Config{}, nil
	}
	if cfg.Engine.MaxRetries < 0 {
		return queue.Config{}, fmt.Errorf("engine.max_retries must be >= 0")
	}
	return queue.Config{MaxRetries: cfg.Engine.MaxRetries, Priority: cfg.Engine.Priority}, nil
}

func mapRateLimitConfig(cfg *Config) (backend string, rc ratelimit.RedisConfig, err error) {
	if cfg == nil {
		return "memory", rc, nil
	}
	backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	switch backend {
	case "", "memory":
		return "memory", rc, nil
	case "redis":
		r := cfg.RateLimit.Redis
		if strings.TrimSpace(r.Addr) == "" {
			return "", rc, fmt.Errorf("ratelimit.redis.addr is required when ratelimit.backend=redis")
		}
		return "redis", ratelimit.RedisConfig{
			Addr:      strings.TrimSpace(r.Addr),
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		}, nil
	default:
		return "", rc, fmt.Errorf("unknown ratelimit.backend: %s", cfg.RateLimit.Backend)
	}
}

func mapWorkerConfig(cfg *Config) (worker.Config, error) {
	if cfg == nil {
		return worker.Config{Enabled: true}, nil
	}
	wc := cfg.Worker

	enabled := true
	if wc.Enabled != nil {
		enabled = *wc.Enabled
	}
	if wc.Workers < 0 {
		return worker.Config{}, fmt.Errorf("worker.workers must be >= 0")
	}

	out := worker.Config{
		Enabled:             enabled,
		InstanceID:          strings.TrimSpace(wc.InstanceID),
		Workers:             wc.Workers,
		HistorySize:         wc.HistorySize,
		CircuitTripFailures: wc.CircuitTripFailures,
	}

	// Zero means the default jitter; a negative value turns it off.
	switch {
	case wc.RetryJitter == 0:
		out.RetryJitter = 0.1
	case wc.RetryJitter < 0:
		out.RetryJitter = 0
	case wc.RetryJitter > 1:
		return worker.Config{}, fmt.Errorf("worker.retry_jitter must be <= 1")
	default:
		out.RetryJitter = wc.RetryJitter
	}

	var err error
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"worker.poll_interval", wc.PollInterval, &out.PollInterval},
		{"worker.send_timeout", wc.SendTimeout, &out.SendTimeout},
		{"worker.retry_base", wc.RetryBase, &out.RetryBase},
		{"worker.retry_max_delay", wc.RetryMaxDelay, &out.RetryMaxDelay},
		{"worker.circuit_base_delay", wc.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"worker.circuit_max_delay", wc.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"worker.circuit_reset_after", wc.CircuitResetAfter, &out.CircuitResetAfter},
	} {
		if *d.dst, err = parseDurationField(d.key, d.raw); err != nil {
			return worker.Config{}, err
		}
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	if cfg == nil {
		return maintenance.Config{}, nil
	}
	mc := cfg.Maintenance
	out := maintenance.Config{
		Enabled:  mc.Enabled,
		Timezone: strings.TrimSpace(mc.Timezone),
		Reclaim:  strings.TrimSpace(mc.Reclaim),
		QueueAge: strings.TrimSpace(mc.QueueAge),
		Prune:    strings.TrimSpace(mc.Prune),
	}
	var err error
	if out.LeaseTimeout, err = parseDurationField("maintenance.lease_timeout", mc.LeaseTimeout); err != nil {
		return maintenance.Config{}, err
	}
	if out.Retention, err = parseDurationField("maintenance.retention", mc.Retention); err != nil {
		return maintenance.Config{}, err
	}
	if out.StarvationWarn, err = parseDurationField("maintenance.starvation_warn", mc.StarvationWarn); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

// mapTelegramConfig returns ok=false when no token is configured.
func mapTelegramConfig(cfg *Config) (channel.TelegramConfig, bool, error) {
	if cfg == nil || strings.TrimSpace(cfg.Telegram.Token) == "" {
		return channel.TelegramConfig{}, false, nil
	}
	tc := cfg.Telegram
	if tc.RatePerSec < 0 {
		return channel.TelegramConfig{}, false, fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	timeout, err := parseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return channel.TelegramConfig{}, false, err
	}
	return channel.TelegramConfig{
		Token:      strings.TrimSpace(tc.Token),
		URL:        strings.TrimSpace(tc.URL),
		ParseMode:  strings.TrimSpace(tc.ParseMode),
		RatePerSec: tc.RatePerSec,
		Timeout:    timeout,
	}, true, nil
}

// mapKafkaConfig returns ok=false when kafka is disabled.
func mapKafkaConfig(cfg *Config) (ingest.Config, bool, error) {
	if cfg == nil || !cfg.Kafka.Enabled {
		return ingest.Config{}, false, nil
	}
	kc := cfg.Kafka
	var brokers []string
	for _, b := range kc.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return ingest.Config{}, false, fmt.Errorf("kafka.brokers is required when kafka.enabled=true")
	}
	clientID := strings.TrimSpace(kc.ClientID)
	if clientID == "" {
		clientID = "relaybot"
	}
	return ingest.Config{
		Brokers:     brokers,
		ClientID:    clientID,
		Group:       strings.TrimSpace(kc.Group),
		IngestTopic: strings.TrimSpace(kc.IngestTopic),
		ReviewTopic: strings.TrimSpace(kc.ReviewTopic),
	}, true, nil
}

func mapHTTPConfig(cfg *Config) httpapi.Config {
	if cfg == nil {
		return httpapi.Config{}
	}
	return httpapi.Config{
		Addr:        strings.TrimSpace(cfg.HTTP.Addr),
		MetricsPath: strings.TrimSpace(cfg.Metrics.Path),
		Pprof:       cfg.HTTP.Pprof,
	}
}

// validateConfig runs every mapper and compiles the templates. It is used
// at startup and to reject a bad hot reload before it is committed.
func validateConfig(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRulesSource(cfg); err != nil {
		return err
	}
	if _, err := mapMatchPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRateLimitConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if err := maintenance.New(mc, nil, nil, logx.Nop(), nil).Validate(mc); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapKafkaConfig(cfg); err != nil {
		return err
	}
	if cfg != nil {
		if _, err := queue.NewRenderer(cfg.Rules.Templates, cfg.Rules.DefaultTemplate); err != nil {
			return err
		}
		if p := strings.TrimSpace(cfg.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}
	return nil
}
