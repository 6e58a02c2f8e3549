package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: "storage.path"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "unknown storage.driver"},
		{name: "file rules without path", mutate: func(c *Config) { c.Rules.Source = "file" }, wantErr: "rules.path"},
		{name: "bad policy", mutate: func(c *Config) { c.Rules.MatchPolicy = "random" }, wantErr: "rules.match_policy"},
		{name: "bad template", mutate: func(c *Config) { c.Rules.Templates = map[string]string{"t": "{{.Content"} }, wantErr: "rules.templates.t"},
		{name: "unknown default template", mutate: func(c *Config) { c.Rules.DefaultTemplate = "nope" }, wantErr: "rules.default_template"},
		{name: "redis without addr", mutate: func(c *Config) { c.RateLimit.Backend = "redis" }, wantErr: "ratelimit.redis.addr"},
		{name: "bad duration", mutate: func(c *Config) { c.Worker.SendTimeout = "soon" }, wantErr: "worker.send_timeout"},
		{name: "negative workers", mutate: func(c *Config) { c.Worker.Workers = -1 }, wantErr: "worker.workers"},
		{name: "worker disabled", mutate: func(c *Config) { c.Worker.Enabled = &no }},
		{name: "bad cron", mutate: func(c *Config) { c.Maintenance.Reclaim = "every minute" }, wantErr: "maintenance.reclaim"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }, wantErr: "kafka.brokers"},
		{name: "relative metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: "metrics.path"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapWorkerConfig(t *testing.T) {
	t.Parallel()

	no := false
	cfg := &Config{Worker: config.WorkerConfig{
		Enabled:       &no,
		Workers:       3,
		PollInterval:  "250ms",
		RetryBase:     "1s",
		RetryMaxDelay: "1m",
		RetryJitter:   -1,
	}}
	got, err := mapWorkerConfig(cfg)
	if err != nil {
		t.Fatalf("mapWorkerConfig: %v", err)
	}
	if got.Enabled || got.Workers != 3 || got.PollInterval != 250*time.Millisecond ||
		got.RetryBase != time.Second || got.RetryMaxDelay != time.Minute || got.RetryJitter != 0 {
		t.Fatalf("mapWorkerConfig = %+v", got)
	}

	got, err = mapWorkerConfig(&Config{})
	if err != nil || !got.Enabled || got.RetryJitter != 0.1 {
		t.Fatalf("mapWorkerConfig(defaults) = %+v, %v", got, err)
	}
}

func TestMapChannels(t *testing.T) {
	t.Parallel()

	tc, ok, err := mapTelegramConfig(&Config{Telegram: config.TelegramConfig{Token: " 123:abc ", RatePerSec: 5}})
	if err != nil || !ok || tc.Token != "123:abc" || tc.Timeout != 10*time.Second || tc.RatePerSec != 5 {
		t.Fatalf("mapTelegramConfig = %+v, %v, %v", tc, ok, err)
	}
	if _, ok, _ := mapTelegramConfig(&Config{}); ok {
		t.Fatalf("mapTelegramConfig without token reported ok")
	}

	kc, ok, err := mapKafkaConfig(&Config{Kafka: config.KafkaConfig{Enabled: true, Brokers: []string{" ", "k1:9092"}, IngestTopic: "content"}})
	if err != nil || !ok || len(kc.Brokers) != 1 || kc.ClientID != "relaybot" || kc.IngestTopic != "content" {
		t.Fatalf("mapKafkaConfig = %+v, %v, %v", kc, ok, err)
	}
}

func TestAppDeliversThroughLogChannel(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		"logging": {"level": "error", "console": true},
		"storage": {"driver": "memory"},
		"worker": {"workers": 2, "poll_interval": "10ms"},
		"maintenance": {"enabled": true, "reclaim": "@every 1m"}
	}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if _, err := a.Store().PutRule(ctx, domain.Rule{
		Name:            "news",
		Enabled:         true,
		Priority:        10,
		MatchConditions: []string{"tags has_any [news]"},
		Targets:         []string{"log:chatA", "chatB"},
	}); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := a.Queue().Ingest(ctx, domain.Content{ID: 1, Platform: "x", Title: "hello", Tags: []string{"news"}})
	if err != nil || len(res.Enqueued) != 2 {
		t.Fatalf("Ingest = %+v, %v", res, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for _, target := range []string{"log:chatA", "chatB"} {
		for {
			rec, err := a.Store().GetPush(ctx, 1, target)
			if err == nil && rec.Status == domain.PushSuccess {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("push to %s not delivered: %+v, %v", target, rec, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if jobs := a.Maintenance().Jobs(); len(jobs) != 1 {
		t.Fatalf("maintenance jobs = %v, want reclaim only", jobs)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap := a.Worker().Snapshot(); snap.Sent != 2 {
		t.Fatalf("worker sent = %d, want 2", snap.Sent)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"storage": {"driver": "sqlite"}}`)
	if _, err := NewApp(context.Background(), path); err == nil {
		t.Fatalf("NewApp accepted sqlite without a path")
	}
	path = writeConfig(t, `{"unknown_section": {}}`)
	if _, err := NewApp(context.Background(), path); err == nil {
		t.Fatalf("NewApp accepted an unknown field")
	}
}

func TestReloadPicksUpRulesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	writeRules := func(target string) {
		t.Helper()
		body := "rules:\n  - name: news\n    match_conditions: [\"tags has_any [news]\"]\n    targets: [\"" + target + "\"]\n"
		if err := os.WriteFile(rulesPath, []byte(body), 0o600); err != nil {
			t.Fatalf("write rules: %v", err)
		}
	}
	writeRules("chatA")
	path := writeConfig(t, `{
		"logging": {"level": "error", "console": true},
		"storage": {"driver": "memory"},
		"rules": {"source": "file", "path": "`+filepath.ToSlash(rulesPath)+`"}
	}`)

	ctx := context.Background()
	a, err := NewApp(ctx, path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	writeRules("chatB")
	if err := a.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	res, err := a.Queue().Ingest(ctx, domain.Content{ID: 7, Platform: "x", Tags: []string{"news"}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.Enqueued) != 1 {
		t.Fatalf("Enqueued = %+v, want one task", res.Enqueued)
	}
	if p, err := res.Enqueued[0].PushPayload(); err != nil || p.TargetID != "chatB" {
		t.Fatalf("payload = %+v, %v, want target chatB", p, err)
	}

	if err := os.WriteFile(rulesPath, []byte("rules: ["), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if err := a.Reload(ctx); err == nil {
		t.Fatalf("Reload accepted a broken rules file")
	}
}
