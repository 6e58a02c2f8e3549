package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"relaybot/internal/channel"
	"relaybot/internal/domain"
	"relaybot/internal/eventbus"
	"relaybot/internal/httpapi"
	"relaybot/internal/ingest"
	"relaybot/internal/maintenance"
	"relaybot/internal/metrics"
	"relaybot/internal/queue"
	"relaybot/internal/ratelimit"
	"relaybot/internal/rules"
	"relaybot/internal/storage"
	"relaybot/internal/worker"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *metrics.PromMetrics

	rules     *rules.Engine
	rulesMu   sync.Mutex
	rulesFrom string // "db" or the rules file path
	rulesFile *rules.FileSource
	rulesStop context.CancelFunc

	windows *ratelimit.Memory // nil with the redis backend
	redis   *ratelimit.Redis

	queue    *queue.Service
	router   *channel.Router
	producer *kgo.Client
	worker   *worker.Service
	maint    *maintenance.Service
	http     *httpapi.Server
	consumer *ingest.Consumer
}

// NewApp loads the config and wires every component without starting any
// background work. One-shot CLI commands use the returned App directly and
// call Close; serve calls Start and Stop.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPromMetrics(nil)
		rec = a.prom
	}

	// Rules
	policy, err := mapMatchPolicy(cfg)
	if err != nil {
		return err
	}
	a.rules = rules.New(a.store, policy, log.With(logx.String("comp", "rules")))
	a.rules.SetReporter(ruleReporter{rec: rec, bus: a.bus})
	if err := a.setRulesSource(cfg); err != nil {
		return err
	}

	// Rate limit windows
	backend, rc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return err
	}
	var limiter *ratelimit.Limiter
	if backend == "redis" {
		a.redis, err = ratelimit.NewRedis(ctx, rc)
		if err != nil {
			return err
		}
		limiter = ratelimit.New(a.redis)
	} else {
		a.windows = ratelimit.NewMemory()
		limiter = ratelimit.New(a.windows)
	}

	// Queue
	render, err := queue.NewRenderer(cfg.Rules.Templates, cfg.Rules.DefaultTemplate)
	if err != nil {
		return err
	}
	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return err
	}
	a.queue = queue.New(qcfg, a.store, a.rules, limiter, render, log.With(logx.String("comp", "queue")), a.bus, rec)

	// Channels
	if err := a.buildChannels(cfg, log); err != nil {
		return err
	}

	// Worker and maintenance
	wcfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return err
	}
	a.worker = worker.New(wcfg, a.store, a.router, log.With(logx.String("comp", "worker")), a.bus, rec)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	var sweeper maintenance.Sweeper
	if a.windows != nil {
		sweeper = a.windows
	}
	a.maint = maintenance.New(mcfg, a.store, sweeper, log.With(logx.String("comp", "maintenance")), rec)

	// Inbound surfaces
	if cfg.HTTP.Enabled {
		var mh http.Handler
		if a.prom != nil {
			mh = a.prom.Handler()
		}
		a.http = httpapi.New(mapHTTPConfig(cfg), a.queue, a.store, a.worker, mh, log.With(logx.String("comp", "http")))
	} else if cfg.Metrics.Enabled {
		a.log.Warn("metrics enabled but http disabled; metrics are not served")
	}
	if kc, ok, err := mapKafkaConfig(cfg); err != nil {
		return err
	} else if ok && (kc.IngestTopic != "" || kc.ReviewTopic != "") {
		a.consumer, err = ingest.NewConsumer(kc, a.queue, log.With(logx.String("comp", "ingest")))
		if err != nil {
			return err
		}
	}
	return nil
}

// buildChannels registers the push channels. Targets without a scheme go
// to telegram when a token is configured, otherwise to the log channel.
func (a *App) buildChannels(cfg *Config, log logx.Logger) error {
	clog := log.With(logx.String("comp", "channel"))
	tc, hasTelegram, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	def := "log"
	if hasTelegram {
		def = "telegram"
	}
	a.router = channel.NewRouter(def)
	a.router.Register("log", channel.NewLog(clog))

	if hasTelegram {
		tg, err := channel.NewTelegram(tc, clog)
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		a.router.Register("telegram", tg)
	}

	kc, hasKafka, err := mapKafkaConfig(cfg)
	if err != nil {
		return err
	}
	if hasKafka {
		a.producer, err = kgo.NewClient(
			kgo.SeedBrokers(kc.Brokers...),
			kgo.ClientID(kc.ClientID),
			kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
		)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		a.router.Register("kafka", channel.NewKafka(a.producer))
	}
	a.log.Info("push channels ready", logx.Strings("schemes", a.router.Schemes()), logx.String("default", def))
	return nil
}

// setRulesSource points the engine at the store or at a rules file.
// A changed file path replaces the file source and its watcher.
func (a *App) setRulesSource(cfg *Config) error {
	source, path, err := mapRulesSource(cfg)
	if err != nil {
		return err
	}
	from := "db"
	if source == "file" {
		from = path
	}

	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	if from == a.rulesFrom {
		return nil
	}

	var fs *rules.FileSource
	if source == "file" {
		fs = rules.NewFileSource(path, a.log.With(logx.String("comp", "rules")))
		fs.OnReload(func(rs []domain.Rule) {
			eventbus.Publish(a.bus, eventbus.RulesReloaded, map[string]any{"path": path, "rules": len(rs)})
		})
		if err := fs.Load(); err != nil {
			return err
		}
		a.rules.SetSource(fs)
	} else {
		a.rules.SetSource(a.store)
	}

	if a.rulesStop != nil {
		a.rulesStop()
		a.rulesStop = nil
	}
	a.rulesFrom = from
	a.rulesFile = fs
	a.watchRulesLocked()
	return nil
}

// watchRulesLocked starts the file watcher once the supervisor exists.
func (a *App) watchRulesLocked() {
	fs := a.rulesFile
	if fs == nil || a.sup == nil || a.rulesStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.rulesStop = cancel
	a.sup.GoRestart("rules.watch", func(context.Context) error {
		return fs.Watch(ctx)
	}, WithPublishFirstError(true))
}

// Reload re-reads the config file and, when rules come from a file, the
// rules file. Applied changes reach the app through the config subscriber.
func (a *App) Reload(ctx context.Context) error {
	if _, err := a.cfgm.Reload(ctx); err != nil {
		return err
	}
	a.rulesMu.Lock()
	fs := a.rulesFile
	a.rulesMu.Unlock()
	if fs != nil {
		if err := fs.Load(); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
	}
	return nil
}

type ruleReporter struct {
	rec metrics.Recorder
	bus eventbus.Bus
}

func (r ruleReporter) RuleSkipped(rule string) {
	r.rec.RuleSkipped(rule)
	eventbus.Publish(r.bus, eventbus.RuleSkipped, map[string]any{"rule": rule})
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Queue() *queue.Service { return a.queue }

func (a *App) Worker() *worker.Service { return a.worker }

func (a *App) Maintenance() *maintenance.Service { return a.maint }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log.With(logx.String("comp", "supervisor"))), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}
	if a.worker.Enabled() {
		a.worker.Start(a.sup.Context())
	} else {
		a.log.Info("push worker disabled via config")
	}
	if a.maint.Enabled() {
		a.maint.Start(a.sup.Context())
	}

	a.rulesMu.Lock()
	a.watchRulesLocked()
	a.rulesMu.Unlock()

	if a.consumer != nil {
		a.sup.GoRestart("ingest.consume", a.consumer.Run, WithPublishFirstError(true))
	}

	// Log events for observability/debug.
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("http", a.http != nil), logx.Bool("ingest", a.consumer != nil))
	return nil
}

// applyConfig applies the live-reloadable sections. Sections that only take
// effect on restart are reported and otherwise ignored.
func (a *App) applyConfig(c context.Context, prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	if qcfg, err := mapQueueConfig(next); err == nil {
		a.queue.Apply(qcfg)
	}
	if p, err := mapMatchPolicy(next); err == nil {
		a.rules.SetPolicy(p)
	}
	if err := a.queue.Renderer().Set(next.Rules.Templates, next.Rules.DefaultTemplate); err != nil {
		a.log.Warn("invalid templates; keeping previous", logx.Err(err))
	}
	if err := a.setRulesSource(next); err != nil {
		a.log.Warn("rules source change rejected; keeping previous", logx.Err(err))
	}

	if wcfg, err := mapWorkerConfig(next); err != nil {
		a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.worker.Enabled()
		a.worker.Apply(c, wcfg)
		if prevEnabled != wcfg.Enabled {
			a.log.Info("push worker toggled via config", logx.Bool("enabled", wcfg.Enabled))
		}
	}

	if mcfg, err := mapMaintenanceConfig(next); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(c, mcfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Inbound first so nothing new arrives, then the worker so in-flight
	// sends settle, then the backends they write to.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "worker", 20*time.Second, func(c context.Context) error { a.worker.Stop(c); return nil })

	// Wait for supervised goroutines (consumer, watchers, reload) before
	// closing the clients they use.
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.step(ctx, "clients", 2*time.Second, func(context.Context) error { a.closeClients(); return nil })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

// Close releases clients and storage of an App that was never started.
func (a *App) Close() {
	a.closeClients()
	if err := a.closeStore(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeClients() {
	if a.consumer != nil {
		a.consumer.Close()
		a.consumer = nil
	}
	if a.producer != nil {
		a.producer.Close()
		a.producer = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.redis = nil
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
