// Package ingest consumes content and review events from Kafka and feeds
// them to the queue service.
//
// Ingest topic records carry a content JSON object. A record with only an
// id re-evaluates stored content. Review topic records carry
// {"content_id": 1, "decision": "approve"|"reject", "note": "..."}.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"relaybot/internal/domain"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Brokers     []string
	ClientID    string
	Group       string
	IngestTopic string
	ReviewTopic string
}

// Queue is what ingest drives.
type Queue interface {
	Ingest(ctx context.Context, c domain.Content) (queue.Result, error)
	EnqueueContent(ctx context.Context, id int64) (queue.Result, error)
	Approve(ctx context.Context, id int64, note string) (queue.Result, error)
	Reject(ctx context.Context, id int64, note string) error
}

type ReviewEvent struct {
	ContentID int64  `json:"content_id"`
	Decision  string `json:"decision"`
	Note      string `json:"note,omitempty"`
}

var errBadRecord = errors.New("bad record")

const maxAttempts = 3

// Handler applies one record. It is separate from the poll loop so it can
// be driven without a broker.
type Handler struct {
	cfg   Config
	queue Queue
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewHandler(cfg Config, q Queue, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{cfg: cfg, queue: q, log: log, sleep: sleepCtx}
}

// Handle applies rec, retrying store failures a few times. Records that can
// never apply (bad JSON, unknown content, invalid review transition) are
// logged and dropped. The returned error is only for the caller's log.
func (h *Handler) Handle(ctx context.Context, rec *kgo.Record) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = h.apply(ctx, rec)
		if err == nil || !retryable(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		h.log.Warn("ingest record failed, retrying", logx.String("topic", rec.Topic), logx.Int64("offset", rec.Offset), logx.Int("attempt", attempt), logx.Err(err))
		if serr := h.sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
			return serr
		}
	}
	if err != nil {
		h.log.Warn("ingest record dropped", logx.String("topic", rec.Topic), logx.Int("partition", int(rec.Partition)), logx.Int64("offset", rec.Offset), logx.Err(err))
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, errBadRecord) &&
		!errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrInvalidTransition) &&
		!errors.Is(err, context.Canceled)
}

func (h *Handler) apply(ctx context.Context, rec *kgo.Record) error {
	switch rec.Topic {
	case h.cfg.ReviewTopic:
		return h.applyReview(ctx, rec.Value)
	case h.cfg.IngestTopic:
		return h.applyContent(ctx, rec.Value)
	default:
		return fmt.Errorf("%w: unexpected topic %q", errBadRecord, rec.Topic)
	}
}

func (h *Handler) applyContent(ctx context.Context, value []byte) error {
	var c domain.Content
	if err := json.Unmarshal(value, &c); err != nil {
		return fmt.Errorf("%w: %v", errBadRecord, err)
	}
	if c.ID <= 0 {
		return fmt.Errorf("%w: content id must be > 0", errBadRecord)
	}
	var (
		res queue.Result
		err error
	)
	if strings.TrimSpace(c.Platform) == "" {
		res, err = h.queue.EnqueueContent(ctx, c.ID)
	} else {
		res, err = h.queue.Ingest(ctx, c)
	}
	if err != nil {
		return err
	}
	h.log.Debug("content ingested", logx.Int64("content_id", c.ID), logx.Int("enqueued", len(res.Enqueued)), logx.Bool("held", res.Held))
	return nil
}

func (h *Handler) applyReview(ctx context.Context, value []byte) error {
	var ev ReviewEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errBadRecord, err)
	}
	if ev.ContentID <= 0 {
		return fmt.Errorf("%w: content id must be > 0", errBadRecord)
	}
	switch strings.ToLower(strings.TrimSpace(ev.Decision)) {
	case "approve", "approved":
		_, err := h.queue.Approve(ctx, ev.ContentID, ev.Note)
		return err
	case "reject", "rejected":
		return h.queue.Reject(ctx, ev.ContentID, ev.Note)
	default:
		return fmt.Errorf("%w: unknown decision %q", errBadRecord, ev.Decision)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Consumer polls the configured topics with a consumer group and commits
// each record after it was handled.
type Consumer struct {
	cfg     Config
	client  *kgo.Client
	handler *Handler
	log     logx.Logger
}

func NewConsumer(cfg Config, q Queue, log logx.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are empty")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		cfg.Group = "relaybot"
	}
	var topics []string
	for _, t := range []string{cfg.IngestTopic, cfg.ReviewTopic} {
		if strings.TrimSpace(t) != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil, errors.New("no ingest or review topic configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500 * time.Millisecond),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{cfg: cfg, client: client, handler: NewHandler(cfg, q, log), log: log}, nil
}

// Run polls until ctx ends or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("ingest consumer started", logx.Strings("brokers", c.cfg.Brokers), logx.String("group", c.cfg.Group))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(t string, p int32, err error) {
			c.log.Warn("kafka fetch error", logx.String("topic", t), logx.Int("partition", int(p)), logx.Err(err))
		})
		for rec := range fetches.RecordsAll() {
			_ = c.handler.Handle(ctx, rec)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.client.CommitRecords(ctx, rec); err != nil {
				c.log.Warn("kafka commit failed", logx.String("topic", rec.Topic), logx.Int64("offset", rec.Offset), logx.Err(err))
			}
		}
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}
