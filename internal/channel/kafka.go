package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"relaybot/internal/domain"
)

// Producer is the part of *kgo.Client the Kafka channel uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes payloads to the topic named by the destination.
type Kafka struct {
	client Producer
}

func NewKafka(client Producer) *Kafka {
	return &Kafka{client: client}
}

const HeaderSource = "relaybot-source"

func (k *Kafka) Send(ctx context.Context, payload, dest string) error {
	topic := strings.TrimSpace(dest)
	if topic == "" {
		return domain.Permanent(errors.New("empty kafka topic"))
	}
	rec := &kgo.Record{
		Topic:   topic,
		Value:   []byte(payload),
		Headers: []kgo.RecordHeader{{Key: HeaderSource, Value: []byte("relaybot")}},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		var ke *kerr.Error
		if errors.As(err, &ke) && !ke.Retriable {
			return domain.Permanent(fmt.Errorf("produce to %s: %w", topic, err))
		}
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}
