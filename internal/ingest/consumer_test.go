package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"relaybot/internal/domain"
	"relaybot/internal/queue"
	logx "relaybot/pkg/logx"
)

type fakeQueue struct {
	calls []string
	err   error
}

func (f *fakeQueue) Ingest(_ context.Context, c domain.Content) (queue.Result, error) {
	f.calls = append(f.calls, "ingest:"+c.Platform)
	return queue.Result{ContentID: c.ID}, f.err
}

func (f *fakeQueue) EnqueueContent(_ context.Context, id int64) (queue.Result, error) {
	f.calls = append(f.calls, "enqueue")
	return queue.Result{ContentID: id}, f.err
}

func (f *fakeQueue) Approve(_ context.Context, id int64, note string) (queue.Result, error) {
	f.calls = append(f.calls, "approve:"+note)
	return queue.Result{ContentID: id}, f.err
}

func (f *fakeQueue) Reject(_ context.Context, _ int64, note string) error {
	f.calls = append(f.calls, "reject:"+note)
	return f.err
}

var testCfg = Config{IngestTopic: "content", ReviewTopic: "review"}

func newHandler(q Queue) *Handler {
	h := NewHandler(testCfg, q, logx.Nop())
	h.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func TestHandleRoutesRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		topic string
		value string
		want  string
		bad   bool
	}{
		{name: "content", topic: "content", value: `{"id":1,"platform":"x","tags":["news"]}`, want: "ingest:x"},
		{name: "id only", topic: "content", value: `{"id":1}`, want: "enqueue"},
		{name: "approve", topic: "review", value: `{"content_id":1,"decision":"approve","note":"ok"}`, want: "approve:ok"},
		{name: "reject", topic: "review", value: `{"content_id":1,"decision":"Rejected","note":"spam"}`, want: "reject:spam"},
		{name: "bad json", topic: "content", value: `{`, bad: true},
		{name: "zero id", topic: "content", value: `{"platform":"x"}`, bad: true},
		{name: "unknown decision", topic: "review", value: `{"content_id":1,"decision":"maybe"}`, bad: true},
		{name: "unknown topic", topic: "other", value: `{}`, bad: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &fakeQueue{}
			err := newHandler(q).Handle(context.Background(), &kgo.Record{Topic: tt.topic, Value: []byte(tt.value)})
			if tt.bad {
				if !errors.Is(err, errBadRecord) || len(q.calls) != 0 {
					t.Fatalf("Handle err = %v, calls %v", err, q.calls)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if len(q.calls) != 1 || q.calls[0] != tt.want {
				t.Fatalf("calls = %v, want [%s]", q.calls, tt.want)
			}
		})
	}
}

func TestHandleRetriesStoreErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{name: "store failure", err: errors.New("db locked"), calls: maxAttempts},
		{name: "not found", err: domain.ErrNotFound, calls: 1},
		{name: "invalid transition", err: domain.ErrInvalidTransition, calls: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &fakeQueue{err: tt.err}
			err := newHandler(q).Handle(context.Background(), &kgo.Record{Topic: "review", Value: []byte(`{"content_id":3,"decision":"approve"}`)})
			if !errors.Is(err, tt.err) {
				t.Fatalf("Handle err = %v, want %v", err, tt.err)
			}
			if len(q.calls) != tt.calls {
				t.Fatalf("calls = %d, want %d", len(q.calls), tt.calls)
			}
		})
	}
}

func TestNewConsumerValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewConsumer(Config{IngestTopic: "content"}, &fakeQueue{}, logx.Nop()); err == nil {
		t.Fatalf("NewConsumer accepted empty brokers")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"127.0.0.1:9092"}}, &fakeQueue{}, logx.Nop()); err == nil {
		t.Fatalf("NewConsumer accepted no topics")
	}
}
