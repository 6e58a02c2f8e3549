package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	dest []string
}

func (r *recorder) Send(_ context.Context, _ string, dest string) error {
	r.mu.Lock()
	r.dest = append(r.dest, dest)
	r.mu.Unlock()
	return nil
}

func TestRouterSend(t *testing.T) {
	t.Parallel()

	tg, kf := &recorder{}, &recorder{}
	r := NewRouter("telegram")
	r.Register("telegram", tg)
	r.Register("Kafka", kf)

	tests := []struct {
		target string
		want   *recorder
		dest   string
		perm   bool
	}{
		{target: "telegram:-100123", want: tg, dest: "-100123"},
		{target: "-100123:5", want: tg, dest: "-100123:5"},
		{target: "12345", want: tg, dest: "12345"},
		{target: "KAFKA:news.out", want: kf, dest: "news.out"},
		{target: "slack:general", perm: true},
		{target: "kafka:", perm: true},
	}
	for _, tt := range tests {
		err := r.Send(context.Background(), "p", tt.target)
		if tt.perm {
			if !domain.IsPermanent(err) {
				t.Fatalf("Send(%q) err = %v, want permanent", tt.target, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Send(%q): %v", tt.target, err)
		}
		if got := tt.want.dest[len(tt.want.dest)-1]; got != tt.dest {
			t.Fatalf("Send(%q) dest = %q, want %q", tt.target, got, tt.dest)
		}
	}
	if got := strings.Join(r.Schemes(), ","); got != "kafka,telegram" {
		t.Fatalf("Schemes = %q", got)
	}
	if err := r.Send(context.Background(), "p", "slack:x"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("unknown scheme err = %v", err)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText short = %q", got)
	}
	got := splitText("aaaaaa\nbbbbbb\ncccccc", 10)
	want := []string{"aaaaaa", "bbbbbb", "cccccc"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("splitText = %q, want %q", got, want)
	}
	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("splitText hard cut = %q", got)
	}
}

func TestParseChatDest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dest      string
		recipient string
		thread    int
		bad       bool
	}{
		{dest: "123", recipient: "123"},
		{dest: "-100123/7", recipient: "-100123", thread: 7},
		{dest: "@news", recipient: "@news"},
		{dest: "chatA", bad: true},
		{dest: "1/x", bad: true},
	}
	for _, tt := range tests {
		to, thread, err := parseChatDest(tt.dest)
		if tt.bad {
			if err == nil {
				t.Fatalf("parseChatDest(%q) accepted", tt.dest)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseChatDest(%q): %v", tt.dest, err)
		}
		if to.Recipient() != tt.recipient || thread != tt.thread {
			t.Fatalf("parseChatDest(%q) = %s, %d", tt.dest, to.Recipient(), thread)
		}
	}
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		chat, _ := body["chat_id"].(string)
		w.Header().Set("Content-Type", "application/json")
		switch chat {
		case "403":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
		case "500":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
		case "429":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`))
		default:
			mu.Lock()
			texts = append(texts, body["text"].(string))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":123,"type":"private"}}}`))
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "t0k", URL: srv.URL, RatePerSec: 100, Timeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	ctx := context.Background()

	if err := tg.Send(ctx, "hello", "123"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if len(texts) != 1 || texts[0] != "hello" {
		t.Fatalf("texts = %q", texts)
	}
	mu.Unlock()

	if err := tg.Send(ctx, "hello", "403"); !domain.IsPermanent(err) {
		t.Fatalf("403 err = %v, want permanent", err)
	}
	for _, dest := range []string{"500", "429"} {
		err := tg.Send(ctx, "hello", dest)
		if err == nil || domain.IsPermanent(err) {
			t.Fatalf("%s err = %v, want transient", dest, err)
		}
	}
	if err := tg.Send(ctx, "hello", "not-a-chat"); !domain.IsPermanent(err) {
		t.Fatalf("bad dest err = %v, want permanent", err)
	}
	if _, err := NewTelegram(TelegramConfig{}, logx.Nop()); err == nil {
		t.Fatalf("NewTelegram accepted an empty token")
	}
}

type mockProducer struct {
	err  error
	last *kgo.Record
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	if len(rs) > 0 {
		m.last = rs[0]
	}
	if m.err != nil {
		return kgo.ProduceResults{{Err: m.err}}
	}
	return kgo.ProduceResults{}
}

func TestKafkaSend(t *testing.T) {
	t.Parallel()

	mock := &mockProducer{}
	k := NewKafka(mock)
	if err := k.Send(context.Background(), "payload", "news.out"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mock.last.Topic != "news.out" || string(mock.last.Value) != "payload" {
		t.Fatalf("record = %+v", mock.last)
	}

	tests := []struct {
		name string
		err  error
		perm bool
	}{
		{name: "retriable", err: kerr.NotLeaderForPartition, perm: false},
		{name: "authorization", err: kerr.TopicAuthorizationFailed, perm: true},
		{name: "plain", err: errors.New("broker gone"), perm: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewKafka(&mockProducer{err: tt.err}).Send(context.Background(), "p", "topic")
			if err == nil {
				t.Fatalf("Send succeeded")
			}
			if domain.IsPermanent(err) != tt.perm {
				t.Fatalf("IsPermanent = %v, want %v (err %v)", domain.IsPermanent(err), tt.perm, err)
			}
		})
	}
	if err := k.Send(context.Background(), "p", " "); !domain.IsPermanent(err) {
		t.Fatalf("empty topic err = %v", err)
	}
}

func TestLogChannel(t *testing.T) {
	t.Parallel()
	if err := NewLog(logx.Nop()).Send(context.Background(), "p", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
