package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"relaybot/internal/domain"
	logx "relaybot/pkg/logx"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token      string
	URL        string // API endpoint override, empty for the public API
	ParseMode  string
	RatePerSec int
	Timeout    time.Duration
}

// Telegram sends payloads with the Bot API. The bot never polls; it only
// calls sendMessage.
//
// Destinations: "<chat_id>", "<chat_id>/<thread_id>" or "@channel".
type Telegram struct {
	cfg     TelegramConfig
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, bot: b, limiter: rate.NewLimiter(rate.Limit(rps), rps), log: log}, nil
}

type username string

func (u username) Recipient() string { return string(u) }

func parseChatDest(dest string) (tele.Recipient, int, error) {
	dest = strings.TrimSpace(dest)
	if strings.HasPrefix(dest, "@") && len(dest) > 1 {
		return username(dest), 0, nil
	}
	chat, thread, _ := strings.Cut(dest, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("bad chat id %q", dest)
	}
	tid := 0
	if thread != "" {
		if tid, err = strconv.Atoi(thread); err != nil || tid < 0 {
			return nil, 0, fmt.Errorf("bad thread id %q", dest)
		}
	}
	return tele.ChatID(id), tid, nil
}

// Send delivers payload, split into chunks under the message size limit.
// A failure after the first chunk retries the whole payload.
func (t *Telegram) Send(ctx context.Context, payload, dest string) error {
	to, thread, err := parseChatDest(dest)
	if err != nil {
		return domain.Permanent(err)
	}
	opt := &tele.SendOptions{
		ParseMode: tele.ParseMode(t.cfg.ParseMode),
		ThreadID:  thread,
	}
	for i, chunk := range splitText(payload, telegramTextLimit) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(to, chunk, opt); err != nil {
			t.log.Debug("telegram send failed", logx.String("dest", dest), logx.Int("chunk", i), logx.Err(err))
			return classifyTelegram(err)
		}
	}
	return nil
}

// classifyTelegram marks client errors permanent and carries flood waits.
func classifyTelegram(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) && flood.RetryAfter > 0 {
		return domain.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return domain.Permanent(err)
		}
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
