package channel

import (
	"context"

	logx "relaybot/pkg/logx"
)

// Log writes payloads to the logger instead of delivering them. It backs
// the "log:" scheme and dry runs without a bot token.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, payload, dest string) error {
	l.log.Info("push", logx.String("dest", dest), logx.Int("bytes", len(payload)), logx.String("payload", payload))
	return nil
}
