// Package logx emits the structured observability events shared by the
// Discord and Telegram clients and the monitor loop. Every network outcome
// becomes exactly one slog record with a fixed field set so operators can
// grep by event name; credential-shaped values are masked before logging.
package logx

import (
	"context"
	"log/slog"
	"strings"
)

const maxFieldLength = 512

var redactedKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
}

// Event is one observability record in flight.
type Event struct {
	Name      string
	ChannelID string
	MessageID string
	ChatID    string
	Attempt   int
	Outcome   string
	LatencyMs float64
	Extra     map[string]any
}

// Emit logs the event at the given level.
func Emit(logger *slog.Logger, level slog.Level, ev Event) {
	if logger == nil {
		return
	}
	attrs := []any{
		"event", ev.Name,
		"channel_id", ev.ChannelID,
		"message_id", ev.MessageID,
		"chat_id", ev.ChatID,
		"attempt", ev.Attempt,
		"outcome", ev.Outcome,
		"latency_ms", ev.LatencyMs,
	}
	for key, value := range ev.Extra {
		if _, ok := redactedKeys[strings.ToLower(key)]; ok {
			attrs = append(attrs, key, "***")
			continue
		}
		attrs = append(attrs, key, sanitize(value))
	}
	logger.Log(context.Background(), level, ev.Name, attrs...)
}

// MaskToken keeps just enough of a credential to correlate log lines.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func sanitize(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if len(s) > maxFieldLength {
		return s[:maxFieldLength] + "…"
	}
	return s
}
