package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	kit "webtaskd/internal/transport"
)

// The telegram sink mirrors warn/error lines to an operator chat. It must
// never slow the logging path: entries are level-filtered, rate-limited,
// then handed to a worker through a bounded queue that drops on overflow.

const (
	tgMaxMessage = 3500
	tgMaxStack   = 900
	tgMaxField   = 600
)

type telegramItem struct {
	to  kit.ChatTarget
	msg string
}

func (s *Service) forwardTelegram(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.tgOut:
			if s.sender == nil {
				continue
			}
			_, _ = s.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
		}
	}
}

type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	// zerolog calls WriteLevel; plain Write only shows up from stray callers.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chat := s.tgChat
	thread := s.tgThread
	lim := s.tgLimit
	min := s.tgMin
	s.mu.Unlock()

	if chat == 0 || s.sender == nil || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := renderLogLine(p)
	if msg == "" {
		return len(p), nil
	}

	select {
	case s.tgOut <- telegramItem{to: kit.ChatTarget{ChatID: chat, ThreadID: thread}, msg: msg}:
	default:
		// queue full, drop
	}
	return len(p), nil
}

// renderLogLine turns one zerolog JSON line into a readable chat message:
// "[LEVEL] msg" followed by the remaining fields, keys sorted for stable
// output. Non-JSON input is passed through trimmed.
func renderLogLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), tgMaxMessage)
	}

	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "msg":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(v, tgMaxStack))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(v, tgMaxField))
	}
	return clip(b.String(), tgMaxMessage)
}

func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max < 10 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
