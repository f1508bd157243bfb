// Package telegram is the send-only Telegram adapter on telebot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "webtaskd/internal/transport"
	logx "webtaskd/pkg/logx"
)

type Config struct {
	Token string
	// RequestTimeout bounds each Bot API call. Zero picks a default.
	RequestTimeout time.Duration
}

// Adapter pushes alerts and forwarded log lines out through the Bot API.
// webtaskd never long-polls for updates.
type Adapter struct {
	log  logx.Logger
	bot  *tele.Bot
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Client: hc})
	if err != nil {
		return nil, err
	}
	return &Adapter{log: log, bot: bot, http: hc}, nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// No poller to unwind; just drop pooled connections.
	if a.http != nil {
		a.http.CloseIdleConnections()
	}
	a.log.Debug("telegram adapter stopped")
	return nil
}

// SendText sends text to a chat, splitting it into API-sized chunks. The
// returned ref points at the first chunk; on a mid-send failure it is still
// returned so callers can reference what went out.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)

	chat := &tele.Chat{ID: to.ChatID}
	send := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, send)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

const textLimit = 4000

// splitText breaks text into chunks of at most limit runes, preferring
// newline boundaries and keeping HTML tags whole when the parse mode asks
// for HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := chunkEnd(rs, start, limit, html)
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// chunkEnd picks where the chunk starting at start should stop.
func chunkEnd(rs []rune, start, limit int, html bool) int {
	end := start + limit
	if end >= len(rs) {
		return len(rs)
	}

	// The last newline in the window wins, unless it would leave a stub
	// chunk shorter than a third of the limit.
	for i := end - 1; i > start; i-- {
		if rs[i] != '\n' {
			continue
		}
		if i-start >= limit/3 {
			end = i + 1
		}
		break
	}

	if html {
		// Never cut between "<" and its closing ">".
		lastLt, lastGt := -1, -1
		for i := start; i < end; i++ {
			switch rs[i] {
			case '<':
				lastLt = i
			case '>':
				lastGt = i
			}
		}
		if lastLt > lastGt && lastLt > start+1 {
			end = lastLt
		}
	}
	return end
}
