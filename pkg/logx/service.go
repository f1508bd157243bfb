package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "webtaskd/internal/transport"
)

// Service owns the sink set. Loggers handed out by it read the current root
// through an atomic pointer, so Apply retargets them without coordination.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu      sync.Mutex
	logFile *os.File

	sender   kit.Adapter
	tgOut    chan telegramItem
	tgOnce   sync.Once
	tgCancel context.CancelFunc
	tgWG     sync.WaitGroup

	// telegram knobs, guarded by mu
	tgChat   int64
	tgThread int
	tgLimit  *rate.Limiter
	tgMin    zerolog.Level
}

// New builds the service, applies cfg, and returns the root logger. sender
// may be nil; the telegram sink then drops everything.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{
		sender: sender,
		tgOut:  make(chan telegramItem, 256),
	}
	boot := consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget points the telegram sink at a chat. A zero chat id
// silences the sink; a zero thread id keeps the current thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.tgChat = chatID
	if threadID != 0 {
		s.tgThread = threadID
	}
	s.mu.Unlock()
}

// Apply rebuilds the sink set from cfg. Safe to call concurrently and at any
// time; in-flight log calls keep using the previous root.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tgMin = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.tgLimit = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.tgThread = cfg.Telegram.ThreadID
	}

	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := s.openLogFile(cfg.File.Path); f != nil {
			s.logFile = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.startTelegramWorker()
		sinks = append(sinks, &telegramWriter{svc: s})
		if s.tgChat == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but no alert chat is set")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./webtaskd.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

// startTelegramWorker launches the forwarding loop on first use. Caller
// holds mu.
func (s *Service) startTelegramWorker() {
	s.tgOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.tgCancel = cancel
		s.tgWG.Add(1)
		go func() {
			defer s.tgWG.Done()
			s.forwardTelegram(ctx)
		}()
	})
}

// Close stops the telegram worker and releases the log file. The service
// keeps logging to the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.logFile
	s.logFile = nil
	cancel := s.tgCancel
	s.tgCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.tgWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	// emit() already shortened the caller; keep it verbatim.
	cw.FormatCaller = func(v any) string {
		c, _ := v.(string)
		return c
	}
	return cw
}
