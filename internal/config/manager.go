package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "webtaskd/pkg/logx"
)

// Validator vets a parsed config before it is committed. Returning an error
// rejects the candidate and keeps the previously committed config active.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the on-disk config file: strict parsing, validation, commit,
// subscriber fan-out and hot reload on file change.
type Manager struct {
	path     string
	log      logx.Logger
	validate Validator

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu guards the subscriber list so we never send on a channel that is
	// concurrently being closed by Unsubscribe.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string, log logx.Logger, validate Validator) *Manager {
	return &Manager{
		path:     path,
		log:      log.With(logx.String("component", "config")),
		validate: validate,
	}
}

// SetLogger swaps the manager's logger. Used once the real log service is
// up; the manager starts with a bootstrap console logger.
func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log.With(logx.String("component", "config"))
	m.mu.Unlock()
}

func (m *Manager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads and strictly decodes the config file. YAML files are converted
// to JSON first; unknown fields and trailing tokens are rejected either way.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.path, err)
	}
	jb, err := yamlToJSON(m.path, raw)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", m.path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("decode %s: trailing data after config", m.path)
		}
		return nil, fmt.Errorf("decode %s: %w", m.path, err)
	}
	return &cfg, nil
}

// Commit validates cfg, installs it as current and notifies subscribers.
// A candidate whose canonical hash matches the committed one is skipped, so
// editors that rewrite the file without content changes cause no churn.
func (m *Manager) Commit(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("commit nil config")
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return err
		}
	}

	h := hashConfig(cfg)
	m.mu.Lock()
	if m.cfg != nil && h != 0 && h == m.lastHash {
		m.mu.Unlock()
		m.logger().Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return nil
	}
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()

	m.publish(cfg)
	m.logger().Debug("config committed", logx.Uint64("hash", h))
	return nil
}

// Load is Parse followed by Commit.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.Commit(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the committed config, or nil before the first successful Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a buffered channel receiving each committed config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest config. If the subscriber is slow and its buffer
		// is full, drop ONE oldest item and push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.logger().Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// Watch blocks until ctx is cancelled, reloading the config whenever the file
// changes on disk. Editor rename/replace cycles and broken fsnotify watchers
// are handled by recreating the watcher with a jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// sleepBackoff waits one jittered backoff step; false means ctx is done.
	sleepBackoff := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	// Debounce change bursts (editors emit write+chmod+rename storms) and
	// tolerate partial writes by waiting for the file to settle.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
		}
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			m.logger().Warn("config watch setup failed", logx.Err(err), logx.String("dir", dir))
			if !sleepBackoff() {
				return nil
			}
			continue
		}

		// healthy watcher; reset so transient breaks don't accumulate delay
		backoff = restartBackoffBase
		m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename; event paths vary across OSes and
				// absolute/relative watch roots.
				if !strings.EqualFold(filepath.Base(ev.Name), file) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				lower := strings.ToLower(err.Error())
				// Overflow means events were missed; force one reload and go on.
				if strings.Contains(lower, "overflow") {
					m.logger().Warn("config watch overflow; forcing reload", logx.Err(err))
					scheduleReload()
					continue
				}
				m.logger().Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				// Some fsnotify backends surface watcher closure as an error.
				if strings.Contains(lower, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.logger().Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.String("file", file))
		if !sleepBackoff() {
			return nil
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.logger().Warn("config reload parse failed; keeping previous config", logx.Err(err))
		return
	}
	if err := m.Commit(ctx, cfg); err != nil {
		m.logger().Warn("config reload rejected; keeping previous config", logx.Err(err))
		return
	}
	m.logger().Info("config reloaded", logx.String("path", m.path))
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
