package env

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry maps program names to implementations. Registration happens at
// startup; lookups are concurrency-safe.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Program
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Program{}}
}

func (r *Registry) Register(name string, p Program) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("program name is empty")
	}
	if p == nil {
		return fmt.Errorf("program %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("program %q already registered", name)
	}
	r.byName[name] = p
	return nil
}

func (r *Registry) Get(name string) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Names returns registered program names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RegisterBuiltins installs the programs shipped with the binary:
// echo, http.check and net.speedtest.
func RegisterBuiltins(r *Registry) error {
	for name, p := range map[string]Program{
		"echo":          echoProgram,
		"http.check":    httpCheckProgram,
		"net.speedtest": speedtestProgram,
	} {
		if err := r.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}

// echoProgram returns its "message" param. "delay" (duration) makes it sleep
// first, which is handy for exercising timeouts against a real clock.
func echoProgram(ctx context.Context, rc *Context) (any, error) {
	msg := rc.StringParam("message", "ok")
	if delay := rc.DurationParam("delay", 0); delay > 0 {
		rc.Debugf("sleeping %s", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	rc.Logf("echo: %s", msg)
	return map[string]any{"message": msg}, nil
}

// httpCheckProgram probes a URL and reports status and latency. It fails the
// run when the response status does not match "expect_status" (default 200).
func httpCheckProgram(ctx context.Context, rc *Context) (any, error) {
	url := rc.StringParam("url", "")
	if url == "" {
		return nil, fmt.Errorf("http.check: param %q is required", "url")
	}
	method := strings.ToUpper(rc.StringParam("method", http.MethodGet))
	expect := rc.IntParam("expect_status", http.StatusOK)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http.check: build request: %w", err)
	}

	tr := &http.Transport{Proxy: http.ProxyFromEnvironment}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr}

	rc.Debugf("%s %s", method, url)
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("http.check: %w", err)
	}
	_ = resp.Body.Close()

	ok := resp.StatusCode == expect
	rc.Logf("http.check: %s -> %d in %s", url, resp.StatusCode, elapsed.Round(time.Millisecond))
	out := map[string]any{
		"url":        url,
		"status":     resp.StatusCode,
		"latency_ms": elapsed.Milliseconds(),
		"ok":         ok,
	}
	if !ok {
		return out, fmt.Errorf("http.check: %s returned %d, want %d", url, resp.StatusCode, expect)
	}
	return out, nil
}
