// Package proxy rotates egress endpoints for one service and tracks their
// health. A proxy marked bad is quarantined for a recovery period and then
// becomes selectable again; an empty selection means "connect directly".
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"forwardbot/internal/logx"
)

// Settings configure one Pool instance.
type Settings struct {
	Endpoints          []string
	Username           string
	Password           string
	HealthCheckURL     string
	HealthCheckTimeout time.Duration
	RecoverySeconds    float64
	RotateURL          string // optional endpoint that asks the provider for a fresh exit IP
}

// Pool tracks per-endpoint health for a set of rotating proxies.
type Pool struct {
	settings Settings
	name     string
	logger   *slog.Logger

	mu        sync.Mutex
	unhealthy map[string]time.Time // endpoint -> selectable-again instant
	verified  map[string]struct{}

	rotationMu   sync.Mutex
	lastRotation time.Time

	now func() time.Time
}

// NewPool creates a pool for the named service.
func NewPool(settings Settings, name string, logger *slog.Logger) *Pool {
	if settings.HealthCheckTimeout <= 0 {
		settings.HealthCheckTimeout = 5 * time.Second
	}
	if settings.RecoverySeconds <= 0 {
		settings.RecoverySeconds = 30
	}
	return &Pool{
		settings:  settings,
		name:      name,
		logger:    logger,
		unhealthy: make(map[string]time.Time),
		verified:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// HasProxies reports whether any endpoints are configured.
func (p *Pool) HasProxies() bool { return len(p.settings.Endpoints) > 0 }

// Endpoints returns the configured endpoint list.
func (p *Pool) Endpoints() []string {
	return append([]string(nil), p.settings.Endpoints...)
}

// BasicAuth returns the proxy credentials, if configured.
func (p *Pool) BasicAuth() (username, password string, ok bool) {
	if p.settings.Username == "" {
		return "", "", false
	}
	return p.settings.Username, p.settings.Password, true
}

// ProxyURL builds the endpoint URL with credentials applied, ready to hand
// to http.Transport.Proxy or a websocket dialer.
func (p *Pool) ProxyURL(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse proxy endpoint: %w", err)
	}
	if p.settings.Username != "" && u.User == nil {
		u.User = url.UserPassword(p.settings.Username, p.settings.Password)
	}
	return u, nil
}

// GetProxy returns a uniformly-random healthy endpoint, or "" when none is
// selectable (callers then connect directly). It never fails.
func (p *Pool) GetProxy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	candidates := make([]string, 0, len(p.settings.Endpoints))
	for _, endpoint := range p.settings.Endpoints {
		if until, bad := p.unhealthy[endpoint]; bad && until.After(now) {
			continue
		}
		candidates = append(candidates, endpoint)
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))]
}

// EnsureHealthy probes the endpoint against the configured health-check URL.
// The result is cached until the endpoint is next marked bad. Probe failures
// mark the endpoint bad and return false.
func (p *Pool) EnsureHealthy(ctx context.Context, endpoint string, client *http.Client) bool {
	if endpoint == "" || p.settings.HealthCheckURL == "" {
		return true
	}
	p.mu.Lock()
	_, ok := p.verified[endpoint]
	_, bad := p.unhealthy[endpoint]
	p.mu.Unlock()
	if ok && !bad {
		return true
	}

	if err := p.probe(ctx, endpoint); err != nil {
		p.MarkBad(ctx, endpoint, fmt.Sprintf("health_check_failed:%v", err), client)
		return false
	}

	p.mu.Lock()
	p.verified[endpoint] = struct{}{}
	p.mu.Unlock()
	logx.Emit(p.logger, slog.LevelInfo, logx.Event{
		Name:    "proxy_checked",
		Outcome: "healthy",
		Extra:   map[string]any{"service": p.name, "proxy": endpoint},
	})
	return true
}

func (p *Pool) probe(ctx context.Context, endpoint string) error {
	proxyURL, err := p.ProxyURL(endpoint)
	if err != nil {
		return err
	}
	probeClient := &http.Client{
		Timeout: p.settings.HealthCheckTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.HealthCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

// MarkBad quarantines the endpoint for the recovery period and drops its
// cached verification. When a rotate URL is configured, a rotation request
// is fired, throttled to once per second.
func (p *Pool) MarkBad(ctx context.Context, endpoint, reason string, client *http.Client) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	p.unhealthy[endpoint] = p.now().Add(time.Duration(p.settings.RecoverySeconds * float64(time.Second)))
	delete(p.verified, endpoint)
	p.mu.Unlock()
	logx.Emit(p.logger, slog.LevelWarn, logx.Event{
		Name:    "proxy_marked_unhealthy",
		Outcome: "cooldown",
		Extra:   map[string]any{"service": p.name, "proxy": endpoint, "reason": reason},
	})
	if client != nil {
		p.triggerRotation(ctx, client, reason)
	}
}

// MarkSuccess clears unhealthy state and caches the endpoint as verified.
func (p *Pool) MarkSuccess(endpoint string) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	delete(p.unhealthy, endpoint)
	p.verified[endpoint] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) triggerRotation(ctx context.Context, client *http.Client, reason string) {
	if p.settings.RotateURL == "" {
		return
	}
	p.rotationMu.Lock()
	defer p.rotationMu.Unlock()
	now := p.now()
	if now.Sub(p.lastRotation) < time.Second {
		return
	}
	p.lastRotation = now

	timeout := p.settings.HealthCheckTimeout
	if timeout < 3*time.Second {
		timeout = 3 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.settings.RotateURL, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	outcome := "requested"
	level := slog.LevelInfo
	extra := map[string]any{"service": p.name, "url": p.settings.RotateURL, "reason": reason}
	if err != nil {
		outcome = "error"
		level = slog.LevelWarn
		extra["error"] = err.Error()
	} else {
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			outcome = "error"
			level = slog.LevelWarn
			extra["status"] = resp.StatusCode
		}
	}
	logx.Emit(p.logger, level, logx.Event{Name: "proxy_rotation", Outcome: outcome, Extra: extra})
}
