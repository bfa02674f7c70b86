package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"forwardbot/internal/domain"
	"forwardbot/internal/identity"
	"forwardbot/internal/logx"
	"forwardbot/internal/metrics"
	"forwardbot/internal/proxy"
	"forwardbot/internal/ratelimit"
)

const (
	apiBase = "https://discord.com/api/v10"

	requestTimeout      = 15 * time.Second
	maxRateLimitRetries = 5
	maxNetworkRetries   = 3
	rateLimitBackoffCap = 60 * time.Second
	networkBackoffCap   = 30 * time.Second

	// proxySelectRetries bounds how often a call re-picks an endpoint after
	// a failed health probe before falling back to a direct connection.
	proxySelectRetries = 3
	proxySelectBackoff = 300 * time.Millisecond

	// suspicionCooldown scales with min(suspicionCount, 3).
	suspicionCooldown = 30 * time.Second
)

// retryContext accumulates the per-call retry state so budgets are explicit
// and testable independent of the transport.
type retryContext struct {
	attempt           int
	rateLimitAttempts int
	networkAttempts   int
}

// Client is the hardened REST client for the source platform. All calls go
// through the rate limiter and the proxy pool; responses are classified
// into retryable, suspicious, and fatal outcomes.
type Client struct {
	limiter  *ratelimit.Limiter
	pool     *proxy.Pool
	identity *identity.Provider
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	tokenType TokenType
	suspicion int
	clients   map[string]*http.Client // per-proxy transports

	base    string
	timeout time.Duration
	sleep   func(context.Context, time.Duration) error
}

// ClientOptions wires the shared collaborators into a Client.
type ClientOptions struct {
	Limiter  *ratelimit.Limiter
	Pool     *proxy.Pool
	Identity *identity.Provider
	Logger   *slog.Logger
}

// NewClient builds a REST client. Token is set separately so the admin
// surface can swap credentials at runtime.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		limiter:  opts.Limiter,
		pool:     opts.Pool,
		identity: opts.Identity,
		logger:   opts.Logger,
		clients:  make(map[string]*http.Client),
		base:     apiBase,
		timeout:  requestTimeout,
		sleep:    sleepCtx,
	}
}

// SetToken replaces the credentials used for subsequent requests.
func (c *Client) SetToken(token string, typ TokenType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
	c.tokenType = typ
}

// Token returns the current raw token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// FetchMessages returns up to limit messages after the given cursor,
// ascending by ID. The platform answers newest-first; the result is
// re-sorted before returning.
func (c *Client) FetchMessages(ctx context.Context, channelID, after string, limit int) ([]domain.Message, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if after != "" {
		query.Set("after", after)
	}
	payload, err := c.Request(ctx, http.MethodGet, "/channels/"+channelID+"/messages", query)
	if err != nil {
		return nil, err
	}
	messages, err := parseMessageList(payload, channelID)
	if err != nil {
		return nil, err
	}
	domain.SortMessages(messages)
	return messages, nil
}

// FetchPins returns the channel's pinned messages.
func (c *Client) FetchPins(ctx context.Context, channelID string) ([]domain.Message, error) {
	payload, err := c.Request(ctx, http.MethodGet, "/channels/"+channelID+"/pins", nil)
	if err != nil {
		return nil, err
	}
	return parseMessageList(payload, channelID)
}

// CheckChannel reports whether the channel is visible to the token.
func (c *Client) CheckChannel(ctx context.Context, channelID string) (bool, error) {
	_, err := c.Request(ctx, http.MethodGet, "/channels/"+channelID, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 404) {
		return false, nil
	}
	var suspErr *SuspiciousError
	if errors.As(err, &suspErr) {
		return false, nil
	}
	return false, err
}

// Request issues one API call: proxy selection, rate-limiter slot,
// transport, classification, and bounded retries. It returns the raw JSON
// payload of a success response.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	rc := &retryContext{}
	for {
		payload, retryDelay, err := c.attempt(ctx, method, path, query, rc)
		if err == nil && retryDelay < 0 {
			return payload, nil
		}
		if retryDelay < 0 {
			return nil, err
		}
		if sleepErr := c.sleep(ctx, retryDelay); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

// attempt performs a single transport round trip. A negative delay means
// "do not retry": the call either succeeded or failed fatally.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, rc *retryContext) (json.RawMessage, time.Duration, error) {
	rc.attempt++
	start := time.Now()

	endpoint := c.selectProxy(ctx)
	httpClient, err := c.clientFor(endpoint)
	if err != nil {
		return nil, -1, err
	}

	reqURL := c.base + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	// The limiter slot is taken before the request clock starts, so cooldown
	// and window waits never eat into the transport deadline.
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, -1, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, nil)
	if err != nil {
		c.limiter.Release()
		return nil, -1, err
	}
	c.applyHeaders(req)
	resp, err := httpClient.Do(req)
	c.limiter.Release()

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		return c.classifyNetworkError(ctx, err, endpoint, rc, latency)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return c.classifyNetworkError(ctx, readErr, endpoint, rc, latency)
	}
	return c.classifyResponse(ctx, resp, string(body), endpoint, rc, latency)
}

func (c *Client) classifyNetworkError(ctx context.Context, cause error, endpoint string, rc *retryContext, latency float64) (json.RawMessage, time.Duration, error) {
	if ctx.Err() != nil {
		return nil, -1, ctx.Err()
	}
	rc.networkAttempts++
	c.pool.MarkBad(ctx, endpoint, "network_error", nil)
	c.emit("discord_request", slog.LevelWarn, rc.attempt, "network_error", latency, map[string]any{
		"error": cause.Error(),
	})
	if rc.networkAttempts > maxNetworkRetries {
		return nil, -1, fmt.Errorf("discord request failed after %d network retries: %w", maxNetworkRetries, cause)
	}
	metrics.RequestRetries.Inc()
	return nil, backoffDelay(rc.networkAttempts, networkBackoffCap), nil
}

func (c *Client) classifyResponse(ctx context.Context, resp *http.Response, body, endpoint string, rc *retryContext, latency float64) (json.RawMessage, time.Duration, error) {
	// Any response from the server ends the current network-failure streak;
	// the network budget covers consecutive failures only.
	rc.networkAttempts = 0
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		rc.rateLimitAttempts++
		// Honour the server-provided delay exactly when there is one; fall
		// back to jittered exponential backoff otherwise.
		delay := retryAfter(resp, body)
		if delay <= 0 {
			delay = backoffDelay(rc.rateLimitAttempts, rateLimitBackoffCap)
		}
		c.limiter.ImposeCooldown(delay)
		c.pool.MarkBad(ctx, endpoint, fmt.Sprintf("status_%d", status), nil)
		c.emit("discord_request", slog.LevelWarn, rc.attempt, "rate_limited", latency, map[string]any{
			"status": status, "delay_s": delay.Seconds(),
		})
		if rc.rateLimitAttempts > maxRateLimitRetries {
			return nil, -1, &APIError{Status: status, Body: body}
		}
		metrics.RequestRetries.Inc()
		return nil, delay, nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden || (status >= 400 && matchesAbuseKeywords(body)):
		c.mu.Lock()
		c.suspicion++
		factor := c.suspicion
		c.mu.Unlock()
		if factor > 3 {
			factor = 3
		}
		c.limiter.ImposeCooldown(time.Duration(factor) * suspicionCooldown)
		c.pool.MarkBad(ctx, endpoint, fmt.Sprintf("suspicious_%d", status), nil)
		c.emit("discord_request", slog.LevelError, rc.attempt, "suspicious", latency, map[string]any{
			"status": status, "suspicion": factor,
		})
		return nil, -1, &SuspiciousError{Status: status, Body: body}

	case status >= 400:
		c.resetSuspicion()
		c.emit("discord_request", slog.LevelError, rc.attempt, "api_error", latency, map[string]any{
			"status": status,
		})
		return nil, -1, &APIError{Status: status, Body: body}

	default:
		if !isJSONContentType(resp.Header.Get("Content-Type")) {
			c.emit("discord_request", slog.LevelError, rc.attempt, "protocol_violation", latency, map[string]any{
				"content_type": resp.Header.Get("Content-Type"),
			})
			return nil, -1, &ProtocolError{Detail: fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type"))}
		}
		c.resetSuspicion()
		c.pool.MarkSuccess(endpoint)
		c.emit("discord_request", slog.LevelDebug, rc.attempt, "success", latency, nil)
		return json.RawMessage(body), -1, nil
	}
}

// selectProxy picks a healthy endpoint, probing when a health-check URL is
// configured. Probe failures rotate to another endpoint without touching
// the retry budgets; when everything is quarantined the call goes direct.
func (c *Client) selectProxy(ctx context.Context) string {
	if !c.pool.HasProxies() {
		return ""
	}
	for i := 0; i < proxySelectRetries; i++ {
		endpoint := c.pool.GetProxy()
		if endpoint == "" {
			return ""
		}
		if c.pool.EnsureHealthy(ctx, endpoint, nil) {
			return endpoint
		}
		if err := c.sleep(ctx, proxySelectBackoff); err != nil {
			return ""
		}
	}
	return c.pool.GetProxy()
}

func (c *Client) clientFor(endpoint string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[endpoint]; ok {
		return client, nil
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if endpoint != "" {
		proxyURL, err := c.pool.ProxyURL(endpoint)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client := &http.Client{Transport: transport}
	c.clients[endpoint] = client
	return client, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	c.mu.Lock()
	token := c.token
	typ := c.tokenType
	c.mu.Unlock()
	if auth := AuthorizationHeader(token, typ); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("User-Agent", c.identity.Pick())
	req.Header.Set("Accept", "application/json")
}

func (c *Client) resetSuspicion() {
	c.mu.Lock()
	c.suspicion = 0
	c.mu.Unlock()
}

func (c *Client) emit(name string, level slog.Level, attempt int, outcome string, latency float64, extra map[string]any) {
	logx.Emit(c.logger, level, logx.Event{
		Name:      name,
		Attempt:   attempt,
		Outcome:   outcome,
		LatencyMs: latency,
		Extra:     extra,
	})
}

// retryAfter extracts the server-provided delay from the Retry-After header
// or the JSON body's retry_after field.
func retryAfter(resp *http.Response, body string) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return 0
}

// backoffDelay is a jittered exponential backoff: base 1s doubling per
// attempt, scaled by a random factor in [0.5, 1.5), capped.
func backoffDelay(attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Second << uint(attempt-1)
	if base > maxDelay {
		base = maxDelay
	}
	jittered := time.Duration(float64(base) * (0.5 + rand.Float64()))
	if jittered > maxDelay {
		jittered = maxDelay
	}
	return jittered
}

func isJSONContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
