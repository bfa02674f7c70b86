// Package telegram is the hardened REST client for the destination
// platform's Bot API. Deliveries share the rate limiter and proxy pool
// discipline of the source client but follow the Bot API's own retry
// contract: a fixed retryable status set and a doubling backoff merged
// with the server-provided retry-after.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"forwardbot/internal/identity"
	"forwardbot/internal/logx"
	"forwardbot/internal/metrics"
	"forwardbot/internal/proxy"
	"forwardbot/internal/ratelimit"
)

const (
	apiBase = "https://api.telegram.org"

	requestTimeout  = 15 * time.Second
	maxSendRetries  = 5
	backoffInitial  = time.Second
	backoffCeiling  = 30 * time.Second
	proxyRetries    = 3
	proxyRetryPause = 300 * time.Millisecond
)

// retryableStatuses is the Bot API's transient failure set.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// APIError is a Bot API failure that exhausted its retry budget or is not
// retryable: a >=400 status, or a 200 whose envelope reports ok:false.
type APIError struct {
	Status int
	Method string
	Detail string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("telegram api request failed with status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("telegram method %s reported failure: %s", e.Method, e.Detail)
}

// SendOptions shape a text delivery.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Client delivers messages to the destination platform.
type Client struct {
	limiter  *ratelimit.Limiter
	pool     *proxy.Pool
	identity *identity.Provider
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	clients map[string]*http.Client

	base    string
	timeout time.Duration
	sleep   func(context.Context, time.Duration) error
}

// ClientOptions wires the shared collaborators into a Client.
type ClientOptions struct {
	Token    string
	Limiter  *ratelimit.Limiter
	Pool     *proxy.Pool
	Identity *identity.Provider
	Logger   *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		limiter:  opts.Limiter,
		pool:     opts.Pool,
		identity: opts.Identity,
		logger:   opts.Logger,
		token:    strings.TrimSpace(opts.Token),
		clients:  make(map[string]*http.Client),
		base:     apiBase,
		timeout:  requestTimeout,
		sleep:    sleepCtx,
	}
}

// SetToken replaces the bot credentials used for subsequent deliveries.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// SendText delivers a plain or formatted text message.
func (c *Client) SendText(ctx context.Context, chatID, text string, opts SendOptions) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": opts.DisablePreview,
	}
	if opts.ParseMode != "" {
		payload["parse_mode"] = opts.ParseMode
	}
	return c.post(ctx, "sendMessage", chatID, payload)
}

// SendPhoto delivers a photo by URL with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID, photoURL, caption string) error {
	return c.sendMedia(ctx, "sendPhoto", chatID, "photo", photoURL, caption)
}

// SendVideo delivers a video by URL with an optional caption.
func (c *Client) SendVideo(ctx context.Context, chatID, videoURL, caption string) error {
	return c.sendMedia(ctx, "sendVideo", chatID, "video", videoURL, caption)
}

// SendAudio delivers an audio file by URL with an optional caption.
func (c *Client) SendAudio(ctx context.Context, chatID, audioURL, caption string) error {
	return c.sendMedia(ctx, "sendAudio", chatID, "audio", audioURL, caption)
}

// SendDocument delivers an arbitrary file by URL with an optional caption.
func (c *Client) SendDocument(ctx context.Context, chatID, documentURL, caption string) error {
	return c.sendMedia(ctx, "sendDocument", chatID, "document", documentURL, caption)
}

func (c *Client) sendMedia(ctx context.Context, method, chatID, field, value, caption string) error {
	payload := map[string]any{
		"chat_id": chatID,
		field:     value,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	return c.post(ctx, method, chatID, payload)
}

// post issues one Bot API call with bounded retries. Transient statuses and
// network failures share a single retry budget; the delay before each retry
// is the larger of the server-provided retry-after and a doubling backoff.
func (c *Client) post(ctx context.Context, method, chatID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	attempt := 0
	backoff := backoffInitial
	for {
		attempt++
		delay, err := c.attempt(ctx, method, chatID, body, attempt, backoff)
		if delay < 0 {
			return err
		}
		metrics.RequestRetries.Inc()
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		backoff = backoff * 2
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}

// attempt performs one round trip. A negative delay means "do not retry".
func (c *Client) attempt(ctx context.Context, method, chatID string, body []byte, attempt int, backoff time.Duration) (time.Duration, error) {
	start := time.Now()
	endpoint := c.selectProxy(ctx)
	httpClient, err := c.clientFor(endpoint)
	if err != nil {
		return -1, err
	}

	// The limiter slot is taken before the request clock starts, so cooldown
	// and window waits never eat into the transport deadline.
	if err := c.limiter.Acquire(ctx); err != nil {
		return -1, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		c.limiter.Release()
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.identity.Pick())
	resp, err := httpClient.Do(req)
	c.limiter.Release()

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		c.pool.MarkBad(ctx, endpoint, "network_error", nil)
		c.emit(chatID, slog.LevelWarn, attempt, "network_error", latency, map[string]any{
			"method": method, "error": err.Error(),
		})
		if attempt > maxSendRetries {
			return -1, fmt.Errorf("telegram request failed after %d attempts: %w", attempt, err)
		}
		return backoff, nil
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		if attempt > maxSendRetries {
			return -1, fmt.Errorf("telegram response read failed: %w", readErr)
		}
		return backoff, nil
	}

	if _, retryable := retryableStatuses[resp.StatusCode]; retryable && attempt <= maxSendRetries {
		delay := serverRetryAfter(resp, respBody)
		if backoff > delay {
			delay = backoff
		}
		c.limiter.ImposeCooldown(delay)
		c.pool.MarkBad(ctx, endpoint, fmt.Sprintf("status_%d", resp.StatusCode), nil)
		c.emit(chatID, slog.LevelWarn, attempt, "rate_limited", latency, map[string]any{
			"method": method, "status": resp.StatusCode, "delay_s": delay.Seconds(),
		})
		return delay, nil
	}

	if resp.StatusCode >= 400 {
		// Caller errors say nothing about the egress path; only the
		// suspicious statuses discredit the proxy.
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.pool.MarkBad(ctx, endpoint, fmt.Sprintf("status_%d", resp.StatusCode), nil)
		}
		c.emit(chatID, slog.LevelError, attempt, "api_error", latency, map[string]any{
			"method": method, "status": resp.StatusCode,
		})
		return -1, &APIError{Status: resp.StatusCode, Method: method, Detail: string(respBody)}
	}

	var envelope struct {
		OK          *bool  `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.OK != nil && !*envelope.OK {
		detail := envelope.Description
		if envelope.ErrorCode != 0 {
			if detail != "" {
				detail += "; "
			}
			detail += "error_code=" + strconv.Itoa(envelope.ErrorCode)
		}
		if detail == "" {
			detail = "no details"
		}
		c.emit(chatID, slog.LevelError, attempt, "api_error", latency, map[string]any{
			"method": method, "detail": detail,
		})
		return -1, &APIError{Method: method, Detail: detail}
	}

	c.pool.MarkSuccess(endpoint)
	c.emit(chatID, slog.LevelDebug, attempt, "success", latency, map[string]any{"method": method})
	return -1, nil
}

func (c *Client) methodURL(method string) string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.base + "/bot" + token + "/" + method
}

func (c *Client) selectProxy(ctx context.Context) string {
	if !c.pool.HasProxies() {
		return ""
	}
	for i := 0; i < proxyRetries; i++ {
		endpoint := c.pool.GetProxy()
		if endpoint == "" {
			return ""
		}
		if c.pool.EnsureHealthy(ctx, endpoint, nil) {
			return endpoint
		}
		if err := c.sleep(ctx, proxyRetryPause); err != nil {
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

func (c *Client) emit(chatID string, level slog.Level, attempt int, outcome string, latency float64, extra map[string]any) {
	logx.Emit(c.logger, level, logx.Event{
		Name:      "telegram_send",
		ChatID:    chatID,
		Attempt:   attempt,
		Outcome:   outcome,
		LatencyMs: latency,
		Extra:     extra,
	})
}

// serverRetryAfter reads the Retry-After header first, then the Bot API's
// parameters.retry_after body field.
func serverRetryAfter(resp *http.Response, body []byte) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var payload struct {
		Parameters struct {
			RetryAfter float64 `json:"retry_after"`
		} `json:"parameters"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Parameters.RetryAfter > 0 {
			return time.Duration(payload.Parameters.RetryAfter * float64(time.Second))
		}
		if payload.RetryAfter > 0 {
			return time.Duration(payload.RetryAfter * float64(time.Second))
		}
	}
	return 0
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
