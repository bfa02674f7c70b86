package discord

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forwardbot/internal/domain"
	"forwardbot/internal/identity"
	"forwardbot/internal/metrics"
)

// Gateway owns the lifecycle of the single active gateway connection and
// bridges its push buffer to the pull-style API the monitor consumes.
// Connection establishment is single-flight; credential or network changes
// tear the connection down so the next use performs a fresh handshake.
type Gateway struct {
	rest     *Client
	identity *identity.Provider
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *conn
	token   string
	network domain.NetworkOptions

	url string
}

// NewGateway builds a supervisor around the hardened REST client, which it
// also uses for history bootstrap, pins, and channel checks.
func NewGateway(rest *Client, provider *identity.Provider, logger *slog.Logger) *Gateway {
	return &Gateway{
		rest:     rest,
		identity: provider,
		logger:   logger,
		url:      gatewayURL,
	}
}

// SetToken replaces the credentials and invalidates any live connection.
func (g *Gateway) SetToken(token string, typ TokenType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = strings.TrimSpace(token)
	g.rest.SetToken(token, typ)
	g.teardownLocked()
}

// SetNetworkOptions invalidates any live connection; the egress identity
// changed, so the next use handshakes from scratch.
func (g *Gateway) SetNetworkOptions(options domain.NetworkOptions) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.network = options
	g.teardownLocked()
}

// Close tears down the active connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardownLocked()
}

func (g *Gateway) teardownLocked() {
	if g.conn != nil {
		g.conn.requestStop()
		g.conn = nil
	}
}

// EnsureConnection returns the live connection, or constructs, starts and
// awaits readiness of a new one. Construction failures null the slot so a
// later call can retry. The caller bounds the wait through ctx.
func (g *Gateway) EnsureConnection(ctx context.Context) (*conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == "" {
		return nil, errNoToken
	}
	if g.conn != nil && !g.conn.isClosing() {
		return g.conn, nil
	}

	userAgent := g.network.UserAgent
	if userAgent == "" {
		userAgent = g.identity.PickDesktop()
	}
	connection := newConn(g.url, g.token, userAgent, g.dialer(), g.rest, g.logger)
	g.conn = connection
	if err := connection.start(ctx); err != nil {
		g.conn = nil
		return nil, err
	}
	return connection, nil
}

func (g *Gateway) dialer() *websocket.Dialer {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	if g.network.ProxyURL != "" {
		if proxyURL, err := parseProxyURL(g.network); err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		} else {
			g.logger.Warn("invalid gateway proxy URL", "error", err)
		}
	}
	return dialer
}

// FetchMessages serves the monitor's poll from the gateway buffer. A fetch
// with no cursor lazily bootstraps the channel with a one-time REST history
// call. Connection failures are soft: the caller gets an empty batch and
// retries on its next cycle.
func (g *Gateway) FetchMessages(ctx context.Context, channelID, after string, limit int) []domain.Message {
	connection, err := g.EnsureConnection(ctx)
	if err != nil {
		g.logger.Warn("gateway unavailable", "channel_id", channelID, "error", err)
		metrics.FetchErrors.Inc()
		return nil
	}
	if after == "" {
		connection.bootstrapChannel(ctx, channelID, limit)
	}
	return connection.getMessages(channelID, after, limit)
}

// FetchPins returns the channel's pinned messages, empty on any failure.
func (g *Gateway) FetchPins(ctx context.Context, channelID string) []domain.Message {
	if _, err := g.EnsureConnection(ctx); err != nil {
		g.logger.Warn("gateway unavailable", "channel_id", channelID, "error", err)
		metrics.FetchErrors.Inc()
		return nil
	}
	pins, err := g.rest.FetchPins(ctx, channelID)
	if err != nil {
		g.logger.Warn("pin fetch failed", "channel_id", channelID, "error", err)
		metrics.FetchErrors.Inc()
		return nil
	}
	return pins
}

// CheckChannel reports whether the channel is reachable with the current
// token. Soft failure: false when the gateway cannot be established.
func (g *Gateway) CheckChannel(ctx context.Context, channelID string) bool {
	if _, err := g.EnsureConnection(ctx); err != nil {
		return false
	}
	visible, err := g.rest.CheckChannel(ctx, channelID)
	if err != nil {
		g.logger.Warn("channel check failed", "channel_id", channelID, "error", err)
		return false
	}
	return visible
}
