package discord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forwardbot/internal/domain"
)

// connState is the lifecycle phase of a gateway connection.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAwaitingHello
	stateIdentifying
	stateReady
	stateResuming
	stateClosed
)

// conn is one live gateway connection: the websocket, its heartbeat and
// reader goroutines, the protocol session, and the per-channel buffers.
// It mimics the handshake of a browser client.
type conn struct {
	url       string
	token     string
	userAgent string
	dialer    *websocket.Dialer
	rest      *Client
	logger    *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu                sync.Mutex
	state             connState
	seq               *int64
	sessionID         string
	heartbeatInterval time.Duration
	buffers           map[string]*ringBuffer
	bootstrapped      map[string]bool

	readyOnce sync.Once
	readyCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func newConn(url, token, userAgent string, dialer *websocket.Dialer, rest *Client, logger *slog.Logger) *conn {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &conn{
		url:          url,
		token:        token,
		userAgent:    userAgent,
		dialer:       dialer,
		rest:         rest,
		logger:       logger,
		state:        stateDisconnected,
		buffers:      make(map[string]*ringBuffer),
		bootstrapped: make(map[string]bool),
		readyCh:      make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
}

// isClosing reports whether teardown has been requested or has happened.
func (c *conn) isClosing() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// requestStop tears the connection down from any state. Safe to call more
// than once and from any goroutine; the reader and heartbeat exit at their
// next suspension point.
func (c *conn) requestStop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.setState(stateClosed)
		if c.ws != nil {
			c.ws.Close()
		}
		// Release anyone blocked on readiness so a failed connect cannot
		// hang its caller forever.
		c.signalReady()
	})
}

// start dials the gateway and blocks until the session is READY, the
// connection dies, or ctx expires.
func (c *conn) start(ctx context.Context) error {
	c.setState(stateConnecting)
	header := http.Header{}
	header.Set("Origin", "https://discord.com")
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")
	if c.userAgent != "" {
		header.Set("User-Agent", c.userAgent)
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.requestStop()
		return err
	}
	c.ws = ws
	c.setState(stateAwaitingHello)
	go c.readLoop()

	select {
	case <-c.readyCh:
	case <-ctx.Done():
		c.requestStop()
		return ctx.Err()
	}
	if c.isClosing() {
		return errors.New("gateway connection closed before READY")
	}
	return nil
}

func (c *conn) readLoop() {
	defer c.requestStop()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosing() {
				c.logger.Warn("gateway read failed", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.logger.Warn("malformed gateway frame", "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f frame) {
	if f.S != nil {
		c.mu.Lock()
		c.seq = f.S
		c.mu.Unlock()
	}

	switch f.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			hello.HeartbeatInterval = 45000
		}
		c.mu.Lock()
		c.heartbeatInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		c.state = stateIdentifying
		c.mu.Unlock()
		go c.heartbeatLoop()
		c.send(identifyFrame(c.token, c.userAgent))

	case opHeartbeat:
		// Server asked for an immediate heartbeat.
		c.sendHeartbeat()

	case opHeartbeatACK:

	case opDispatch:
		c.handleDispatch(f)

	case opReconnect:
		// Server-requested reconnect: full teardown, the supervisor builds
		// a fresh connection on next use.
		c.writeClose(4000)
		c.requestStop()

	case opInvalidSession:
		c.mu.Lock()
		sessionID := c.sessionID
		seq := c.seq
		c.mu.Unlock()
		if sessionID != "" {
			c.setState(stateResuming)
			c.send(resumeFrame(c.token, sessionID, seq))
		} else {
			c.setState(stateIdentifying)
			c.send(identifyFrame(c.token, c.userAgent))
		}

	case opIdentify, opResume:
		// Client-to-server only; a server must not send these.
	}
}

func (c *conn) handleDispatch(f frame) {
	switch f.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(f.D, &ready); err == nil {
			c.mu.Lock()
			c.sessionID = ready.SessionID
			c.state = stateReady
			c.mu.Unlock()
		}
		c.signalReady()

	case "RESUMED":
		c.setState(stateReady)

	case "MESSAGE_CREATE":
		msg, err := parseMessage(f.D, "")
		if err != nil {
			c.logger.Warn("malformed message dispatch", "error", err)
			return
		}
		if msg.ChannelID == "" {
			msg.ChannelID = "0"
		}
		c.mu.Lock()
		buffer, ok := c.buffers[msg.ChannelID]
		if !ok {
			buffer = newRingBuffer()
			c.buffers[msg.ChannelID] = buffer
		}
		buffer.append(msg)
		c.mu.Unlock()
	}
}

func (c *conn) heartbeatLoop() {
	c.mu.Lock()
	interval := c.heartbeatInterval
	c.mu.Unlock()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *conn) sendHeartbeat() {
	c.mu.Lock()
	seq := c.seq
	c.mu.Unlock()
	c.send(heartbeatFrame(seq))
}

func (c *conn) send(f frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil && !c.isClosing() {
		c.logger.Warn("gateway write failed", "op", int(f.Op), "error", err)
	}
}

func (c *conn) writeClose(code int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}

func (c *conn) signalReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

func (c *conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// bootstrapChannel replaces the channel buffer with a one-time REST history
// fetch. Failures are soft: the buffer keeps whatever the gateway has
// streamed so far.
func (c *conn) bootstrapChannel(ctx context.Context, channelID string, limit int) {
	c.mu.Lock()
	done := c.bootstrapped[channelID]
	c.mu.Unlock()
	if done {
		return
	}
	messages, err := c.rest.FetchMessages(ctx, channelID, "", limit)
	if err != nil {
		c.logger.Warn("channel history bootstrap failed", "channel_id", channelID, "error", err)
		return
	}
	c.mu.Lock()
	buffer, ok := c.buffers[channelID]
	if !ok {
		buffer = newRingBuffer()
		c.buffers[channelID] = buffer
	}
	buffer.clear()
	for _, msg := range messages {
		buffer.append(msg)
	}
	c.bootstrapped[channelID] = true
	c.mu.Unlock()
}

// getMessages reads buffered messages with ID after the cursor, ascending,
// capped at limit. No network involved.
func (c *conn) getMessages(channelID, after string, limit int) []domain.Message {
	if limit < 1 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buffer, ok := c.buffers[channelID]
	if !ok {
		return nil
	}
	return buffer.after(after, limit)
}
