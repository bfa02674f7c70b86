package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"forwardbot/internal/domain"
)

// TokenCheckResult is the outcome of a token validation attempt.
type TokenCheckResult struct {
	OK          bool
	DisplayName string
	Error       string
	Status      int
}

// ProxyCheckResult is the outcome of a proxy health-check attempt.
type ProxyCheckResult struct {
	OK     bool
	Error  string
	Status int
}

const probeTimeout = 20 * time.Second

// VerifyToken opens a one-shot gateway handshake with the given token and
// reports whether the platform accepts it.
func (g *Gateway) VerifyToken(ctx context.Context, token string) TokenCheckResult {
	if token == "" {
		return TokenCheckResult{Error: "no token provided"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	userAgent := g.identity.PickDesktop()
	ws, resp, err := g.dialer().DialContext(ctx, g.url, probeHeaders(userAgent))
	if err != nil {
		return tokenDialFailure(resp, err)
	}
	defer ws.Close()

	deadline, _ := ctx.Deadline()
	ws.SetReadDeadline(deadline)
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return TokenCheckResult{Error: "no response from the gateway, try again later"}
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		switch f.Op {
		case opHello:
			identify := identifyFrame(token, userAgent)
			data, _ := json.Marshal(identify)
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return TokenCheckResult{Error: "failed to send the identify frame"}
			}
		case opDispatch:
			if f.T != "READY" {
				continue
			}
			var ready readyData
			_ = json.Unmarshal(f.D, &ready)
			name := ready.User.GlobalName
			if name == "" {
				name = ready.User.Username
			}
			if name == "" {
				name = ready.User.ID
			}
			if name == "" {
				name = "user"
			}
			return TokenCheckResult{OK: true, DisplayName: name, Status: http.StatusSwitchingProtocols}
		case opInvalidSession:
			return TokenCheckResult{Error: "the platform rejected the credentials", Status: http.StatusBadRequest}
		}
	}
}

// CheckProxy dials the gateway through the given network options and
// succeeds once a HELLO frame arrives.
func (g *Gateway) CheckProxy(ctx context.Context, network domain.NetworkOptions) ProxyCheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: probeTimeout}
	if network.ProxyURL != "" {
		proxyURL, err := parseProxyURL(network)
		if err != nil {
			return ProxyCheckResult{Error: "invalid proxy URL"}
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	ws, resp, err := dialer.DialContext(ctx, g.url, probeHeaders(g.identity.PickDesktop()))
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusProxyAuthRequired {
				return ProxyCheckResult{Error: "the proxy rejects the connection, check its credentials", Status: resp.StatusCode}
			}
			return ProxyCheckResult{Error: fmt.Sprintf("gateway returned status %d", resp.StatusCode), Status: resp.StatusCode}
		}
		return ProxyCheckResult{Error: "cannot reach the proxy, check its address and availability"}
	}
	defer ws.Close()

	deadline, _ := ctx.Deadline()
	ws.SetReadDeadline(deadline)
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return ProxyCheckResult{Error: "no websocket handshake completed"}
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		if f.Op == opHello {
			return ProxyCheckResult{OK: true, Status: http.StatusSwitchingProtocols}
		}
	}
}

func probeHeaders(userAgent string) http.Header {
	header := http.Header{}
	header.Set("Origin", "https://discord.com")
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")
	if userAgent != "" {
		header.Set("User-Agent", userAgent)
	}
	return header
}

func tokenDialFailure(resp *http.Response, err error) TokenCheckResult {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusProxyAuthRequired:
			return TokenCheckResult{Error: "the proxy rejects the connection, check its settings", Status: resp.StatusCode}
		case http.StatusUnauthorized:
			return TokenCheckResult{Error: "the platform rejected the token (401)", Status: resp.StatusCode}
		default:
			return TokenCheckResult{Error: fmt.Sprintf("gateway returned status %d", resp.StatusCode), Status: resp.StatusCode}
		}
	}
	return TokenCheckResult{Error: "cannot reach the gateway, check network or proxy: " + err.Error()}
}

// parseProxyURL builds the egress proxy URL with credentials applied.
func parseProxyURL(network domain.NetworkOptions) (*url.URL, error) {
	u, err := url.Parse(network.ProxyURL)
	if err != nil {
		return nil, err
	}
	if network.ProxyLogin != "" && u.User == nil {
		u.User = url.UserPassword(network.ProxyLogin, network.ProxyPassword)
	}
	return u, nil
}
