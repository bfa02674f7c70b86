package discord

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"forwardbot/internal/identity"
	"forwardbot/internal/proxy"
	"forwardbot/internal/ratelimit"
)

func testIdentity(t *testing.T) *identity.Provider {
	t.Helper()
	p, err := identity.NewProvider(identity.Settings{
		Desktop: []string{"test-desktop-ua"},
		Mobile:  []string{"test-mobile-ua"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// newTestClient builds a client with no jitter, no proxies, and a sleep
// hook that records delays instead of waiting.
func newTestClient(t *testing.T, baseURL string) (*Client, *[]time.Duration) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	c := NewClient(ClientOptions{
		Limiter:  ratelimit.New(ratelimit.Settings{Concurrency: 4}, "discord"),
		Pool:     proxy.NewPool(proxy.Settings{}, "discord", logger),
		Identity: testIdentity(t),
		Logger:   logger,
	})
	c.SetToken("test-token", TokenUser)
	if baseURL != "" {
		c.base = baseURL
	}
	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return c, delays
}

func TestFetchMessagesSortsAscending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("after"); got != "5" {
			t.Errorf("after = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"3"},{"id":"1"},{"id":"2"}]`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	messages, err := c.FetchMessages(context.Background(), "123", "5", 10)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	got := []string{messages[0].ID, messages[1].ID, messages[2].ID}
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("order = %v, want ascending", got)
	}
}

func TestRateLimitedThenSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retry_after":0.25}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"1"}]`))
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL)
	messages, err := c.FetchMessages(context.Background(), "42", "", 50)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "1" {
		t.Fatalf("messages = %v", messages)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	var total time.Duration
	for _, d := range *delays {
		total += d
	}
	if total < 250*time.Millisecond || total > 260*time.Millisecond {
		t.Fatalf("slept %v, want the server-provided 0.25s", total)
	}
}

func TestRateLimitBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0.01")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`overloaded`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/channels/1/messages", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Body != "overloaded" {
		t.Fatalf("status/body not preserved: %d %q", apiErr.Status, apiErr.Body)
	}
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNetworkErrorsRetriedThenSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL)
	var failures int
	base := http.DefaultTransport
	c.clients[""] = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if failures < 2 {
			failures++
			return nil, errors.New("connection reset")
		}
		return base.RoundTrip(r)
	})}

	payload, err := c.Request(context.Background(), http.MethodGet, "/gateway", nil)
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if string(payload) != `{"ok":true}` {
		t.Fatalf("payload = %s", payload)
	}
	if len(*delays) != 2 {
		t.Fatalf("backoff sleeps = %d, want exactly 2", len(*delays))
	}
}

func TestCooldownWaitDoesNotConsumeRequestDeadline(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c, delays := newTestClient(t, server.URL)
	c.timeout = 50 * time.Millisecond
	c.limiter.ImposeCooldown(200 * time.Millisecond)

	if _, err := c.Request(context.Background(), http.MethodGet, "/channels/1/messages", nil); err != nil {
		t.Fatalf("Request after cooldown: %v", err)
	}
	if calls != 1 {
		t.Fatalf("server calls = %d, want 1", calls)
	}
	// A cooldown longer than the transport deadline is served by the limiter
	// wait alone; no retry backoff may fire.
	if len(*delays) != 0 {
		t.Fatalf("retry sleeps = %v, want none", *delays)
	}
}

func TestInterleavedRateLimitsDoNotAccumulateNetworkBudget(t *testing.T) {
	c, _ := newTestClient(t, "http://unused")
	var call int
	c.clients[""] = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		call++
		switch {
		case call%2 == 1 && call < 8:
			return nil, errors.New("connection reset")
		case call < 8:
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     http.Header{"Retry-After": {"0.01"}, "Content-Type": {"application/json"}},
				Body:       http.NoBody,
				Request:    r,
			}, nil
		default:
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"application/json"}},
				Body:       http.NoBody,
				Request:    r,
			}, nil
		}
	})}

	// Four network failures, each followed by a response. The network budget
	// counts consecutive failures only, so the call must still succeed.
	if _, err := c.Request(context.Background(), http.MethodGet, "/gateway", nil); err != nil {
		t.Fatalf("expected success after alternating failures: %v", err)
	}
	if call != 8 {
		t.Fatalf("transport calls = %d, want 8", call)
	}
}

func TestNetworkBudgetExhausted(t *testing.T) {
	c, _ := newTestClient(t, "http://unused")
	c.clients[""] = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}

	_, err := c.Request(context.Background(), http.MethodGet, "/gateway", nil)
	if err == nil {
		t.Fatal("expected failure after exhausting network retries")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("network exhaustion must not be an APIError: %v", err)
	}
}

func TestSuspiciousResponseMarksProxyAndEscalates(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	pool := proxy.NewPool(proxy.Settings{
		Endpoints:       []string{"http://proxy-a:8080"},
		RecoverySeconds: 60,
	}, "discord", logger)
	limiter := ratelimit.New(ratelimit.Settings{Concurrency: 1}, "discord")
	c := NewClient(ClientOptions{Limiter: limiter, Pool: pool, Identity: testIdentity(t), Logger: logger})
	c.SetToken("tok", TokenUser)
	c.base = "http://api.invalid"
	c.sleep = func(context.Context, time.Duration) error { return nil }
	c.clients["http://proxy-a:8080"] = &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    r,
		}, nil
	})}

	_, err := c.Request(context.Background(), http.MethodGet, "/users/@me", nil)
	var suspErr *SuspiciousError
	if !errors.As(err, &suspErr) {
		t.Fatalf("expected *SuspiciousError, got %v", err)
	}
	if suspErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", suspErr.Status)
	}
	// The flagged proxy must not be selectable for the next call.
	if got := pool.GetProxy(); got != "" {
		t.Fatalf("suspicious response left the proxy selectable: %q", got)
	}
	if c.suspicion != 1 {
		t.Fatalf("suspicion = %d, want 1", c.suspicion)
	}
}

func TestAbuseKeywordInBodyIsSuspicious(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"please complete the captcha"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/channels/1", nil)
	var suspErr *SuspiciousError
	if !errors.As(err, &suspErr) {
		t.Fatalf("expected *SuspiciousError for a captcha body, got %v", err)
	}
}

func TestPlainClientErrorResetsSuspicion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found here"}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	c.suspicion = 2
	_, err := c.Request(context.Background(), http.MethodGet, "/channels/1", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 APIError, got %v", err)
	}
	if c.suspicion != 0 {
		t.Fatalf("suspicion = %d, want reset to 0", c.suspicion)
	}
}

func TestUnexpectedContentTypeIsProtocolViolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html>interstitial</html>`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	_, err := c.Request(context.Background(), http.MethodGet, "/channels/1/messages", nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestCheckChannel(t *testing.T) {
	var status = http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL)
	ok, err := c.CheckChannel(context.Background(), "1")
	if err != nil || !ok {
		t.Fatalf("visible channel: ok=%v err=%v", ok, err)
	}
	status = http.StatusNotFound
	ok, err = c.CheckChannel(context.Background(), "1")
	if err != nil || ok {
		t.Fatalf("missing channel: ok=%v err=%v", ok, err)
	}
}
