package monitor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"forwardbot/internal/domain"
	"forwardbot/internal/state"
	"forwardbot/internal/telegram"
)

type fakeSource struct {
	mu       sync.Mutex
	messages map[string][]domain.Message
	pins     map[string][]domain.Message
	fetches  int
}

func (s *fakeSource) FetchMessages(ctx context.Context, channelID, after string, limit int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	var out []domain.Message
	for _, msg := range s.messages[channelID] {
		if !domain.IDAfter(msg.ID, after) {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (s *fakeSource) FetchPins(ctx context.Context, channelID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[channelID]
}

func (s *fakeSource) add(channelID string, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = make(map[string][]domain.Message)
	}
	s.messages[channelID] = append(s.messages[channelID], msgs...)
}

func (s *fakeSource) pin(channelID string, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins == nil {
		s.pins = make(map[string][]domain.Message)
	}
	s.pins[channelID] = append(s.pins[channelID], msgs...)
}

type sentItem struct {
	method  string
	chatID  string
	payload string
	caption string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentItem
	failText bool
}

func (s *fakeSender) record(method, chatID, payload, caption string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentItem{method, chatID, payload, caption})
}

func (s *fakeSender) SendText(ctx context.Context, chatID, text string, opts telegram.SendOptions) error {
	if s.failText {
		return errors.New("send failed")
	}
	s.record("text", chatID, text, "")
	return nil
}

func (s *fakeSender) SendPhoto(ctx context.Context, chatID, url, caption string) error {
	s.record("photo", chatID, url, caption)
	return nil
}

func (s *fakeSender) SendVideo(ctx context.Context, chatID, url, caption string) error {
	s.record("video", chatID, url, caption)
	return nil
}

func (s *fakeSender) SendAudio(ctx context.Context, chatID, url, caption string) error {
	s.record("audio", chatID, url, caption)
	return nil
}

func (s *fakeSender) SendDocument(ctx context.Context, chatID, url, caption string) error {
	s.record("document", chatID, url, caption)
	return nil
}

func (s *fakeSender) items() []sentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentItem(nil), s.sent...)
}

func newTestMonitor(t *testing.T, source *fakeSource, sender *fakeSender, mappings []domain.ChannelMapping, opts domain.RuntimeOptions) (*Monitor, *state.Store) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	return New(source, sender, st, mappings, opts, logger), st
}

func testMapping(channelID, chatID string) domain.ChannelMapping {
	return domain.ChannelMapping{
		DiscordChannelID: channelID,
		TelegramChatID:   chatID,
		Label:            "news",
		Active:           true,
		Formatting:       domain.FormattingOptions{MaxLength: 3500, Ellipsis: "…"},
	}
}

func TestFirstSightBaselinesWithoutForwarding(t *testing.T) {
	source := &fakeSource{}
	source.add("100",
		domain.Message{ID: "1", ChannelID: "100", Content: "old one"},
		domain.Message{ID: "2", ChannelID: "100", Content: "old two"},
	)
	sender := &fakeSender{}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{testMapping("100", "-2000")}, domain.RuntimeOptions{})

	fetched, forwarded := m.RunOnce(context.Background())
	if fetched != 0 || forwarded != 0 {
		t.Fatalf("baseline cycle: fetched=%d forwarded=%d, want 0/0", fetched, forwarded)
	}
	if got := st.LastMessageID("100"); got != "2" {
		t.Fatalf("baseline cursor = %q, want 2", got)
	}
	if len(sender.items()) != 0 {
		t.Fatalf("baseline must not send, got %v", sender.items())
	}

	source.add("100", domain.Message{ID: "3", ChannelID: "100", Content: "fresh"})
	fetched, forwarded = m.RunOnce(context.Background())
	if fetched != 1 || forwarded != 1 {
		t.Fatalf("second cycle: fetched=%d forwarded=%d, want 1/1", fetched, forwarded)
	}
	items := sender.items()
	if len(items) != 1 || items[0].method != "text" || items[0].chatID != "-2000" {
		t.Fatalf("unexpected sends: %v", items)
	}
	if got := st.LastMessageID("100"); got != "3" {
		t.Fatalf("cursor = %q, want 3", got)
	}
}

func TestCursorAdvancesPastFailedSends(t *testing.T) {
	source := &fakeSource{}
	source.add("100",
		domain.Message{ID: "2", ChannelID: "100", Content: "first"},
		domain.Message{ID: "3", ChannelID: "100", Content: "second"},
	)
	sender := &fakeSender{failText: true}
	mappings := []domain.ChannelMapping{testMapping("100", "-2000")}
	m, st := newTestMonitor(t, source, sender, mappings, domain.RuntimeOptions{})
	st.SetLastMessageID("100", "1")
	m.channels[0].initialised = true

	fetched, forwarded := m.RunOnce(context.Background())
	if fetched != 2 || forwarded != 0 {
		t.Fatalf("fetched=%d forwarded=%d, want 2/0", fetched, forwarded)
	}
	if got := st.LastMessageID("100"); got != "3" {
		t.Fatalf("cursor = %q, want 3 despite failures", got)
	}
}

func TestAttachmentsDispatchByCategory(t *testing.T) {
	source := &fakeSource{}
	source.add("100", domain.Message{
		ID:        "2",
		ChannelID: "100",
		Content:   "files inbound",
		Attachments: []domain.Attachment{
			{URL: "https://cdn.example.com/a.png", Filename: "a.png", ContentType: "image/png"},
			{URL: "https://cdn.example.com/b.mp3", Filename: "b.mp3"},
			{URL: "https://cdn.example.com/c.zip", Filename: "c.zip"},
		},
	})
	sender := &fakeSender{}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{testMapping("100", "-2000")}, domain.RuntimeOptions{})
	st.SetLastMessageID("100", "1")
	m.channels[0].initialised = true

	if _, forwarded := m.RunOnce(context.Background()); forwarded != 1 {
		t.Fatalf("forwarded != 1")
	}

	items := sender.items()
	want := []struct{ method, payload, caption string }{
		{"text", "", ""},
		{"photo", "https://cdn.example.com/a.png", "a.png"},
		{"audio", "https://cdn.example.com/b.mp3", "b.mp3"},
		{"document", "https://cdn.example.com/c.zip", "c.zip"},
	}
	if len(items) != len(want) {
		t.Fatalf("got %d sends, want %d: %v", len(items), len(want), items)
	}
	for i, w := range want {
		if items[i].method != w.method {
			t.Errorf("send %d method = %q, want %q", i, items[i].method, w.method)
		}
		if w.payload != "" && items[i].payload != w.payload {
			t.Errorf("send %d payload = %q, want %q", i, items[i].payload, w.payload)
		}
		if items[i].caption != w.caption {
			t.Errorf("send %d caption = %q, want %q", i, items[i].caption, w.caption)
		}
	}
}

func TestFilteredMessagesAdvanceCursorWithoutSending(t *testing.T) {
	source := &fakeSource{}
	source.add("100", domain.Message{ID: "2", ChannelID: "100", Content: "casino bonus"})
	sender := &fakeSender{}
	mapping := testMapping("100", "-2000")
	mapping.Filters = domain.FilterConfig{Blacklist: []string{"casino"}}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{mapping}, domain.RuntimeOptions{})
	st.SetLastMessageID("100", "1")
	m.channels[0].initialised = true

	fetched, forwarded := m.RunOnce(context.Background())
	if fetched != 1 || forwarded != 0 {
		t.Fatalf("fetched=%d forwarded=%d, want 1/0", fetched, forwarded)
	}
	if len(sender.items()) != 0 {
		t.Fatalf("filtered message was sent: %v", sender.items())
	}
	if got := st.LastMessageID("100"); got != "2" {
		t.Fatalf("cursor = %q, want 2", got)
	}
}

func TestMaxMessagesTruncatesBatch(t *testing.T) {
	source := &fakeSource{}
	source.add("100",
		domain.Message{ID: "2", ChannelID: "100", Content: "a"},
		domain.Message{ID: "3", ChannelID: "100", Content: "b"},
		domain.Message{ID: "4", ChannelID: "100", Content: "c"},
	)
	sender := &fakeSender{}
	opts := domain.RuntimeOptions{MaxMessages: 2, FetchBatchSize: 2}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{testMapping("100", "-2000")}, opts)
	st.SetLastMessageID("100", "1")
	m.channels[0].initialised = true

	fetched, forwarded := m.RunOnce(context.Background())
	if fetched != 2 || forwarded != 2 {
		t.Fatalf("fetched=%d forwarded=%d, want 2/2", fetched, forwarded)
	}
	if got := st.LastMessageID("100"); got != "3" {
		t.Fatalf("cursor = %q, want 3", got)
	}

	fetched, forwarded = m.RunOnce(context.Background())
	if fetched != 1 || forwarded != 1 {
		t.Fatalf("catch-up cycle: fetched=%d forwarded=%d, want 1/1", fetched, forwarded)
	}
	if got := st.LastMessageID("100"); got != "4" {
		t.Fatalf("cursor = %q, want 4", got)
	}
}

func TestPinSyncBaselinesThenForwardsNewPins(t *testing.T) {
	source := &fakeSource{}
	source.pin("100", domain.Message{ID: "5", ChannelID: "100", Content: "old pin"})
	sender := &fakeSender{}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{testMapping("100", "-2000")}, domain.RuntimeOptions{})

	m.RunOnce(context.Background())
	if len(sender.items()) != 0 {
		t.Fatalf("pin baseline must not send, got %v", sender.items())
	}
	if known, recorded := st.KnownPins("100"); !recorded || len(known) != 1 {
		t.Fatalf("pin baseline not recorded: %v %v", known, recorded)
	}

	source.pin("100", domain.Message{ID: "6", ChannelID: "100", Content: "fresh pin"})
	m.RunOnce(context.Background())

	items := sender.items()
	if len(items) != 1 {
		t.Fatalf("want 1 pin forward, got %v", items)
	}
	if items[0].method != "text" || !strings.Contains(items[0].payload, "📌") {
		t.Fatalf("pin send malformed: %+v", items[0])
	}
	if !strings.Contains(items[0].payload, "fresh pin") || strings.Contains(items[0].payload, "old pin") {
		t.Fatalf("wrong pin forwarded: %q", items[0].payload)
	}

	m.RunOnce(context.Background())
	if len(sender.items()) != 1 {
		t.Fatalf("pin forwarded twice: %v", sender.items())
	}
}

func TestInactiveMappingsAreIgnored(t *testing.T) {
	source := &fakeSource{}
	source.add("100", domain.Message{ID: "2", ChannelID: "100", Content: "x"})
	sender := &fakeSender{}
	mapping := testMapping("100", "-2000")
	mapping.Active = false
	m, _ := newTestMonitor(t, source, sender, []domain.ChannelMapping{mapping}, domain.RuntimeOptions{})

	if len(m.channels) != 0 {
		t.Fatalf("inactive mapping built a channel context")
	}
	if fetched, _ := m.RunOnce(context.Background()); fetched != 0 {
		t.Fatalf("inactive channel fetched messages")
	}
}

func TestOnCursorAdvanceHook(t *testing.T) {
	source := &fakeSource{}
	source.add("100", domain.Message{ID: "2", ChannelID: "100", Content: "x"})
	sender := &fakeSender{}
	m, st := newTestMonitor(t, source, sender, []domain.ChannelMapping{testMapping("100", "-2000")}, domain.RuntimeOptions{})
	st.SetLastMessageID("100", "1")
	m.channels[0].initialised = true

	var got []string
	m.OnCursorAdvance = func(channelID, messageID string) {
		got = append(got, channelID+":"+messageID)
	}
	m.RunOnce(context.Background())
	if len(got) != 1 || got[0] != "100:2" {
		t.Fatalf("hook calls = %v", got)
	}
}

