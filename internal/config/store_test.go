package config

import (
	"context"
	"path/filepath"
	"testing"

	"forwardbot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.Setting(ctx, "poll", "2")
	if err != nil || got != "2" {
		t.Fatalf("missing key: got %q err %v", got, err)
	}
	if err := store.SetSetting(ctx, "poll", "10"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(ctx, "poll", "15"); err != nil {
		t.Fatal(err)
	}
	got, err = store.Setting(ctx, "poll", "2")
	if err != nil || got != "15" {
		t.Fatalf("after upsert: got %q err %v", got, err)
	}
	if err := store.DeleteSetting(ctx, "poll"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Setting(ctx, "poll", "2")
	if got != "2" {
		t.Fatalf("after delete: got %q", got)
	}
}

func TestNetworkOptionsFromSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.SetSetting(ctx, "proxy.discord.url", "http://egress:8080")
	store.SetSetting(ctx, "proxy.discord.login", "user")
	store.SetSetting(ctx, "ua.discord", "custom-agent")

	options, err := store.NetworkOptions(ctx)
	if err != nil {
		t.Fatalf("NetworkOptions: %v", err)
	}
	if options.ProxyURL != "http://egress:8080" || options.ProxyLogin != "user" {
		t.Fatalf("options = %+v", options)
	}
	if options.UserAgent != "custom-agent" {
		t.Fatalf("user agent = %q", options.UserAgent)
	}
}

func TestAdmins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if ok, _ := store.HasAdmins(ctx); ok {
		t.Fatal("fresh store must have no admins")
	}
	if err := store.AddAdmin(ctx, 100, "@Alice"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddAdmin(ctx, 0, "bob"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.HasAdmins(ctx); !ok {
		t.Fatal("admins missing")
	}

	if ok, err := store.IsAdmin(ctx, 100, ""); err != nil || !ok {
		t.Fatalf("IsAdmin by id: ok=%v err=%v", ok, err)
	}
	// Username matching is case-insensitive and @-insensitive.
	if ok, _ := store.IsAdmin(ctx, 999, "@BOB"); !ok {
		t.Fatal("IsAdmin by username failed")
	}
	if ok, _ := store.IsAdmin(ctx, 999, "mallory"); ok {
		t.Fatal("non-admin accepted")
	}

	admins, err := store.ListAdmins(ctx)
	if err != nil || len(admins) != 2 {
		t.Fatalf("ListAdmins: %v %v", admins, err)
	}

	removed, err := store.RemoveAdmin(ctx, "bob")
	if err != nil || !removed {
		t.Fatalf("RemoveAdmin: %v %v", removed, err)
	}
	removed, _ = store.RemoveAdmin(ctx, "100")
	if !removed {
		t.Fatal("RemoveAdmin by id failed")
	}
	if ok, _ := store.HasAdmins(ctx); ok {
		t.Fatal("admins remain after removal")
	}
}

func TestChannels(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.AddChannel(ctx, "111", "-222", "news")
	if err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if record.ID == 0 || !record.Active {
		t.Fatalf("record = %+v", record)
	}
	// Duplicate source IDs are rejected by the unique constraint.
	if _, err := store.AddChannel(ctx, "111", "-333", ""); err == nil {
		t.Fatal("duplicate channel accepted")
	}

	if err := store.SetLastMessage(ctx, record.ID, "987"); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.GetChannel(ctx, "111")
	if err != nil || loaded == nil {
		t.Fatalf("GetChannel: %v %v", loaded, err)
	}
	if loaded.LastMessageID != "987" {
		t.Fatalf("cursor = %q", loaded.LastMessageID)
	}

	if ok, _ := store.SetChannelActive(ctx, "111", false); !ok {
		t.Fatal("SetChannelActive failed")
	}
	loaded, _ = store.GetChannel(ctx, "111")
	if loaded.Active {
		t.Fatal("channel still active")
	}

	removed, err := store.RemoveChannel(ctx, "111")
	if err != nil || !removed {
		t.Fatalf("RemoveChannel: %v %v", removed, err)
	}
	if loaded, _ := store.GetChannel(ctx, "111"); loaded != nil {
		t.Fatal("channel still present")
	}
}

func TestFiltersDedupeAndAssembly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	added, err := store.AddFilter(ctx, 1, "whitelist", "Alert")
	if err != nil || !added {
		t.Fatalf("AddFilter: %v %v", added, err)
	}
	// Same word, different case: duplicate by compare key.
	added, err = store.AddFilter(ctx, 1, "whitelist", "alert")
	if err != nil || added {
		t.Fatalf("case-insensitive duplicate accepted: %v %v", added, err)
	}
	if _, err := store.AddFilter(ctx, 1, "allowed_senders", "@Trader"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddFilter(ctx, 1, "allowed_senders", "007"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddFilter(ctx, 1, "blocked_types", "EMBED"); err != nil {
		t.Fatal(err)
	}

	filters, err := store.FilterConfig(ctx, 1)
	if err != nil {
		t.Fatalf("FilterConfig: %v", err)
	}
	if len(filters.Whitelist) != 1 || filters.Whitelist[0] != "Alert" {
		t.Fatalf("whitelist = %v", filters.Whitelist)
	}
	if len(filters.AllowedSenders) != 2 {
		t.Fatalf("allowed senders = %v", filters.AllowedSenders)
	}
	if filters.AllowedSenders[0] != "trader" && filters.AllowedSenders[1] != "trader" {
		t.Fatalf("username not normalized: %v", filters.AllowedSenders)
	}
	if len(filters.BlockedTypes) != 1 || filters.BlockedTypes[0] != "embed" {
		t.Fatalf("blocked types = %v", filters.BlockedTypes)
	}

	removed, err := store.RemoveFilter(ctx, 1, "whitelist", "ALERT")
	if err != nil || removed != 1 {
		t.Fatalf("RemoveFilter: %d %v", removed, err)
	}
	cleared, err := store.ClearFilters(ctx, 1)
	if err != nil || cleared != 3 {
		t.Fatalf("ClearFilters: %d %v", cleared, err)
	}
}

func TestLoadChannelMappings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.AddChannel(ctx, "111", "-222", "")
	if err != nil {
		t.Fatal(err)
	}

	// Global defaults: formatting setting and a channel-0 filter.
	store.SetSetting(ctx, "formatting.max_length", "1000")
	store.AddFilter(ctx, 0, "blacklist", "spam")
	store.AddReplacement(ctx, 0, "discord.gg", "example.com")

	// Per-channel overrides.
	store.SetChannelOption(ctx, record.ID, "formatting.header", "[news]")
	store.AddFilter(ctx, record.ID, "whitelist", "alert")

	base := domain.FormattingOptions{ParseMode: "HTML", MaxLength: 3500, Ellipsis: "…"}
	mappings, err := store.LoadChannelMappings(ctx, base)
	if err != nil {
		t.Fatalf("LoadChannelMappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("mappings = %v", mappings)
	}
	m := mappings[0]
	if m.Label != "111" {
		t.Errorf("empty label should fall back to the channel id, got %q", m.Label)
	}
	if m.Formatting.MaxLength != 1000 || m.Formatting.Header != "[news]" {
		t.Errorf("formatting = %+v", m.Formatting)
	}
	if m.Formatting.ParseMode != "HTML" {
		t.Errorf("base parse mode lost: %+v", m.Formatting)
	}
	if len(m.Filters.Blacklist) != 1 || len(m.Filters.Whitelist) != 1 {
		t.Errorf("filters = %+v", m.Filters)
	}
	if len(m.Replacements) != 1 || m.Replacements[0].Pattern != "discord.gg" {
		t.Errorf("replacements = %+v", m.Replacements)
	}
}
