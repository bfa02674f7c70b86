package discord

import "testing"

func TestParseMessageFillsDefaults(t *testing.T) {
	msg, err := parseMessage([]byte(`{}`), "777")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ID != "0" {
		t.Fatalf("ID = %q, want 0", msg.ID)
	}
	if msg.ChannelID != "777" {
		t.Fatalf("ChannelID = %q, want fallback 777", msg.ChannelID)
	}
	if msg.AuthorID != "0" || msg.AuthorName != "Unknown" {
		t.Fatalf("author defaults wrong: %q %q", msg.AuthorID, msg.AuthorName)
	}
}

func TestParseMessageFullPayload(t *testing.T) {
	payload := []byte(`{
		"id": "123",
		"channel_id": "42",
		"guild_id": "9",
		"author": {"id": "7", "username": "alice", "global_name": "Alice"},
		"content": "hello",
		"attachments": [{"url": "https://cdn/a.png", "filename": "a.png", "content_type": "image/png"}],
		"embeds": [{"title": "t"}],
		"sticker_items": [{"id": "s1", "name": "wave"}],
		"member": {"roles": ["r1", "r2"]},
		"timestamp": "2024-01-01T00:00:00Z",
		"type": 0
	}`)
	msg, err := parseMessage(payload, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.AuthorName != "Alice" {
		t.Fatalf("global_name must win over username, got %q", msg.AuthorName)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "a.png" {
		t.Fatalf("attachments = %v", msg.Attachments)
	}
	if len(msg.Stickers) != 1 || msg.Stickers[0].Name != "wave" {
		t.Fatalf("stickers = %v", msg.Stickers)
	}
	if _, ok := msg.RoleIDs["r2"]; !ok {
		t.Fatalf("role ids = %v", msg.RoleIDs)
	}
}

func TestParseMessageLegacyStickerField(t *testing.T) {
	msg, err := parseMessage([]byte(`{"id":"1","stickers":[{"id":"s","name":"n"}]}`), "c")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msg.Stickers) != 1 {
		t.Fatalf("legacy stickers field ignored: %v", msg.Stickers)
	}
}

func TestParseMessageListRejectsNonArray(t *testing.T) {
	if _, err := parseMessageList([]byte(`{"oops":true}`), "c"); err == nil {
		t.Fatal("expected a protocol error for a non-array body")
	}
}
