package monitor

import (
	"strings"
	"testing"

	"forwardbot/internal/domain"
)

func TestCleanContent(t *testing.T) {
	raw := "<@123> look at <#55> and <@&9>\n**bold** &amp; `code`  \n\n"
	got := cleanContent(raw)
	want := "@пользователь look at #канал-55 and @роль-9\nbold & code"
	if got != want {
		t.Fatalf("cleanContent = %q, want %q", got, want)
	}
}

func TestAttachmentCategory(t *testing.T) {
	cases := []struct {
		name       string
		attachment domain.Attachment
		want       string
	}{
		{"mime image", domain.Attachment{ContentType: "image/png"}, "image"},
		{"mime video", domain.Attachment{ContentType: "video/mp4"}, "video"},
		{"mime pdf", domain.Attachment{ContentType: "application/pdf"}, "file"},
		{"extension audio", domain.Attachment{Filename: "track.FLAC"}, "audio"},
		{"extension archive", domain.Attachment{Filename: "bundle.zip"}, "file"},
		{"mime wins over extension", domain.Attachment{ContentType: "image/webp", Filename: "clip.mp4"}, "image"},
		{"unknown", domain.Attachment{Filename: "blob.xyz"}, "other"},
		{"empty", domain.Attachment{}, "other"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := attachmentCategory(tc.attachment); got != tc.want {
				t.Errorf("attachmentCategory = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAttachmentCaptionTruncates(t *testing.T) {
	short := domain.Attachment{Filename: "notes.pdf"}
	if got := attachmentCaption(short); got != "notes.pdf" {
		t.Fatalf("caption = %q", got)
	}
	long := domain.Attachment{Filename: strings.Repeat("x", 1100)}
	got := attachmentCaption(long)
	if len(got) != 1024 {
		t.Fatalf("caption length = %d, want 1024", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("caption should end with ellipsis, got %q", got[len(got)-8:])
	}
}

func TestRenderAnnouncement(t *testing.T) {
	mapping := domain.ChannelMapping{
		DiscordChannelID: "100",
		TelegramChatID:   "-2000",
		Label:            "news",
		Formatting:       domain.FormattingOptions{MaxLength: 3500, Ellipsis: "…"},
	}
	msg := domain.Message{
		ID:         "555",
		ChannelID:  "100",
		GuildID:    "7",
		AuthorName: "Progers",
		Content:    "release is out",
		Attachments: []domain.Attachment{
			{URL: "https://cdn.example.com/shot.png", Filename: "shot.png", ContentType: "image/png", Size: 2048},
		},
	}

	out := renderAnnouncement(mapping, newMessageView(msg))
	if out.Text == "" || len(out.Extra) != 0 {
		t.Fatalf("unexpected chunking: text=%q extra=%d", out.Text, len(out.Extra))
	}
	first, _, _ := strings.Cut(out.Text, "\n")
	if first != "📢 Новое сообщение в канале news от Progers" {
		t.Errorf("prefix line = %q", first)
	}
	for _, fragment := range []string{
		"release is out",
		"Вложения:",
		"shot.png",
		"https://discord.com/channels/7/100/555",
	} {
		if !strings.Contains(out.Text, fragment) {
			t.Errorf("rendered text missing %q:\n%s", fragment, out.Text)
		}
	}
}

func TestRenderPinnedUsesPinPrefix(t *testing.T) {
	mapping := domain.ChannelMapping{DiscordChannelID: "100", Label: "news"}
	msg := domain.Message{ID: "9", ChannelID: "100", AuthorUsername: "poster", Content: "pinned note"}

	out := renderPinned(mapping, newMessageView(msg))
	if !strings.HasPrefix(out.Text, "📌 Новая закреплённая запись в канале news (автор: poster)") {
		t.Fatalf("pin prefix missing:\n%s", out.Text)
	}
}

func TestRenderAppliesReplacementsHeaderFooter(t *testing.T) {
	mapping := domain.ChannelMapping{
		DiscordChannelID: "100",
		Label:            "news",
		Formatting:       domain.FormattingOptions{Header: "== feed ==", Footer: "-- end --"},
		Replacements:     []domain.ReplacementRule{{Pattern: "discord.gg", Replacement: "[invite]"}},
	}
	msg := domain.Message{ID: "1", Content: "join discord.gg/abc"}

	out := renderAnnouncement(mapping, newMessageView(msg))
	if !strings.HasPrefix(out.Text, "== feed ==") {
		t.Errorf("header missing:\n%s", out.Text)
	}
	if !strings.HasSuffix(out.Text, "-- end --") {
		t.Errorf("footer missing:\n%s", out.Text)
	}
	if strings.Contains(out.Text, "discord.gg") || !strings.Contains(out.Text, "[invite]/abc") {
		t.Errorf("replacement not applied:\n%s", out.Text)
	}
}

func TestRenderFallsBackToUnknownAuthorAndChannelID(t *testing.T) {
	mapping := domain.ChannelMapping{DiscordChannelID: "100"}
	out := renderAnnouncement(mapping, newMessageView(domain.Message{ID: "1", Content: "x"}))
	if !strings.Contains(out.Text, "в канале 100 от Unknown user") {
		t.Fatalf("fallbacks missing:\n%s", out.Text)
	}
}

func TestChunkText(t *testing.T) {
	if got := chunkText("", 10, "…"); got != nil {
		t.Fatalf("empty text should produce no chunks, got %v", got)
	}
	if got := chunkText("short", 10, "…"); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text should stay whole, got %v", got)
	}

	text := strings.Repeat("aaaa ", 6) // 30 chars
	chunks := chunkText(text, 12, "…")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %v", chunks)
	}
	for i, chunk := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(chunk, "…") {
			t.Errorf("chunk %d missing ellipsis: %q", i, chunk)
		}
	}
	for i, chunk := range chunks {
		if len(chunk) > 12+len("…") {
			t.Errorf("chunk %d too long: %q", i, chunk)
		}
	}
}

func TestEscapeForHTMLMode(t *testing.T) {
	got := escapeFor("<b> & more", "HTML")
	if got != "&lt;b&gt; &amp; more" {
		t.Fatalf("escaped = %q", got)
	}
	if escapeFor("plain *text*", "text") != "plain *text*" {
		t.Fatal("text mode should not escape")
	}
}
