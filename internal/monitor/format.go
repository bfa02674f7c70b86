package monitor

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"forwardbot/internal/domain"
)

var (
	mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)
	rolePattern    = regexp.MustCompile(`<@&(\d+)>`)
	channelPattern = regexp.MustCompile(`<#(\d+)>`)
	markdownMarks  = regexp.MustCompile("([*_`~])+")
)

// messageView caches the derived inputs the filter engine and the renderer
// share for one message: cleaned text, embed text, and per-attachment
// categories.
type messageView struct {
	msg        domain.Message
	content    string
	embedText  string
	categories []string

	aggregate string
	types     map[string]struct{}
	authors   map[string]struct{}
}

func newMessageView(msg domain.Message) *messageView {
	categories := make([]string, len(msg.Attachments))
	for i, attachment := range msg.Attachments {
		categories[i] = attachmentCategory(attachment)
	}
	return &messageView{
		msg:        msg,
		content:    cleanContent(msg.Content),
		embedText:  embedText(msg.Embeds),
		categories: categories,
	}
}

// cleanContent normalises source markup for forwarding: mention tags become
// readable placeholders, simple markdown marks are stripped, HTML entities
// are unescaped, and trailing blank lines are dropped.
func cleanContent(raw string) string {
	if raw == "" {
		return ""
	}
	content := mentionPattern.ReplaceAllString(raw, "@пользователь")
	content = rolePattern.ReplaceAllString(content, "@роль-$1")
	content = channelPattern.ReplaceAllString(content, "#канал-$1")
	content = markdownMarks.ReplaceAllString(content, "")
	content = html.UnescapeString(content)

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func embedText(embeds []domain.Embed) string {
	var blocks []string
	for _, embed := range embeds {
		var segments []string
		for _, segment := range []string{embed.Title, embed.Description, embed.URL} {
			if trimmed := strings.TrimSpace(segment); trimmed != "" {
				segments = append(segments, trimmed)
			}
		}
		if len(segments) > 0 {
			blocks = append(blocks, strings.Join(segments, "\n"))
		}
	}
	return strings.Join(blocks, "\n")
}

var mimePrefixCategories = map[string]string{
	"image/": "image",
	"video/": "video",
	"audio/": "audio",
}

var mimeTypeCategories = map[string]string{
	"application/pdf": "file",
	"text/plain":      "file",
}

var extensionCategories = map[string]string{
	"jpg": "image", "jpeg": "image", "png": "image", "gif": "image",
	"bmp": "image", "webp": "image",
	"mp4": "video", "mov": "video", "mkv": "video", "webm": "video",
	"mp3": "audio", "wav": "audio", "ogg": "audio", "flac": "audio", "m4a": "audio",
	"pdf": "file", "txt": "file", "doc": "file", "docx": "file",
	"xls": "file", "xlsx": "file", "csv": "file", "zip": "file",
}

// attachmentCategory classifies an attachment by MIME type first, file
// extension second. Unclassifiable attachments fall through to "other" and
// are delivered as documents.
func attachmentCategory(attachment domain.Attachment) string {
	contentType := strings.ToLower(attachment.ContentType)
	if contentType != "" {
		for prefix, category := range mimePrefixCategories {
			if strings.HasPrefix(contentType, prefix) {
				return category
			}
		}
		if category, ok := mimeTypeCategories[contentType]; ok {
			return category
		}
	}
	filename := strings.ToLower(attachment.Filename)
	if dot := strings.LastIndexByte(filename, '.'); dot >= 0 {
		if category, ok := extensionCategories[filename[dot+1:]]; ok {
			return category
		}
	}
	return "other"
}

func attachmentDomain(attachment domain.Attachment) string {
	parsed, err := url.Parse(attachment.URL)
	if err != nil || parsed.Host == "" {
		return attachment.URL
	}
	return parsed.Host
}

// attachmentCaption returns the filename truncated to the destination
// caption limit, or empty when the attachment carries no filename.
func attachmentCaption(attachment domain.Attachment) string {
	filename := attachment.Filename
	if len(filename) <= 1024 {
		return filename
	}
	return filename[:1021] + "..."
}

// rendered is one formatted outgoing message, possibly split into
// continuation chunks when it exceeds the destination length limit.
type rendered struct {
	Text           string
	Extra          []string
	ParseMode      string
	DisablePreview bool
}

// renderAnnouncement builds the outgoing text for a regular message.
func renderAnnouncement(mapping domain.ChannelMapping, view *messageView) rendered {
	prefix := fmt.Sprintf("📢 Новое сообщение в канале %s от %s", channelLabel(mapping), authorName(view.msg))
	return compose(mapping, view, prefix)
}

// renderPinned builds the outgoing text for a newly pinned message.
func renderPinned(mapping domain.ChannelMapping, view *messageView) rendered {
	prefix := fmt.Sprintf("📌 Новая закреплённая запись в канале %s (автор: %s)", channelLabel(mapping), authorName(view.msg))
	return compose(mapping, view, prefix)
}

func compose(mapping domain.ChannelMapping, view *messageView, prefix string) rendered {
	formatting := mapping.Formatting
	if formatting.Chip != "" {
		prefix += " • " + formatting.Chip
	}

	var blocks []string
	if formatting.Header != "" {
		blocks = append(blocks, formatting.Header)
	}
	blocks = append(blocks, prefix)
	if content := applyReplacements(view.content, mapping.Replacements); content != "" {
		blocks = append(blocks, content)
	}
	if view.embedText != "" {
		blocks = append(blocks, view.embedText)
	}
	if lines := attachmentLines(view.msg.Attachments, formatting.AttachmentsStyle); len(lines) > 0 {
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	if jump := jumpURL(view.msg); jump != "" {
		blocks = append(blocks, "Открыть в Discord: "+jump)
	}
	if formatting.Footer != "" {
		blocks = append(blocks, formatting.Footer)
	}

	joined := strings.Join(blocks, "\n\n")
	escaped := escapeFor(joined, formatting.ParseMode)
	chunks := chunkText(escaped, formatting.MaxLength, formatting.Ellipsis)

	out := rendered{
		ParseMode:      normalizeParseMode(formatting.ParseMode),
		DisablePreview: formatting.DisablePreview,
	}
	if len(chunks) > 0 {
		out.Text = chunks[0]
		out.Extra = chunks[1:]
	}
	return out
}

func channelLabel(mapping domain.ChannelMapping) string {
	if mapping.Label != "" {
		return mapping.Label
	}
	return mapping.DiscordChannelID
}

func authorName(msg domain.Message) string {
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	if msg.AuthorUsername != "" {
		return msg.AuthorUsername
	}
	return "Unknown user"
}

func jumpURL(msg domain.Message) string {
	if msg.GuildID == "" || msg.ID == "" || msg.ChannelID == "" {
		return ""
	}
	return "https://discord.com/channels/" + msg.GuildID + "/" + msg.ChannelID + "/" + msg.ID
}

func applyReplacements(text string, rules []domain.ReplacementRule) string {
	for _, rule := range rules {
		if rule.Pattern != "" {
			text = strings.ReplaceAll(text, rule.Pattern, rule.Replacement)
		}
	}
	return text
}

func attachmentLines(attachments []domain.Attachment, style string) []string {
	if len(attachments) == 0 {
		return nil
	}
	style = strings.ToLower(style)
	if style != "links" {
		style = "summary"
	}

	var lines []string
	for i, attachment := range attachments {
		attURL := strings.TrimSpace(attachment.URL)
		if attURL == "" {
			attURL = strings.TrimSpace(attachment.ProxyURL)
		}
		if attURL == "" {
			continue
		}
		if style == "links" {
			label := attachment.Filename
			if label == "" {
				label = attachmentDomain(attachment)
			}
			if label == "" {
				label = fmt.Sprintf("Attachment %d", i+1)
			}
			lines = append(lines, label+": "+attURL)
			continue
		}
		var parts []string
		for _, part := range []string{attachment.Filename, attachment.ContentType, humanSize(attachment.Size), attURL} {
			if part != "" {
				parts = append(parts, part)
			}
		}
		lines = append(lines, strings.Join(parts, " • "))
	}
	if len(lines) == 0 {
		return nil
	}
	header := "Вложения:"
	if style == "links" {
		header = "Ссылки на вложения:"
	}
	return append([]string{header}, lines...)
}

func humanSize(value int64) string {
	if value <= 0 {
		return ""
	}
	size := float64(value)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	index := 0
	for size >= 1024 && index < len(units)-1 {
		size /= 1024
		index++
	}
	return fmt.Sprintf("%.1f%s", size, units[index])
}

func normalizeParseMode(mode string) string {
	if strings.EqualFold(mode, "text") {
		return ""
	}
	return mode
}

func escapeFor(text, parseMode string) string {
	switch strings.ToLower(parseMode) {
	case "markdownv2":
		return escapeMarkdownV2(text)
	case "markdown":
		return escapeMarkdown(text)
	case "html":
		return html.EscapeString(text)
	default:
		return text
	}
}

func escapeMarkdownV2(text string) string {
	for _, char := range `_[]()~` + "`" + `>#+-=|{}.!*` {
		text = strings.ReplaceAll(text, string(char), `\`+string(char))
	}
	return text
}

func escapeMarkdown(text string) string {
	for _, char := range "*_`[]()" {
		text = strings.ReplaceAll(text, string(char), `\`+string(char))
	}
	return text
}

// chunkText splits text into limit-sized pieces, preferring to break on a
// newline, then a space, before cutting mid-word. Every chunk except the
// last gets the ellipsis appended.
func chunkText(text string, limit int, ellipsis string) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		split := strings.LastIndexByte(remaining[:limit], '\n')
		if split == -1 || split < limit/4 {
			split = strings.LastIndexByte(remaining[:limit], ' ')
		}
		if split == -1 || split < limit/4 {
			split = limit
		}
		chunk := strings.TrimRight(remaining[:split], " \n")
		if chunk != "" && split < len(remaining) {
			chunk += ellipsis
		} else if chunk == "" {
			chunk = remaining[:limit]
		}
		chunks = append(chunks, chunk)
		remaining = strings.TrimLeft(remaining[split:], " \n")
	}
	return chunks
}
