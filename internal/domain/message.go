package domain

import (
	"sort"
	"strconv"
)

// Message is the subset of a source-platform message the forwarder cares
// about. Field values are copied out of the wire payload; instances are
// treated as immutable once built.
type Message struct {
	ID              string
	ChannelID       string
	GuildID         string
	AuthorID        string
	AuthorName      string
	AuthorUsername  string
	Content         string
	Attachments     []Attachment
	Embeds          []Embed
	Stickers        []Sticker
	RoleIDs         map[string]struct{}
	Timestamp       string
	EditedTimestamp string
	Type            int
	Pinned          bool
}

// Attachment describes a single uploaded file on a message.
type Attachment struct {
	URL         string `json:"url"`
	ProxyURL    string `json:"proxy_url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// DisplayLabel returns a human-friendly label for the attachment.
func (a Attachment) DisplayLabel() string {
	if a.Filename != "" {
		return a.Filename + ": " + a.URL
	}
	return a.URL
}

// Embed is a rich-content block attached to a message.
type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Sticker is a sticker item referenced by a message.
type Sticker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CompareIDs orders two snowflake IDs. Snowflakes are numeric and
// time-ordered; non-numeric values fall back to lexicographic order.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IDAfter reports whether id sorts strictly after cursor. An empty cursor
// matches everything.
func IDAfter(id, cursor string) bool {
	if cursor == "" {
		return true
	}
	return CompareIDs(id, cursor) > 0
}

// SortMessages orders messages by ascending ID in place.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return CompareIDs(messages[i].ID, messages[j].ID) < 0
	})
}
