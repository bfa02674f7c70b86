package discord

import (
	"encoding/json"
	"strconv"

	"forwardbot/internal/domain"
)

// rawMessage mirrors the wire shape of a message payload, both for REST
// responses and MESSAGE_CREATE dispatch events.
type rawMessage struct {
	ID          string              `json:"id"`
	ChannelID   string              `json:"channel_id"`
	GuildID     string              `json:"guild_id"`
	Author      rawAuthor           `json:"author"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments"`
	Embeds      []domain.Embed      `json:"embeds"`
	// Newer payloads carry sticker_items, older ones stickers.
	StickerItems    []domain.Sticker `json:"sticker_items"`
	Stickers        []domain.Sticker `json:"stickers"`
	Member          rawMember        `json:"member"`
	Timestamp       string           `json:"timestamp"`
	EditedTimestamp string           `json:"edited_timestamp"`
	Type            json.Number      `json:"type"`
	Pinned          bool             `json:"pinned"`
}

type rawAuthor struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

type rawMember struct {
	Roles []string `json:"roles"`
}

// parseMessage converts a wire payload into a domain message. Missing or
// malformed fields degrade to zero values rather than failing the whole
// batch; fallbackChannelID fills in when the payload omits channel_id.
func parseMessage(payload []byte, fallbackChannelID string) (domain.Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Message{}, err
	}
	return fromRaw(raw, fallbackChannelID), nil
}

func fromRaw(raw rawMessage, fallbackChannelID string) domain.Message {
	id := raw.ID
	if id == "" {
		id = "0"
	}
	channelID := raw.ChannelID
	if channelID == "" {
		channelID = fallbackChannelID
	}
	authorID := raw.Author.ID
	if authorID == "" {
		authorID = "0"
	}
	authorName := raw.Author.GlobalName
	if authorName == "" {
		authorName = raw.Author.Username
	}
	if authorName == "" {
		authorName = "Unknown"
	}
	stickers := raw.StickerItems
	if len(stickers) == 0 {
		stickers = raw.Stickers
	}
	roleIDs := make(map[string]struct{}, len(raw.Member.Roles))
	for _, role := range raw.Member.Roles {
		if role != "" {
			roleIDs[role] = struct{}{}
		}
	}
	msgType := 0
	if raw.Type != "" {
		if parsed, err := strconv.Atoi(raw.Type.String()); err == nil {
			msgType = parsed
		}
	}
	return domain.Message{
		ID:              id,
		ChannelID:       channelID,
		GuildID:         raw.GuildID,
		AuthorID:        authorID,
		AuthorName:      authorName,
		AuthorUsername:  raw.Author.Username,
		Content:         raw.Content,
		Attachments:     raw.Attachments,
		Embeds:          raw.Embeds,
		Stickers:        stickers,
		RoleIDs:         roleIDs,
		Timestamp:       raw.Timestamp,
		EditedTimestamp: raw.EditedTimestamp,
		Type:            msgType,
		Pinned:          raw.Pinned,
	}
}

// parseMessageList decodes a REST message-list response. Entries that are
// not objects are skipped.
func parseMessageList(payload []byte, fallbackChannelID string) ([]domain.Message, error) {
	var rawList []json.RawMessage
	if err := json.Unmarshal(payload, &rawList); err != nil {
		return nil, &ProtocolError{Detail: "message list is not a JSON array"}
	}
	messages := make([]domain.Message, 0, len(rawList))
	for _, item := range rawList {
		msg, err := parseMessage(item, fallbackChannelID)
		if err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
