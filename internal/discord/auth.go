package discord

import (
	"regexp"
	"strings"
)

// TokenType selects the Authorization header shape. Bot tokens are prefixed
// with "Bot", OAuth tokens with "Bearer", user-style tokens go out raw.
type TokenType string

const (
	TokenAuto   TokenType = "auto"
	TokenBot    TokenType = "bot"
	TokenUser   TokenType = "user"
	TokenBearer TokenType = "bearer"
)

// ParseTokenType validates a configuration value.
func ParseTokenType(value string) (TokenType, bool) {
	switch TokenType(strings.ToLower(strings.TrimSpace(value))) {
	case "", TokenAuto:
		return TokenAuto, true
	case TokenBot:
		return TokenBot, true
	case TokenUser:
		return TokenUser, true
	case TokenBearer:
		return TokenBearer, true
	default:
		return "", false
	}
}

// Bot tokens are three dot-separated base64url segments, the first of which
// encodes the application id.
var botTokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{6,7}\.[A-Za-z0-9_-]{20,}$`)

// AuthorizationHeader renders the Authorization value for the token.
func AuthorizationHeader(token string, typ TokenType) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	switch typ {
	case TokenBot:
		return "Bot " + token
	case TokenBearer:
		return "Bearer " + token
	case TokenUser:
		return token
	default:
		if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
			return token
		}
		if botTokenShape.MatchString(token) {
			return "Bot " + token
		}
		return token
	}
}
