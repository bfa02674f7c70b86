package discord

import (
	"errors"
	"fmt"
	"strings"
)

// errNoToken means no credentials are configured yet; callers treat it as
// "nothing to do" rather than a hard failure.
var errNoToken = errors.New("no discord token configured")

// abuseKeywords are body fragments that indicate the platform's
// anti-automation layer has flagged the client rather than a plain API error.
var abuseKeywords = []string{"captcha", "verify", "suspicious", "temporary", "unusual"}

// APIError is a non-success REST response that exhausted its retry budget or
// is not retryable at all. Status and body are preserved for the caller.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api request failed with status %d: %s", e.Status, e.Body)
}

// SuspiciousError is an abuse-detection signal (401/403 or a flagged body).
// It is never retried within the call; the suspicion state it leaves behind
// slows down subsequent calls instead.
type SuspiciousError struct {
	Status int
	Body   string
}

func (e *SuspiciousError) Error() string {
	return fmt.Sprintf("discord flagged the client (status %d): %s", e.Status, e.Body)
}

// ProtocolError is a structurally invalid response, such as a non-JSON body
// on a success status. Fatal, never retried.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "discord protocol violation: " + e.Detail
}

func matchesAbuseKeywords(body string) bool {
	lowered := strings.ToLower(body)
	for _, keyword := range abuseKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
