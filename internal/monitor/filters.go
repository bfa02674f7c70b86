package monitor

import (
	"strings"

	"forwardbot/internal/domain"
)

// Decision is the outcome of evaluating filters against one message.
type Decision struct {
	Allowed bool
	Reason  string
}

var typeAliases = map[string][]string{
	"file": {"document"},
}

// filterEngine applies allow and deny lists to messages. Text tokens are
// matched as casefolded substrings of the aggregate message text; sender
// entries match any of the author's identifiers.
type filterEngine struct {
	whitelist      []string
	blacklist      []string
	allowedSenders map[string]struct{}
	blockedSenders map[string]struct{}
	allowedTypes   map[string]struct{}
	blockedTypes   map[string]struct{}
}

func newFilterEngine(cfg domain.FilterConfig) *filterEngine {
	return &filterEngine{
		whitelist:      normalizeTokens(cfg.Whitelist),
		blacklist:      normalizeTokens(cfg.Blacklist),
		allowedSenders: normalizeSet(cfg.AllowedSenders),
		blockedSenders: normalizeSet(cfg.BlockedSenders),
		allowedTypes:   normalizeSet(cfg.AllowedTypes),
		blockedTypes:   normalizeSet(cfg.BlockedTypes),
	}
}

// Evaluate checks text, sender, and type filters in that order and reports
// the first rule that blocks the message.
func (e *filterEngine) Evaluate(view *messageView) Decision {
	if reason := e.checkText(view); reason != "" {
		return Decision{Reason: reason}
	}
	if reason := e.checkSenders(view); reason != "" {
		return Decision{Reason: reason}
	}
	if reason := e.checkTypes(view); reason != "" {
		return Decision{Reason: reason}
	}
	return Decision{Allowed: true}
}

func (e *filterEngine) checkText(view *messageView) string {
	if len(e.whitelist) > 0 && !view.textContainsAny(e.whitelist) {
		return "whitelist"
	}
	if len(e.blacklist) > 0 && view.textContainsAny(e.blacklist) {
		return "blacklist"
	}
	return ""
}

func (e *filterEngine) checkSenders(view *messageView) string {
	if len(e.allowedSenders) == 0 && len(e.blockedSenders) == 0 {
		return ""
	}
	authors := view.authorValues()
	if len(e.allowedSenders) > 0 && disjoint(authors, e.allowedSenders) {
		return "allowed_senders"
	}
	if len(e.blockedSenders) > 0 && !disjoint(authors, e.blockedSenders) {
		return "blocked_senders"
	}
	return ""
}

func (e *filterEngine) checkTypes(view *messageView) string {
	if len(e.allowedTypes) == 0 && len(e.blockedTypes) == 0 {
		return ""
	}
	types := view.messageTypes()
	if len(e.allowedTypes) > 0 && disjoint(types, e.allowedTypes) {
		return "allowed_types"
	}
	if len(e.blockedTypes) > 0 && !disjoint(types, e.blockedTypes) {
		return "blocked_types"
	}
	return ""
}

// aggregateText joins the cleaned content, embed text, attachment filenames,
// and attachment URL hosts into one casefolded haystack.
func (v *messageView) aggregateText() string {
	if v.aggregate == "" {
		blocks := []string{v.content, v.embedText}
		for _, attachment := range v.msg.Attachments {
			if attachment.Filename != "" {
				blocks = append(blocks, attachment.Filename)
			}
			if host := attachmentDomain(attachment); host != "" {
				blocks = append(blocks, host)
			}
		}
		var nonEmpty []string
		for _, block := range blocks {
			if block != "" {
				nonEmpty = append(nonEmpty, block)
			}
		}
		v.aggregate = strings.ToLower(strings.Join(nonEmpty, " "))
	}
	return v.aggregate
}

func (v *messageView) textContainsAny(tokens []string) bool {
	text := v.aggregateText()
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

func (v *messageView) authorValues() map[string]struct{} {
	if v.authors == nil {
		v.authors = make(map[string]struct{}, 3)
		for _, value := range []string{v.msg.AuthorID, v.msg.AuthorUsername, v.msg.AuthorName} {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				v.authors[strings.ToLower(trimmed)] = struct{}{}
			}
		}
	}
	return v.authors
}

func (v *messageView) messageTypes() map[string]struct{} {
	if v.types == nil {
		v.types = make(map[string]struct{}, 4)
		if strings.TrimSpace(v.content) != "" || strings.TrimSpace(v.embedText) != "" {
			v.types["text"] = struct{}{}
		}
		if len(v.msg.Attachments) > 0 {
			v.types["attachment"] = struct{}{}
			for _, category := range v.categories {
				v.types[category] = struct{}{}
				for _, alias := range typeAliases[category] {
					v.types[alias] = struct{}{}
				}
			}
		}
	}
	return v.types
}

func normalizeTokens(tokens []string) []string {
	var cleaned []string
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		text := strings.ToLower(strings.TrimSpace(token))
		if text == "" {
			continue
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		cleaned = append(cleaned, text)
	}
	return cleaned
}

func normalizeSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		text := strings.ToLower(strings.TrimSpace(token))
		if text != "" {
			set[text] = struct{}{}
		}
	}
	return set
}

func disjoint(a, b map[string]struct{}) bool {
	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}
	for key := range small {
		if _, ok := large[key]; ok {
			return false
		}
	}
	return true
}
