package domain

// NetworkOptions carries proxy and client-identity overrides for one
// service. Changing them invalidates any live gateway connection.
type NetworkOptions struct {
	ProxyURL      string
	ProxyLogin    string
	ProxyPassword string
	UserAgent     string
}

// RuntimeOptions are the tunables of the monitor loop.
type RuntimeOptions struct {
	PollInterval   float64 // seconds between cycles
	MinDelayMs     int     // jittered pause between forwarded messages
	MaxDelayMs     int
	DiscordRate    float64 // requests per second
	TelegramRate   float64
	MaxMessages    int     // per-channel cap per cycle
	MaxFetchSecs   float64 // per-channel pagination budget per cycle
	FetchBatchSize int
}

// FormattingOptions control how forwarded text is rendered.
type FormattingOptions struct {
	ParseMode        string
	DisablePreview   bool
	MaxLength        int
	Ellipsis         string
	AttachmentsStyle string // "summary" | "links"
	Header           string
	Footer           string
	Chip             string
}

// ReplacementRule is a plain find/replace applied to forwarded content.
type ReplacementRule struct {
	Pattern     string
	Replacement string
}

// FilterConfig holds allow and deny lists applied before forwarding.
type FilterConfig struct {
	Whitelist      []string
	Blacklist      []string
	AllowedSenders []string
	BlockedSenders []string
	AllowedTypes   []string
	BlockedTypes   []string
}

// Merge combines two filter configs, keeping entries from both.
func (f FilterConfig) Merge(other FilterConfig) FilterConfig {
	return FilterConfig{
		Whitelist:      mergeLists(f.Whitelist, other.Whitelist),
		Blacklist:      mergeLists(f.Blacklist, other.Blacklist),
		AllowedSenders: mergeLists(f.AllowedSenders, other.AllowedSenders),
		BlockedSenders: mergeLists(f.BlockedSenders, other.BlockedSenders),
		AllowedTypes:   mergeLists(f.AllowedTypes, other.AllowedTypes),
		BlockedTypes:   mergeLists(f.BlockedTypes, other.BlockedTypes),
	}
}

func mergeLists(a, b []string) []string {
	if len(b) == 0 {
		return append([]string(nil), a...)
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// ChannelMapping links one source channel to one destination chat.
type ChannelMapping struct {
	DiscordChannelID string
	TelegramChatID   string
	Label            string
	Formatting       FormattingOptions
	Filters          FilterConfig
	Replacements     []ReplacementRule
	LastMessageID    string
	Active           bool
	StorageID        int64
}
