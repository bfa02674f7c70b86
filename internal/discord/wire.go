package discord

import "encoding/json"

// gatewayURL carries the fixed encoding/version query parameters the web
// client uses.
const gatewayURL = "wss://gateway.discord.gg/?encoding=json&v=10"

// opcode is a gateway frame opcode. Dispatch is exhaustive over these; an
// unknown value is ignored rather than dispatched dynamically.
type opcode int

const (
	opDispatch       opcode = 0
	opHeartbeat      opcode = 1
	opIdentify       opcode = 2
	opResume         opcode = 6
	opReconnect      opcode = 7
	opInvalidSession opcode = 9
	opHello          opcode = 10
	opHeartbeatACK   opcode = 11
)

// frame is the envelope of every gateway message.
type frame struct {
	Op opcode          `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	} `json:"user"`
}

// superProperties is the static browser-identity block sent with IDENTIFY.
// Values mirror a stock Chrome on Windows install.
type superProperties struct {
	OS                     string  `json:"os"`
	Browser                string  `json:"browser"`
	Device                 string  `json:"device"`
	SystemLocale           string  `json:"system_locale"`
	BrowserUserAgent       string  `json:"browser_user_agent"`
	BrowserVersion         string  `json:"browser_version"`
	OSVersion              string  `json:"os_version"`
	Referrer               string  `json:"referrer"`
	ReferringDomain        string  `json:"referring_domain"`
	ReferrerCurrent        string  `json:"referrer_current"`
	ReferringDomainCurrent string  `json:"referring_domain_current"`
	ReleaseChannel         string  `json:"release_channel"`
	ClientBuildNumber      int     `json:"client_build_number"`
	ClientEventSource      *string `json:"client_event_source"`
}

const defaultBrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

func defaultSuperProperties(userAgent string) superProperties {
	if userAgent == "" {
		userAgent = defaultBrowserUserAgent
	}
	return superProperties{
		OS:                "Windows",
		Browser:           "Chrome",
		SystemLocale:      "ru",
		BrowserUserAgent:  userAgent,
		BrowserVersion:    "122.0.0.0",
		OSVersion:         "10",
		ReleaseChannel:    "stable",
		ClientBuildNumber: 9999,
	}
}

type identifyData struct {
	Token        string          `json:"token"`
	Capabilities int             `json:"capabilities"`
	Properties   superProperties `json:"properties"`
	Compress     bool            `json:"compress"`
	Presence     presenceData    `json:"presence"`
	ClientState  clientState     `json:"client_state"`
}

type presenceData struct {
	Status     string `json:"status"`
	Since      int    `json:"since"`
	Activities []any  `json:"activities"`
	AFK        bool   `json:"afk"`
}

type clientState struct {
	GuildVersions            map[string]any `json:"guild_versions"`
	HighestLastMessageID     string         `json:"highest_last_message_id"`
	ReadStateVersion         int            `json:"read_state_version"`
	UserGuildSettingsVersion int            `json:"user_guild_settings_version"`
	UserSettingsVersion      int            `json:"user_settings_version"`
	PrivateChannelsVersion   string         `json:"private_channels_version"`
	APICodeVersion           int            `json:"api_code_version"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       *int64 `json:"seq"`
}

// identifyCapabilities is the capability bitmask the web client announces.
const identifyCapabilities = 509

func identifyFrame(token, userAgent string) frame {
	data, _ := json.Marshal(identifyData{
		Token:        token,
		Capabilities: identifyCapabilities,
		Properties:   defaultSuperProperties(userAgent),
		Presence: presenceData{
			Status:     "invisible",
			Activities: []any{},
		},
		ClientState: clientState{
			GuildVersions:            map[string]any{},
			HighestLastMessageID:     "0",
			UserGuildSettingsVersion: -1,
			UserSettingsVersion:      -1,
			PrivateChannelsVersion:   "0",
		},
	})
	return frame{Op: opIdentify, D: data}
}

func resumeFrame(token, sessionID string, seq *int64) frame {
	data, _ := json.Marshal(resumeData{Token: token, SessionID: sessionID, Seq: seq})
	return frame{Op: opResume, D: data}
}

func heartbeatFrame(seq *int64) frame {
	if seq == nil {
		return frame{Op: opHeartbeat, D: json.RawMessage("null")}
	}
	data, _ := json.Marshal(*seq)
	return frame{Op: opHeartbeat, D: data}
}
