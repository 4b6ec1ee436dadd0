package connection

import "time"

// Default tuning constants. All of them can be overridden through Config.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1000 * time.Millisecond
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultCodeRatePerSecond    = 10
	DefaultChatRatePerMinute    = 20
	DefaultAgentRatePerMinute   = 10
	DefaultMaxCodePayload       = 100 * 1024
	DefaultCodeDebounce         = 300 * time.Millisecond
)

// Config tunes the connection manager. Zero values fall back to the
// defaults above.
type Config struct {
	// URL is the websocket endpoint of the session server.
	URL string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration

	CodeRatePerSecond  int
	ChatRatePerMinute  int
	AgentRatePerMinute int
	MaxCodePayload     int
	CodeDebounce       time.Duration

	// window overrides for tests; zero means the standard windows
	// (1s for code, 1min for chat and agent)
	codeWindow  time.Duration
	chatWindow  time.Duration
	agentWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.CodeRatePerSecond <= 0 {
		c.CodeRatePerSecond = DefaultCodeRatePerSecond
	}
	if c.ChatRatePerMinute <= 0 {
		c.ChatRatePerMinute = DefaultChatRatePerMinute
	}
	if c.AgentRatePerMinute <= 0 {
		c.AgentRatePerMinute = DefaultAgentRatePerMinute
	}
	if c.MaxCodePayload <= 0 {
		c.MaxCodePayload = DefaultMaxCodePayload
	}
	// a negative debounce disables coalescing entirely (used in tests);
	// only the unset zero value takes the default
	if c.CodeDebounce == 0 {
		c.CodeDebounce = DefaultCodeDebounce
	}
	if c.codeWindow <= 0 {
		c.codeWindow = time.Second
	}
	if c.chatWindow <= 0 {
		c.chatWindow = time.Minute
	}
	if c.agentWindow <= 0 {
		c.agentWindow = time.Minute
	}
}
