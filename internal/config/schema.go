// Package config defines the configuration schema for duskpetrel.
//
// The config file is JSON with camelCase keys, loaded once at startup from
// ~/.duskpetrel/config.json. Reload produces a fresh immutable value swapped
// behind an atomic pointer; no component mutates a loaded Config.
package config

import (
	"os"
	"path/filepath"
)

// ProviderProfile addresses one LLM or embedding endpoint.
//
// API selects the wire dialect: "openai" (chat-completions compatible) or
// "anthropic" (Messages API). Prices are USD per million tokens.
type ProviderProfile struct {
	API             string  `json:"api"`
	APIKey          string  `json:"apiKey"`
	APIBase         string  `json:"apiBase,omitempty"`
	Model           string  `json:"model"`
	ContextWindow   int     `json:"contextWindow"`
	MaxTokens       int     `json:"maxTokens"`
	Temperature     float64 `json:"temperature"`
	Vision          bool    `json:"vision"`
	InputPrice      float64 `json:"inputPricePerMtok"`
	OutputPrice     float64 `json:"outputPricePerMtok"`
	CacheReadPrice  float64 `json:"cacheReadPricePerMtok"`
	EmbedDimensions int     `json:"embedDimensions,omitempty"`
}

// RoutingConfig maps message sources to provider profile names.
type RoutingConfig struct {
	Default string            `json:"default"`
	Sources map[string]string `json:"sources"`
}

func defaultRoutingConfig() RoutingConfig {
	return RoutingConfig{Default: "main", Sources: map[string]string{}}
}

// AgentConfig holds the orchestrator and agentic-loop knobs.
type AgentConfig struct {
	Workspace         string   `json:"workspace"`
	MaxTurns          int      `json:"maxTurns"`
	CostCeilingUSD    float64  `json:"costCeilingUsd"`
	WarnThreshold     float64  `json:"warnThreshold"`
	HardThreshold     float64  `json:"hardThreshold"`
	CompactFraction   float64  `json:"compactFraction"`
	DebounceMs        int      `json:"debounceMs"`
	BufferSize        int      `json:"bufferSize"`
	SilentTokens      []string `json:"silentTokens"`
	NoDeliverySources []string `json:"noDeliverySources"`
	ContextWarning    string   `json:"contextWarning"`
	SubagentDeny      []string `json:"subagentDeny"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Workspace:       "~/.duskpetrel/workspace",
		MaxTurns:        20,
		CostCeilingUSD:  2.0,
		WarnThreshold:   0.8,
		HardThreshold:   0.9,
		CompactFraction: 0.5,
		DebounceMs:      250,
		BufferSize:      16,
		SilentTokens:    []string{"NO_REPLY", "SILENT"},
		ContextWarning:  "[System notice] Context is almost full. Save anything important to memory now; older messages will be summarised away shortly.",
		SubagentDeny:    []string{"spawn", "message"},
	}
}

// RetryConfig bounds the agentic loop's retry policy.
type RetryConfig struct {
	MaxAttempts    int `json:"maxAttempts"`
	BaseDelayMs    int `json:"baseDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs"`
	TotalDeadlineS int `json:"totalDeadlineSeconds"`
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelayMs: 500, MaxDelayMs: 15000, TotalDeadlineS: 120}
}

// MemoryConfig tunes recall and consolidation.
type MemoryConfig struct {
	EmbedProfile string  `json:"embedProfile"`
	RecallK      int     `json:"recallK"`
	FTSWeight    float64 `json:"ftsWeight"`
	VectorWeight float64 `json:"vectorWeight"`
	DecayDays    float64 `json:"decayDays"`
	MaxBlockRunes int    `json:"maxBlockRunes"`
}

func defaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		EmbedProfile:  "embed",
		RecallK:       6,
		FTSWeight:     0.4,
		VectorWeight:  0.6,
		DecayDays:     30,
		MaxBlockRunes: 4000,
	}
}

// ---- Channel configs -------------------------------------------------------

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"token"`
	AllowFrom      []string `json:"allowFrom"`
	ReplyToMessage bool     `json:"replyToMessage"`
}

func defaultTelegramConfig() TelegramConfig {
	return TelegramConfig{AllowFrom: []string{}}
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled       bool     `json:"enabled"`
	BotToken      string   `json:"botToken"`
	AppToken      string   `json:"appToken"`
	AllowFrom     []string `json:"allowFrom"`
	ReplyInThread bool     `json:"replyInThread"`
}

func defaultSlackConfig() SlackConfig {
	return SlackConfig{AllowFrom: []string{}, ReplyInThread: true}
}

// WhatsAppConfig configures the WhatsApp bridge channel.
type WhatsAppConfig struct {
	Enabled     bool     `json:"enabled"`
	BridgeURL   string   `json:"bridgeUrl"`
	BridgeToken string   `json:"bridgeToken"`
	AllowFrom   []string `json:"allowFrom"`
}

func defaultWhatsAppConfig() WhatsAppConfig {
	return WhatsAppConfig{BridgeURL: "ws://localhost:3001", AllowFrom: []string{}}
}

// ChannelsConfig groups all channel configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

func defaultChannelsConfig() ChannelsConfig {
	return ChannelsConfig{
		Telegram: defaultTelegramConfig(),
		Slack:    defaultSlackConfig(),
		WhatsApp: defaultWhatsAppConfig(),
	}
}

// ---- Tool configs ----------------------------------------------------------

// WebSearchConfig configures the Brave web-search tool.
type WebSearchConfig struct {
	APIKey     string `json:"apiKey"`
	MaxResults int    `json:"maxResults"`
}

// ExecToolConfig configures the shell-exec tool.
type ExecToolConfig struct {
	Timeout int `json:"timeout"` // seconds
}

// ToolsConfig groups all tool-level settings.
type ToolsConfig struct {
	Enabled        []string        `json:"enabled"` // empty = all built-ins
	Web            WebSearchConfig `json:"web"`
	Exec           ExecToolConfig  `json:"exec"`
	AllowRoots     []string        `json:"allowRoots"` // empty = workspace only
	SecretSuffixes []string        `json:"secretSuffixes"`
	DocMaxBytes    int64           `json:"docMaxBytes"`
}

func defaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Web:            WebSearchConfig{MaxResults: 5},
		Exec:           ExecToolConfig{Timeout: 60},
		AllowRoots:     []string{},
		SecretSuffixes: []string{"_KEY", "_TOKEN", "_SECRET", "_PASSWORD", "_CREDENTIALS"},
		DocMaxBytes:    2 << 20,
	}
}

// GatewayConfig holds control-API server settings.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AuthToken       string `json:"authToken"`
	RateLimitPerMin int    `json:"rateLimitPerMin"`
	MaxBodyBytes    int64  `json:"maxBodyBytes"`
	RateLimitCap    int    `json:"rateLimitCap"` // max tracked client IPs
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Host:            "127.0.0.1",
		Port:            18790,
		RateLimitPerMin: 60,
		MaxBodyBytes:    1 << 20,
		RateLimitCap:    4096,
	}
}

// HeartbeatConfig drives the periodic self-prompt.
type HeartbeatConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
}

func defaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{IntervalMinutes: 30}
}

// ---- Root config -----------------------------------------------------------

// Config is the root configuration object, loaded from
// ~/.duskpetrel/config.json.
type Config struct {
	Agent     AgentConfig                `json:"agent"`
	Retry     RetryConfig                `json:"retry"`
	Memory    MemoryConfig               `json:"memory"`
	Providers map[string]ProviderProfile `json:"providers"`
	Routing   RoutingConfig              `json:"routing"`
	Channels  ChannelsConfig             `json:"channels"`
	Gateway   GatewayConfig              `json:"gateway"`
	Heartbeat HeartbeatConfig            `json:"heartbeat"`
	Tools     ToolsConfig                `json:"tools"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() Config {
	return Config{
		Agent:  defaultAgentConfig(),
		Retry:  defaultRetryConfig(),
		Memory: defaultMemoryConfig(),
		Providers: map[string]ProviderProfile{
			"main": {
				API:           "anthropic",
				Model:         "claude-sonnet-4-5",
				ContextWindow: 200000,
				MaxTokens:     8192,
				Temperature:   0.7,
				Vision:        true,
				InputPrice:    3.0,
				OutputPrice:   15.0,
			},
			"embed": {
				API:             "openai",
				Model:           "text-embedding-3-small",
				EmbedDimensions: 1536,
				InputPrice:      0.02,
			},
		},
		Routing:   defaultRoutingConfig(),
		Channels:  defaultChannelsConfig(),
		Gateway:   defaultGatewayConfig(),
		Heartbeat: defaultHeartbeatConfig(),
		Tools:     defaultToolsConfig(),
	}
}

// ExpandHome expands a leading "~/" against the user's home directory.
func ExpandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// WorkspacePath returns the expanded absolute path to the agent workspace.
func (c *Config) WorkspacePath() string {
	ws := c.Agent.Workspace
	if ws == "" {
		ws = "~/.duskpetrel/workspace"
	}
	return ExpandHome(ws)
}

// EffectiveAllowRoots returns the filesystem allow-roots, defaulting to the
// workspace when none are configured.
func (c *Config) EffectiveAllowRoots() []string {
	if len(c.Tools.AllowRoots) == 0 {
		return []string{c.WorkspacePath()}
	}
	roots := make([]string, 0, len(c.Tools.AllowRoots))
	for _, r := range c.Tools.AllowRoots {
		roots = append(roots, ExpandHome(r))
	}
	return roots
}
