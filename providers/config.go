package providers

import "time"

// BaseProviderConfig is embedded by every vendor's config struct.
// Grounded on llm/providers/config.go's BaseProviderConfig, trimmed to
// the seven vendors in scope (deepseek, qwen, doubao, grok, glm, kimi,
// minimax).
type BaseProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type DeepSeekConfig struct{ BaseProviderConfig }
type QwenConfig struct{ BaseProviderConfig }
// DoubaoConfig adds VoiceHealthCheckURL: when set, health_check performs
// a WebSocket connect/close probe against Ark's realtime voice endpoint
// instead of the HTTP models-list probe every other adapter uses.
type DoubaoConfig struct {
	BaseProviderConfig
	VoiceHealthCheckURL string
}
type GrokConfig struct{ BaseProviderConfig }
type GLMConfig struct{ BaseProviderConfig }
type KimiConfig struct{ BaseProviderConfig }
type MiniMaxConfig struct{ BaseProviderConfig }
