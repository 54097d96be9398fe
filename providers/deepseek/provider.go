// Package deepseek adapts DeepSeek's OpenAI-compatible API by embedding
// openaicompat.Provider and customizing only the reasoning-model
// routing via RequestHook.
package deepseek

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.DeepSeekConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "deepseek",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "deepseek-chat",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/chat/completions",
			RequestHook:   requestHook,
		}, logger),
	}
}

// requestHook routes thinking/extended reasoning requests to
// deepseek-reasoner unless the caller pinned an explicit model.
func requestHook(req *providers.ChatRequest, body *providers.OpenAICompatRequest) {
	if req.Model == "" && (req.ReasoningMode == "thinking" || req.ReasoningMode == "extended") {
		body.Model = "deepseek-reasoner"
	}
}
