// Package glm adapts Zhipu AI's GLM models via their OpenAI-compatible
// API. The teacher carried a fully bespoke ~450-line duplicate of the
// openaicompat plumbing for this vendor; GLM's wire format has no
// deviation that actually requires it, so it's simplified here to a
// thin wrapper like the other vendors.
package glm

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.GLMConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://open.bigmodel.cn"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "glm",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  "glm-4-plus",
			Timeout:        cfg.Timeout,
			EndpointPath:   "/api/paas/v4/chat/completions",
			ModelsEndpoint: "/api/paas/v4/models",
			RequestHook:    requestHook,
		}, logger),
	}
}

// requestHook switches on GLM's nested thinking.type extension for
// reasoning requests.
func requestHook(req *providers.ChatRequest, body *providers.OpenAICompatRequest) {
	if req.ReasoningMode == "thinking" || req.ReasoningMode == "extended" {
		if body.Extra == nil {
			body.Extra = map[string]any{}
		}
		body.Extra["thinking"] = map[string]string{"type": "enabled"}
	}
}
