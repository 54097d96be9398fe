// Package qwen adapts Alibaba's Qwen models via DashScope's
// compatible-mode OpenAI-compatible endpoint.
package qwen

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.QwenConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "qwen",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "qwen3-235b-a22b",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/compatible-mode/v1/chat/completions",
			RequestHook:   requestHook,
		}, logger),
	}
}

// requestHook enables Qwen's thinking mode for reasoning requests via
// its enable_thinking extension field.
func requestHook(req *providers.ChatRequest, body *providers.OpenAICompatRequest) {
	if req.ReasoningMode == "thinking" || req.ReasoningMode == "extended" {
		if body.Extra == nil {
			body.Extra = map[string]any{}
		}
		body.Extra["enable_thinking"] = true
	}
}
