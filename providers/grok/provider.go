// Package grok adapts xAI's Grok models via their OpenAI-compatible API.
package grok

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.GrokConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.ai"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "grok",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "grok-beta",
			Timeout:       cfg.Timeout,
		}, logger),
	}
}
