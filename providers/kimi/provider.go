// Package kimi adapts Moonshot AI's Kimi models via their
// OpenAI-compatible API.
package kimi

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.KimiConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.moonshot.cn"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "kimi",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "moonshot-v1-8k",
			Timeout:       cfg.Timeout,
		}, logger),
	}
}
