// Package doubao adapts ByteDance's Doubao models on the Ark platform's
// OpenAI-compatible endpoint.
package doubao

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

type Provider struct {
	*openaicompat.Provider
	voiceHealthCheckURL string
}

func New(cfg providers.DoubaoConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ark.cn-beijing.volces.com"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "doubao",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "Doubao-1.5-pro-32k",
			Timeout:       cfg.Timeout,
			EndpointPath:  "/api/v3/chat/completions",
		}, logger),
		voiceHealthCheckURL: cfg.VoiceHealthCheckURL,
	}
}

// HealthCheck performs the WebSocket connect/close dance against Ark's
// realtime voice endpoint when VoiceHealthCheckURL is configured,
// instead of the embedded Provider's HTTP models-list probe.
func (p *Provider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	if p.voiceHealthCheckURL != "" {
		status, err := providers.ProbeWebSocket(ctx, p.voiceHealthCheckURL)
		if err != nil {
			var e *errs.Error
			if errs.As(err, &e) {
				err = e.WithProvider(p.Name())
			}
		}
		return status, err
	}
	return p.Provider.HealthCheck(ctx)
}
