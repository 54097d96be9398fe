// Package openaicompat is the shared base every OpenAI-compatible
// vendor adapter embeds (deepseek, qwen, doubao, grok, glm, kimi).
// Vendors only override Name/BaseURL/default model/headers/RequestHook.
//
// Grounded on llm/providers/openaicompat/provider.go almost line for
// line; adapted to the new errs taxonomy and the tagged-variant
// StreamChunk, with the rewriter chain (RewriterChain/EmptyToolsCleaner)
// dropped since the middleware package it came from is out of scope —
// the one rewrite it performed (dropping an empty tools slice) is folded
// directly into buildBody instead of staying a pluggable chain with a
// single link.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
	"github.com/BaSui01/llmcore/internal/httpclient"
	"github.com/BaSui01/llmcore/providers"
)

// Config holds one vendor's deviation from the OpenAI chat-completions
// contract.
type Config struct {
	ProviderName   string
	APIKey         string
	BaseURL        string
	DefaultModel   string
	FallbackModel  string
	Timeout        time.Duration
	EndpointPath   string
	ModelsEndpoint string
	BuildHeaders   func(req *http.Request, apiKey string)
	// RequestHook lets a vendor adjust the outgoing body (e.g. DeepSeek
	// swapping in deepseek-reasoner for ReasoningMode requests).
	RequestHook   func(req *providers.ChatRequest, body *providers.OpenAICompatRequest)
	SupportsTools *bool
}

type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	providerLogger := logger.With(zap.String("provider", cfg.ProviderName))
	return &Provider{
		Cfg:    cfg,
		Client: httpclient.NewWithLogger(cfg.Timeout, providerLogger),
		Logger: providerLogger,
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.Cfg.SupportsTools != nil {
		return *p.Cfg.SupportsTools
	}
	return true
}

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), path)
}

func (p *Provider) HealthCheck(ctx context.Context) (*providers.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &providers.HealthStatus{Healthy: false, Latency: latency},
			errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &providers.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return &providers.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	return providers.ListModelsOpenAICompat(ctx, p.Client, p.Cfg.BaseURL, p.Cfg.APIKey, p.Cfg.ProviderName, p.Cfg.ModelsEndpoint, p.buildHeaders)
}

func (p *Provider) buildBody(req *providers.ChatRequest, stream bool) providers.OpenAICompatRequest {
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	body := providers.OpenAICompatRequest{
		Model:       model,
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if tools := providers.ConvertToolsToOpenAI(req.Tools); len(tools) > 0 {
		body.Tools = tools
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	if len(req.Options) > 0 {
		body.Extra = make(map[string]any, len(req.Options))
		for k, v := range req.Options {
			body.Extra[k] = v
		}
	}
	if p.Cfg.RequestHook != nil {
		p.Cfg.RequestHook(req, &body)
	}
	return body
}

func (p *Provider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	apiKey := p.Cfg.APIKey
	body := p.buildBody(req, false)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)
	}

	result := providers.ToChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	apiKey := p.Cfg.APIKey
	body := p.buildBody(req, true)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return StreamSSE(ctx, resp.Body, p.Name(), providers.PromptText(req.Messages)), nil
}

// StreamSSE parses an SSE stream from an OpenAI-compatible endpoint,
// surfacing reasoning_content as ChunkThinking and ordinary content as
// ChunkToken, and emitting a final ChunkUsage frame whenever usage
// appears — whether inline on each frame or only on the terminal one
// (some vendors only emit usage on the terminal frame). promptText seeds
// a tiktoken-estimated ChunkUsage synthesized at stream end if the
// vendor never sent one (a truncated connection, or a vendor that simply
// omits usage on stream responses).
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName, promptText string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		var lastModel, lastID string
		var completion strings.Builder
		sawUsage := false

		send := func(c providers.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}
		finalizeUsage := func() {
			if sawUsage {
				return
			}
			u := providers.EstimateUsage(promptText, completion.String())
			send(providers.StreamChunk{Type: providers.ChunkUsage, ID: lastID, Provider: providerName, Model: lastModel, Usage: &u})
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					send(providers.StreamChunk{Err: errs.New(errs.Transport, err.Error()).WithProvider(providerName).WithRetryable(true)})
					return
				}
				finalizeUsage()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				finalizeUsage()
				return
			}

			var oaResp providers.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				send(providers.StreamChunk{Err: errs.New(errs.Transport, err.Error()).WithProvider(providerName).WithRetryable(true)})
				return
			}
			if oaResp.Model != "" {
				lastModel = oaResp.Model
			}
			if oaResp.ID != "" {
				lastID = oaResp.ID
			}

			for _, choice := range oaResp.Choices {
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.ReasoningContent != "" {
					if !send(providers.StreamChunk{
						Type: providers.ChunkThinking, ID: oaResp.ID, Provider: providerName,
						Model: oaResp.Model, Index: choice.Index, Content: choice.Delta.ReasoningContent,
					}) {
						return
					}
				}
				if choice.Delta.Content != "" || choice.FinishReason != "" {
					completion.WriteString(choice.Delta.Content)
					if !send(providers.StreamChunk{
						Type: providers.ChunkToken, ID: oaResp.ID, Provider: providerName,
						Model: oaResp.Model, Index: choice.Index, Content: choice.Delta.Content,
						FinishReason: choice.FinishReason,
					}) {
						return
					}
				}
			}

			if oaResp.Usage != nil {
				sawUsage = true
				u := oaResp.Usage.Normalize()
				if !send(providers.StreamChunk{Type: providers.ChunkUsage, ID: lastID, Provider: providerName, Model: lastModel, Usage: &u}) {
					return
				}
			}
		}
	}()
	return ch
}
