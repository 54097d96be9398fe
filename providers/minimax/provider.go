// Package minimax adapts MiniMax models. MiniMax speaks a mostly
// OpenAI-compatible envelope but embeds tool calls as XML inside the
// message content rather than a structured tool_calls array, so
// Completion/Stream are overridden here; everything else (HTTP client,
// headers, HealthCheck, ListModels) is inherited from openaicompat.Provider.
package minimax

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmcore/errs"
	"github.com/BaSui01/llmcore/providers"
	"github.com/BaSui01/llmcore/providers/openaicompat"
)

const endpointPath = "/v1/text/chatcompletion_v2"

type Provider struct {
	*openaicompat.Provider
}

func New(cfg providers.MiniMaxConfig, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.minimax.io"
	}
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:  "minimax",
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			DefaultModel:  cfg.Model,
			FallbackModel: "abab6.5s-chat",
			Timeout:       cfg.Timeout,
			EndpointPath:  endpointPath,
		}, logger),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int      `json:"index"`
		FinishReason string   `json:"finish_reason"`
		Message      message  `json:"message"`
		Delta        *message `json:"delta,omitempty"`
	} `json:"choices"`
	Usage *providers.OpenAICompatUsage `json:"usage,omitempty"`
}

// toolCallPattern matches <tool_calls>{"name":...,"arguments":...}</tool_calls>
// blocks MiniMax embeds in message content instead of a structured field.
var toolCallPattern = regexp.MustCompile(`(?s)<tool_calls>(.*?)</tool_calls>`)

func convertMessages(msgs []providers.Message) []message {
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		mm := message{Role: string(m.Role), Content: m.Content, Name: m.Name}
		if len(m.ToolCalls) > 0 {
			var sb strings.Builder
			sb.WriteString("<tool_calls>\n")
			for _, tc := range m.ToolCalls {
				callJSON, _ := json.Marshal(map[string]any{
					"name":      tc.Name,
					"arguments": json.RawMessage(tc.Arguments),
				})
				sb.Write(callJSON)
				sb.WriteString("\n")
			}
			sb.WriteString("</tool_calls>")
			mm.Content = sb.String()
		}
		out = append(out, mm)
	}
	return out
}

func convertTools(tools []providers.ToolSchema) []tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

func parseToolCalls(content string) []providers.ToolCall {
	matches := toolCallPattern.FindStringSubmatch(content)
	if len(matches) < 2 {
		return nil
	}
	var calls []providers.ToolCall
	for i, line := range strings.Split(strings.TrimSpace(matches[1]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(line), &call); err != nil {
			continue
		}
		calls = append(calls, providers.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: call.Name, Arguments: string(call.Arguments)})
	}
	return calls
}

func (p *Provider) buildRequest(req *providers.ChatRequest, stream bool) request {
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	return request{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), endpointPath)
}

func (p *Provider) Completion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body := p.buildRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var mmResp response
	if err := json.NewDecoder(resp.Body).Decode(&mmResp); err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)
	}

	choices := make([]providers.ChatChoice, 0, len(mmResp.Choices))
	for _, c := range mmResp.Choices {
		msg := providers.Message{Role: providers.RoleAssistant, Content: c.Message.Content, Name: c.Message.Name}
		if calls := parseToolCalls(c.Message.Content); len(calls) > 0 {
			msg.ToolCalls = calls
			msg.Content = ""
		}
		choices = append(choices, providers.ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg})
	}
	out := &providers.ChatResponse{ID: mmResp.ID, Provider: p.Name(), Model: mmResp.Model, Choices: choices}
	if mmResp.Usage != nil {
		out.Usage = mmResp.Usage.Normalize()
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	body := p.buildRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan providers.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		var buffered strings.Builder
		toolBlockSent := false

		send := func(c providers.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					send(providers.StreamChunk{Err: errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var mmResp response
			if err := json.Unmarshal([]byte(data), &mmResp); err != nil {
				send(providers.StreamChunk{Err: errs.New(errs.Transport, err.Error()).WithProvider(p.Name()).WithRetryable(true)})
				return
			}
			for _, c := range mmResp.Choices {
				if c.Delta == nil {
					continue
				}
				buffered.WriteString(c.Delta.Content)
				// MiniMax only closes the XML block on the final delta,
				// so tool-call content is buffered and only emitted once
				// complete, as one token chunk holding the whole
				// <tool_calls> block; ordinary content streams token by token.
				if !strings.Contains(buffered.String(), "<tool_calls>") {
					if c.Delta.Content != "" {
						if !send(providers.StreamChunk{Type: providers.ChunkToken, ID: mmResp.ID, Provider: p.Name(), Model: mmResp.Model, Index: c.Index, Content: c.Delta.Content}) {
							return
						}
					}
				} else if block := toolCallPattern.FindString(buffered.String()); block != "" && !toolBlockSent {
					toolBlockSent = true
					if !send(providers.StreamChunk{Type: providers.ChunkToken, ID: mmResp.ID, Provider: p.Name(), Model: mmResp.Model, Index: c.Index, Content: block}) {
						return
					}
				}
				if c.FinishReason != "" {
					if !send(providers.StreamChunk{Type: providers.ChunkToken, ID: mmResp.ID, Provider: p.Name(), Model: mmResp.Model, Index: c.Index, FinishReason: c.FinishReason}) {
						return
					}
				}
			}
			if mmResp.Usage != nil {
				u := mmResp.Usage.Normalize()
				if !send(providers.StreamChunk{Type: providers.ChunkUsage, ID: mmResp.ID, Provider: p.Name(), Model: mmResp.Model, Usage: &u}) {
					return
				}
			}
		}
	}()
	return ch, nil
}
