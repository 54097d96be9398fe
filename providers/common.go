package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/llmcore/errs"
)

// MapHTTPError classifies an HTTP failure into the universal error
// taxonomy. Shared by every OpenAI-compatible adapter so vendor quirks
// never leak past this one mapping.
func MapHTTPError(status int, msg, provider string) *errs.Error {
	switch status {
	case http.StatusUnauthorized:
		return errs.New(errs.AccessDenied, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return errs.New(errs.AccessDenied, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return errs.New(errs.RateLimit, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "limit") {
			return errs.New(errs.QuotaExhausted, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return errs.New(errs.InvalidParam, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusNotFound:
		return errs.New(errs.ModelNotFound, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.New(errs.Transport, msg).WithHTTPStatus(status).WithProvider(provider)
	case 529: // some providers use this for "model overloaded"
		return errs.New(errs.Provider, msg).WithHTTPStatus(status).WithProvider(provider)
	default:
		e := errs.New(errs.Provider, msg).WithHTTPStatus(status).WithProvider(provider)
		if status >= 500 {
			e.Retryable = true
		}
		return e
	}
}

// ReadErrorMessage tries to parse a JSON error envelope, falling back to
// the raw response body.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// OpenAI-compatible wire types, shared by every vendor that speaks the
// OpenAI chat-completions shape.

type OpenAICompatMessage struct {
	Role             string                 `json:"role"`
	Content          string                 `json:"content,omitempty"`
	Name             string                 `json:"name,omitempty"`
	ToolCalls        []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string                 `json:"tool_call_id,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
}

type OpenAICompatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAICompatTool struct {
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	Tools       []OpenAICompatTool    `json:"tools,omitempty"`
	ToolChoice  interface{}           `json:"tool_choice,omitempty"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float32               `json:"temperature,omitempty"`
	TopP        float32               `json:"top_p,omitempty"`
	Stop        []string              `json:"stop,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
	// Extra carries provider-specific fields a RequestHook adds (e.g.
	// Qwen's enable_thinking, GLM's thinking.type) without forcing every
	// vendor's request shape to agree on a fixed schema.
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra's keys alongside the struct's own fields so
// provider-specific knobs ride in the same request body.
func (r OpenAICompatRequest) MarshalJSON() ([]byte, error) {
	type alias OpenAICompatRequest
	base, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Some providers report input/output instead of prompt/completion.
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Normalize applies the token-field normalization rule: accept
// either naming, prefer the provider's authoritative total when present.
func (u OpenAICompatUsage) Normalize() Usage {
	in := u.PromptTokens
	if in == 0 {
		in = u.InputTokens
	}
	out := u.CompletionTokens
	if out == 0 {
		out = u.OutputTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = in + out
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

func ConvertMessagesToOpenAI(msgs []Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := OpenAICompatMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			oa.ToolCalls = make([]OpenAICompatToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				oa.ToolCalls = append(oa.ToolCalls, OpenAICompatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: OpenAICompatFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out = append(out, oa)
	}
	return out
}

func ConvertToolsToOpenAI(tools []ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAICompatTool{
			Type: "function",
			Function: OpenAICompatFunction{
				Name:      t.Name,
				Arguments: string(t.Parameters),
			},
		})
	}
	return out
}

func ToChatResponse(oa OpenAICompatResponse, provider string) *ChatResponse {
	choices := make([]ChatChoice, 0, len(oa.Choices))
	for _, c := range oa.Choices {
		msg := Message{Role: RoleAssistant, Content: c.Message.Content, Name: c.Message.Name}
		if len(c.Message.ToolCalls) > 0 {
			msg.ToolCalls = make([]ToolCall, 0, len(c.Message.ToolCalls))
			for _, tc := range c.Message.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
			}
		}
		choices = append(choices, ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg})
	}
	resp := &ChatResponse{ID: oa.ID, Provider: provider, Model: oa.Model, Choices: choices}
	if oa.Usage != nil {
		resp.Usage = oa.Usage.Normalize()
	}
	return resp
}

func ChooseModel(req *ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

func ListModelsOpenAICompat(ctx context.Context, client *http.Client, baseURL, apiKey, providerName, modelsEndpoint string, buildHeaders func(*http.Request, string)) ([]Model, error) {
	endpoint := fmt.Sprintf("%s%s", strings.TrimRight(baseURL, "/"), modelsEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	buildHeaders(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(providerName).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var modelsResp struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, errs.New(errs.Transport, err.Error()).WithProvider(providerName).WithRetryable(true).WithCause(err)
	}
	return modelsResp.Data, nil
}
