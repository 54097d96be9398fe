package providers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmcore/errs"
)

func TestMapHTTPError_ClassifiesByStatus(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   errs.Kind
	}{
		{http.StatusUnauthorized, "bad key", errs.AccessDenied},
		{http.StatusForbidden, "forbidden", errs.AccessDenied},
		{http.StatusTooManyRequests, "slow down", errs.RateLimit},
		{http.StatusBadRequest, "malformed json", errs.InvalidParam},
		{http.StatusBadRequest, "quota exceeded for this month", errs.QuotaExhausted},
		{http.StatusBadRequest, "insufficient credit balance", errs.QuotaExhausted},
		{http.StatusNotFound, "no such model", errs.ModelNotFound},
		{http.StatusServiceUnavailable, "down", errs.Transport},
		{http.StatusBadGateway, "down", errs.Transport},
		{http.StatusGatewayTimeout, "down", errs.Transport},
		{529, "overloaded", errs.Provider},
	}
	for _, c := range cases {
		err := MapHTTPError(c.status, c.msg, "deepseek")
		assert.Equal(t, c.want, err.Kind, "status %d msg %q", c.status, c.msg)
		assert.Equal(t, c.status, err.HTTPStatus)
		assert.Equal(t, "deepseek", err.Provider)
	}
}

func TestMapHTTPError_UnmappedServerErrorIsRetryable(t *testing.T) {
	err := MapHTTPError(500, "internal error", "qwen")
	assert.Equal(t, errs.Provider, err.Kind)
	assert.True(t, err.Retryable)
}

func TestMapHTTPError_UnmappedStatusFallsBackToProviderKind(t *testing.T) {
	err := MapHTTPError(418, "teapot", "qwen")
	assert.Equal(t, errs.Provider, err.Kind)
}

func TestReadErrorMessage_ParsesJSONEnvelope(t *testing.T) {
	body := `{"error":{"message":"invalid api key","type":"authentication_error"}}`
	msg := ReadErrorMessage(strings.NewReader(body))
	assert.Equal(t, "invalid api key (type: authentication_error)", msg)
}

func TestReadErrorMessage_NoTypeField(t *testing.T) {
	body := `{"error":{"message":"oops"}}`
	msg := ReadErrorMessage(strings.NewReader(body))
	assert.Equal(t, "oops", msg)
}

func TestReadErrorMessage_FallsBackToRawBody(t *testing.T) {
	body := "not json at all"
	msg := ReadErrorMessage(strings.NewReader(body))
	assert.Equal(t, "not json at all", msg)
}

func TestOpenAICompatUsage_Normalize_PrefersPromptCompletionNaming(t *testing.T) {
	u := OpenAICompatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	norm := u.Normalize()
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, norm)
}

func TestOpenAICompatUsage_Normalize_FallsBackToInputOutputNaming(t *testing.T) {
	u := OpenAICompatUsage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10}
	norm := u.Normalize()
	assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10}, norm)
}

func TestOpenAICompatUsage_Normalize_ComputesMissingTotal(t *testing.T) {
	u := OpenAICompatUsage{PromptTokens: 7, CompletionTokens: 3}
	norm := u.Normalize()
	assert.Equal(t, 10, norm.TotalTokens)
}

func TestOpenAICompatRequest_MarshalJSON_MergesExtra(t *testing.T) {
	req := OpenAICompatRequest{
		Model: "qwen-turbo",
		Extra: map[string]any{"enable_thinking": true},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "qwen-turbo", decoded["model"])
	assert.Equal(t, true, decoded["enable_thinking"])
}

func TestOpenAICompatRequest_MarshalJSON_NoExtraIsPlainMarshal(t *testing.T) {
	req := OpenAICompatRequest{Model: "deepseek-chat"}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"model":"deepseek-chat"`)
}

func TestConvertMessagesToOpenAI_CarriesToolCalls(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "search", Arguments: `{"q":"go"}`}}},
	}
	out := ConvertMessagesToOpenAI(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "hi", out[0].Content)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "search", out[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "function", out[1].ToolCalls[0].Type)
}

func TestConvertToolsToOpenAI_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, ConvertToolsToOpenAI(nil))
}

func TestConvertToolsToOpenAI_MapsNameAndParameters(t *testing.T) {
	tools := []ToolSchema{{Name: "search", Parameters: []byte(`{"type":"object"}`)}}
	out := ConvertToolsToOpenAI(tools)
	require.Len(t, out, 1)
	assert.Equal(t, "search", out[0].Function.Name)
	assert.Equal(t, `{"type":"object"}`, out[0].Function.Arguments)
}

func TestToChatResponse_ConvertsChoicesAndUsage(t *testing.T) {
	oa := OpenAICompatResponse{
		ID:    "resp-1",
		Model: "deepseek-chat",
		Choices: []OpenAICompatChoice{
			{Index: 0, FinishReason: "stop", Message: OpenAICompatMessage{Role: "assistant", Content: "hello"}},
		},
		Usage: &OpenAICompatUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}
	resp := ToChatResponse(oa, "deepseek")
	assert.Equal(t, "deepseek", resp.Provider)
	assert.Equal(t, "resp-1", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestToChatResponse_NilUsageLeavesZeroValue(t *testing.T) {
	oa := OpenAICompatResponse{ID: "r", Model: "m"}
	resp := ToChatResponse(oa, "qwen")
	assert.Equal(t, Usage{}, resp.Usage)
}

func TestChooseModel_PrefersRequestThenDefaultThenFallback(t *testing.T) {
	assert.Equal(t, "explicit", ChooseModel(&ChatRequest{Model: "explicit"}, "default", "fallback"))
	assert.Equal(t, "default", ChooseModel(&ChatRequest{}, "default", "fallback"))
	assert.Equal(t, "fallback", ChooseModel(&ChatRequest{}, "", "fallback"))
	assert.Equal(t, "fallback", ChooseModel(nil, "", "fallback"))
}

func TestSafeCloseBody_NilIsNoOp(t *testing.T) {
	assert.NotPanics(t, func() { SafeCloseBody(nil) })
}
