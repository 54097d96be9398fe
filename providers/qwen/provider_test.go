package qwen

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/llmcore/providers"
)

func TestNew_Defaults(t *testing.T) {
	p := New(providers.QwenConfig{}, nil)
	assert.Equal(t, "qwen", p.Name())
	assert.Equal(t, "https://dashscope.aliyuncs.com", p.Cfg.BaseURL)
	assert.Equal(t, "/compatible-mode/v1/chat/completions", p.Cfg.EndpointPath)
}

func TestRequestHook_EnablesThinkingForReasoningMode(t *testing.T) {
	req := &providers.ChatRequest{ReasoningMode: "thinking"}
	body := &providers.OpenAICompatRequest{}
	requestHook(req, body)
	assert.Equal(t, true, body.Extra["enable_thinking"])
}

func TestRequestHook_NoOpWithoutReasoningMode(t *testing.T) {
	req := &providers.ChatRequest{}
	body := &providers.OpenAICompatRequest{}
	requestHook(req, body)
	assert.Nil(t, body.Extra)
}
