package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingCache memoizes tiktoken-go's BPE table load (a multi-MB
// download-or-embed the first time a given encoding is requested), since
// every streamed response that falls back to estimation would otherwise
// reload it.
var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

// cl100kEncoding is what every adapter this module ships estimates
// against: none of deepseek/qwen/doubao/grok/glm/kimi/minimax publish
// their own tokenizer, and cl100k_base (GPT-3.5/4's BPE) is the closest
// practical proxy, close enough for a fallback that's already an
// estimate.
const cl100kEncoding = "cl100k_base"

func getEncoding() (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[cl100kEncoding]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(cl100kEncoding)
	if err != nil {
		return nil, err
	}
	encodingCache[cl100kEncoding] = enc
	return enc, nil
}

// EstimateTokenCount returns a best-effort token count for text. Returns
// 0 on a tokenizer load failure rather than an error, since every caller
// only ever uses this as a last-resort estimate when a provider's
// response carries no authoritative usage.
func EstimateTokenCount(text string) int {
	if text == "" {
		return 0
	}
	enc, err := getEncoding()
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage builds a Usage from raw prompt/completion text, for the
// SSE frames that only ever carry usage on a terminal frame a stream may
// never reach (client cancellation, truncated connection). Both
// directions are zero-value-safe: an empty string estimates to 0.
func EstimateUsage(promptText, completionText string) Usage {
	in := EstimateTokenCount(promptText)
	out := EstimateTokenCount(completionText)
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// PromptText concatenates a request's message contents into the flat
// string EstimateUsage's prompt side tokenizes against. Not a protocol
// serialization — just enough text for a token-count estimate.
func PromptText(messages []Message) string {
	total := 0
	for _, m := range messages {
		total += len(m.Content) + 1
	}
	buf := make([]byte, 0, total)
	for _, m := range messages {
		buf = append(buf, m.Content...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
