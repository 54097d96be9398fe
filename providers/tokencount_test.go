package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokenCount_EmptyStringIsZero(t *testing.T) {
	assert.Equal(t, 0, EstimateTokenCount(""))
}

func TestEstimateTokenCount_NonEmptyTextIsPositive(t *testing.T) {
	n := EstimateTokenCount("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 0)
}

func TestEstimateTokenCount_LongerTextCountsAtLeastAsMany(t *testing.T) {
	short := EstimateTokenCount("hello")
	long := EstimateTokenCount("hello, this is a much longer sentence with many more words in it")
	assert.Greater(t, long, short)
}

func TestEstimateUsage_SumsPromptAndCompletion(t *testing.T) {
	u := EstimateUsage("what is the capital of france?", "the capital of france is paris.")
	assert.Greater(t, u.InputTokens, 0)
	assert.Greater(t, u.OutputTokens, 0)
	assert.Equal(t, u.InputTokens+u.OutputTokens, u.TotalTokens)
}

func TestEstimateUsage_EmptyBothSidesIsZero(t *testing.T) {
	u := EstimateUsage("", "")
	assert.Equal(t, Usage{}, u)
}

func TestPromptText_FlattensMessageContents(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi there"},
	}
	text := PromptText(messages)
	assert.Contains(t, text, "be terse")
	assert.Contains(t, text, "hi there")
}

func TestPromptText_EmptyMessagesIsEmptyString(t *testing.T) {
	assert.Equal(t, "", PromptText(nil))
}
