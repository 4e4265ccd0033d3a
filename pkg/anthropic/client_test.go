package anthropic

import (
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageParams_SystemBlocks(t *testing.T) {
	tests := []struct {
		name      string
		prompt    Prompt
		wantTexts []string
	}{
		{name: "question only", prompt: Prompt{Question: "map GHI789"}},
		{name: "context only", prompt: Prompt{Context: "category 13 catalog", Question: "q"}, wantTexts: []string{"category 13 catalog"}},
		{
			name:      "context and instructions",
			prompt:    Prompt{Context: "category 13 catalog", Instructions: "answer in JSON", Question: "q"},
			wantTexts: []string{"category 13 catalog", "answer in JSON"},
		},
		{name: "instructions only", prompt: Prompt{Instructions: "answer in JSON", Question: "q"}, wantTexts: []string{"answer in JSON"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := messageParams(tt.prompt)
			require.Len(t, params.System, len(tt.wantTexts))
			for i, want := range tt.wantTexts {
				assert.Equal(t, want, params.System[i].Text)
			}
			if tt.prompt.Context != "" {
				assert.Equal(t, sdk.CacheControlEphemeralTTLTTL5m, params.System[0].CacheControl.TTL)
			}
			require.Len(t, params.Messages, 1)
			assert.Equal(t, sdk.MessageParamRoleUser, params.Messages[0].Role)
		})
	}
}

func TestCompletion_JoinsTextAndFlagsTruncation(t *testing.T) {
	c := completion(&sdk.Message{
		ID:         "msg_1",
		Model:      "claude-sonnet-4-5-20250929",
		StopReason: sdk.StopReasonMaxTokens,
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"code":`},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: `"013-002-001"}`},
		},
		Usage: sdk.Usage{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 4000, CacheReadInputTokens: 3000},
	})

	assert.Equal(t, `{"code":"013-002-001"}`, c.Text)
	assert.True(t, c.Truncated)
	assert.Equal(t, "claude-sonnet-4-5-20250929", c.Model)
	assert.Equal(t, Usage{Input: 100, Output: 50, CacheWrite: 4000, CacheRead: 3000}, c.Usage)

	done := completion(&sdk.Message{StopReason: sdk.StopReasonEndTurn})
	assert.False(t, done.Truncated)
	assert.Empty(t, done.Text)
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Zero(t, StatusCode(errors.New("dial tcp: connection refused")))
	assert.Zero(t, StatusCode(nil))
}
