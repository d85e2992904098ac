package anthropic

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/membrane/content"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := &Adapter{defaultModel: "claude-sonnet-4-5", maxTok: 1024, cacheTTL: "5m"}
	return a
}

func TestPrepareRequest_Basic(t *testing.T) {
	a := newTestAdapter(t)
	params, err := a.prepareRequest(content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	require.Equal(t, int64(1024), params.MaxTokens)
	require.Len(t, params.Messages, 1)
}

func TestPrepareRequest_RequiresMessages(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.prepareRequest(content.Request{})
	require.Error(t, err)
}

func TestPrepareRequest_SystemBlocksCarryCacheControl(t *testing.T) {
	a := newTestAdapter(t)
	params, err := a.prepareRequest(content.Request{
		SystemParts: []content.Part{content.TextPart{Text: "sys", CacheBreakpoint: true}},
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	require.Equal(t, "ephemeral", string(params.System[0].CacheControl.Type))
}

func TestPrepareRequest_StopSequencesForwarded(t *testing.T) {
	a := newTestAdapter(t)
	params, err := a.prepareRequest(content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
		StopSequences: []string{"\nAlice:", "</function_calls>"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"\nAlice:", "</function_calls>"}, params.StopSequences)
}

func TestPrepareRequest_ThinkingBudgetValidation(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.prepareRequest(content.Request{
		Config: content.Config{MaxTokens: 2048},
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
		Thinking: &content.ThinkingOptions{Enable: true, BudgetTokens: 4096},
	})
	require.Error(t, err)
}

func TestEncodeMessages_ToolBlocks(t *testing.T) {
	a := newTestAdapter(t)
	msgs, err := a.encodeMessages([]content.Message{
		{Participant: "assistant", Content: []content.Part{
			content.ToolUsePart{ID: "toolu_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		}},
		{Participant: "user", Content: []content.Part{
			content.ToolResultPart{ToolUseID: "toolu_1", Content: "found"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestEncodeMessages_SkipsEmpty(t *testing.T) {
	a := newTestAdapter(t)
	msgs, err := a.encodeMessages([]content.Message{
		{Participant: "user", Content: []content.Part{content.TextPart{Text: ""}}},
		{Participant: "user", Content: []content.Part{content.TextPart{Text: "real"}}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMapStopReason(t *testing.T) {
	require.Equal(t, content.StopReasonEndTurn, mapStopReason("end_turn"))
	require.Equal(t, content.StopReasonMaxTokens, mapStopReason("max_tokens"))
	require.Equal(t, content.StopReasonStopSequence, mapStopReason("stop_sequence"))
	require.Equal(t, content.StopReasonToolUse, mapStopReason("tool_use"))
	require.Equal(t, content.StopReasonRefusal, mapStopReason("refusal"))
	require.Equal(t, content.StopReasonEndTurn, mapStopReason("something_new"))
}

func TestToolInputSchema(t *testing.T) {
	schema, err := toolInputSchema(map[string]any{"type": "object", "properties": map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, "object", schema.ExtraFields["type"])
}
