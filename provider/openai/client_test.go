package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antra-tess/membrane/content"
)

func testAdapter() *Adapter {
	return &Adapter{defaultModel: "gpt-4o", maxTok: 512}
}

func TestPrepareRequest_Basic(t *testing.T) {
	a := testAdapter()
	params, err := a.prepareRequest(content.Request{
		System: "be helpful",
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", string(params.Model))
	require.Len(t, params.Messages, 2) // system + user
	require.True(t, params.MaxCompletionTokens.Valid())
}

func TestPrepareRequest_ToolsEncoded(t *testing.T) {
	a := testAdapter()
	params, err := a.prepareRequest(content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "add"}}},
		},
		Tools: []*content.ToolDefinition{{
			Name:        "add_numbers",
			Description: "Add two numbers",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfFunction)
	require.Equal(t, "add_numbers", params.Tools[0].OfFunction.Function.Name)
}

func TestEncodeMessage_AssistantToolCalls(t *testing.T) {
	msgs, err := encodeMessage(content.Message{
		Participant: "assistant",
		Content: []content.Part{
			content.TextPart{Text: "calling"},
			content.ToolUsePart{ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].OfAssistant)
	require.Len(t, msgs[0].OfAssistant.ToolCalls, 1)
}

func TestEncodeMessage_ToolResultBecomesToolMessage(t *testing.T) {
	msgs, err := encodeMessage(content.Message{
		Participant: "user",
		Content: []content.Part{
			content.ToolResultPart{ToolUseID: "call_1", Content: "30"},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].OfTool)
}

func TestEncodeMessage_ImageBecomesDataURL(t *testing.T) {
	msgs, err := encodeMessage(content.Message{
		Participant: "user",
		Content: []content.Part{
			content.TextPart{Text: "look"},
			content.ImagePart{Format: content.ImageFormatPNG, Bytes: []byte{1, 2, 3}},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].OfUser)
}

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, content.StopReasonEndTurn, mapFinishReason("stop", false))
	require.Equal(t, content.StopReasonToolUse, mapFinishReason("stop", true))
	require.Equal(t, content.StopReasonMaxTokens, mapFinishReason("length", false))
	require.Equal(t, content.StopReasonToolUse, mapFinishReason("tool_calls", false))
	require.Equal(t, content.StopReasonRefusal, mapFinishReason("content_filter", false))
}

func TestNormalizeArguments(t *testing.T) {
	require.Equal(t, json.RawMessage("{}"), normalizeArguments(""))
	require.Equal(t, json.RawMessage(`{"a":1}`), normalizeArguments(` {"a":1} `))
}

func TestCleanToolName(t *testing.T) {
	require.Equal(t, "search", cleanToolName("functions.search"))
	require.Equal(t, "search", cleanToolName("search"))
}

func TestFlattenPrompt(t *testing.T) {
	prompt := flattenPrompt(content.Request{
		System: "style: watercolor",
		Messages: []content.Message{
			{Participant: "alice", Content: []content.Part{content.TextPart{Text: "a fox"}}},
		},
	})
	require.Contains(t, prompt, "style: watercolor")
	require.Contains(t, prompt, "alice: a fox")
}
