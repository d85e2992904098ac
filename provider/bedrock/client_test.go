package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
)

func TestEncodeMessages_RolesAndText(t *testing.T) {
	req := content.Request{
		System: "be helpful",
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
			{Participant: "assistant", Content: []content.Part{content.TextPart{Text: "hello"}}},
		},
	}
	msgs, system, err := encodeMessages(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, brtypes.ConversationRoleUser, msgs[0].Role)
	require.Equal(t, brtypes.ConversationRoleAssistant, msgs[1].Role)
	require.Len(t, system, 1)
}

func TestEncodeMessages_CacheBreakpointBecomesCachePoint(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "cached", CacheBreakpoint: true}}},
		},
	}
	msgs, _, err := encodeMessages(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, msgs[0].Content, 2)
	_, ok := msgs[0].Content[1].(*brtypes.ContentBlockMemberCachePoint)
	require.True(t, ok)
}

func TestEncodeMessages_SystemCachePointAppended(t *testing.T) {
	req := content.Request{
		SystemParts: []content.Part{content.TextPart{Text: "sys"}},
		Messages: []content.Message{
			{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
		},
	}
	_, system, err := encodeMessages(context.Background(), req, nil, true)
	require.NoError(t, err)
	require.Len(t, system, 2)
	_, ok := system[1].(*brtypes.SystemContentBlockMemberCachePoint)
	require.True(t, ok)
}

func TestEncodeMessages_ToolUseRequiresKnownName(t *testing.T) {
	req := content.Request{
		Messages: []content.Message{
			{Participant: "assistant", Content: []content.Part{
				content.ToolUsePart{ID: "t1", Name: "ghost", Input: json.RawMessage(`{}`)},
			}},
		},
	}
	_, _, err := encodeMessages(context.Background(), req, map[string]string{}, false)
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidReq, errs.KindOf(err))
}

func TestEncodeTools_BuildsConfigurationWithReverseMap(t *testing.T) {
	defs := []*content.ToolDefinition{
		{Name: "my.tool", Description: "does things", InputSchema: map[string]any{"type": "object"}},
	}
	cfg, canonToProv, provToCanon, err := encodeTools(context.Background(), defs, nil, false)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Tools, 1)
	require.Equal(t, "my_tool", canonToProv["my.tool"])
	require.Equal(t, "my.tool", provToCanon["my_tool"])
}

func TestEncodeTools_CachePointAfterTools(t *testing.T) {
	defs := []*content.ToolDefinition{{Name: "t", Description: "d"}}
	cfg, _, _, err := encodeTools(context.Background(), defs, nil, true)
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 2)
	_, ok := cfg.Tools[1].(*brtypes.ToolMemberCachePoint)
	require.True(t, ok)
}

func TestMapStopReason(t *testing.T) {
	require.Equal(t, content.StopReasonEndTurn, mapStopReason(brtypes.StopReasonEndTurn))
	require.Equal(t, content.StopReasonMaxTokens, mapStopReason(brtypes.StopReasonMaxTokens))
	require.Equal(t, content.StopReasonStopSequence, mapStopReason(brtypes.StopReasonStopSequence))
	require.Equal(t, content.StopReasonToolUse, mapStopReason(brtypes.StopReasonToolUse))
	require.Equal(t, content.StopReasonRefusal, mapStopReason(brtypes.StopReasonGuardrailIntervened))
}

func TestIsNovaModel(t *testing.T) {
	require.True(t, isNovaModel("amazon.nova-pro-v1:0"))
	require.False(t, isNovaModel("anthropic.claude-3-5-sonnet-20241022-v2:0"))
}
