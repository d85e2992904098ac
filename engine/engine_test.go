package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

type stubAdapter struct {
	completeFn func(ctx context.Context, req content.Request) (*content.Response, error)
	streamFn   func(ctx context.Context, req content.Request) (provider.Streamer, error)
	preferred  content.ToolMode
}

func (s *stubAdapter) Name() string { return "stub" }
func (s *stubAdapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	return s.completeFn(ctx, req)
}
func (s *stubAdapter) Stream(ctx context.Context, req content.Request) (provider.Streamer, error) {
	return s.streamFn(ctx, req)
}
func (s *stubAdapter) PreferredToolMode() content.ToolMode { return s.preferred }
func (s *stubAdapter) SupportsCaching() bool               { return false }

type chunkStreamer struct {
	chunks []content.Chunk
	i      int
}

func (c *chunkStreamer) Recv() (content.Chunk, error) {
	if c.i >= len(c.chunks) {
		return content.Chunk{}, io.EOF
	}
	ch := c.chunks[c.i]
	c.i++
	return ch, nil
}
func (c *chunkStreamer) Close() error             { return nil }
func (c *chunkStreamer) Metadata() map[string]any { return nil }

func TestComplete_SucceedsWithoutRetry(t *testing.T) {
	adapter := &stubAdapter{
		completeFn: func(ctx context.Context, req content.Request) (*content.Response, error) {
			return &content.Response{RawAssistantText: "hello", StopReason: content.StopReasonEndTurn}, nil
		},
	}
	e := New(Config{Adapter: adapter})
	resp, aborted, err := e.Complete(context.Background(), content.Request{Messages: []content.Message{
		{Participant: "user", Content: []content.Part{content.TextPart{Text: "hi"}}},
	}})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Equal(t, "hello", resp.RawAssistantText)
	require.Equal(t, 1, resp.Details.Timing.Attempts)
}

func TestComplete_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	attempts := 0
	adapter := &stubAdapter{
		completeFn: func(ctx context.Context, req content.Request) (*content.Response, error) {
			attempts++
			if attempts == 1 {
				return nil, errs.New(errs.KindRateLimit, "slow down")
			}
			return &content.Response{RawAssistantText: "ok", StopReason: content.StopReasonEndTurn}, nil
		},
	}
	e := New(Config{Adapter: adapter, RetryPolicy: RetryPolicy{BaseDelayMS: 1, MaxRetries: 3}})
	resp, _, err := e.Complete(context.Background(), content.Request{})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, "ok", resp.RawAssistantText)
}

func TestComplete_NonRetryableErrorFailsImmediately(t *testing.T) {
	adapter := &stubAdapter{
		completeFn: func(ctx context.Context, req content.Request) (*content.Response, error) {
			return nil, errs.New(errs.KindInvalidReq, "bad request")
		},
	}
	e := New(Config{Adapter: adapter})
	_, _, err := e.Complete(context.Background(), content.Request{})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidReq, errs.KindOf(err))
}

func TestStreamXML_ParsesToolCallsAndRunsExecutor(t *testing.T) {
	first := []content.Chunk{
		{Type: content.ChunkText, Text: "before"},
		{Type: content.ChunkText, Text: `<function_calls><invoke name="search"><parameter name="q">go</parameter></invoke></function_calls>`},
		{Type: content.ChunkStop, StopReason: content.StopReasonStopSequence, StopSequence: "</function_calls>"},
	}
	second := []content.Chunk{
		{Type: content.ChunkText, Text: "done"},
		{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
	}
	call := 0
	adapter := &stubAdapter{
		preferred: content.ToolModeXML,
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			call++
			if call == 1 {
				return &chunkStreamer{chunks: first}, nil
			}
			return &chunkStreamer{chunks: second}, nil
		},
	}
	var executed []content.ToolCall
	e := New(Config{
		Adapter: adapter,
		ToolExecutor: func(ctx context.Context, calls []content.ToolCall, tc ToolContext) ([]content.ToolResult, error) {
			executed = append(executed, calls...)
			var out []content.ToolResult
			for _, c := range calls {
				out = append(out, content.ToolResult{ToolUseID: c.ID, Content: "result"})
			}
			return out, nil
		},
	})
	resp, aborted, err := e.Stream(context.Background(), content.Request{
		Messages: []content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: "search please"}}}},
		Tools:    []*content.ToolDefinition{{Name: "search", Description: "search the web"}},
	})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Len(t, executed, 1)
	require.Equal(t, "search", executed[0].Name)
	require.Equal(t, content.StopReasonEndTurn, resp.StopReason)
}

func TestStreamXML_FalsePositiveStopSequenceRecovers(t *testing.T) {
	first := []content.Chunk{
		{Type: content.ChunkText, Text: "<function_results>\nChat log:\nUser: Hello"},
		{Type: content.ChunkStop, StopReason: content.StopReasonStopSequence, StopSequence: "\nUser:"},
	}
	second := []content.Chunk{
		{Type: content.ChunkText, Text: "\n---end---</function_results>final answer"},
		{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
	}
	call := 0
	adapter := &stubAdapter{
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			call++
			if call == 1 {
				return &chunkStreamer{chunks: first}, nil
			}
			return &chunkStreamer{chunks: second}, nil
		},
	}
	e := New(Config{Adapter: adapter})
	resp, aborted, err := e.Stream(context.Background(), content.Request{})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Contains(t, resp.RawAssistantText, "Chat log")
	require.Equal(t, 2, call)
}

func TestStreamXML_ChunkSumEqualsRawAssistantText(t *testing.T) {
	chunks := []content.Chunk{
		{Type: content.ChunkText, Text: "1, 2"},
		{Type: content.ChunkText, Text: ", 3, 4"},
		{Type: content.ChunkText, Text: ", 5"},
		{Type: content.ChunkUsage, UsageDelta: &content.TokenUsage{InputTokens: 12, OutputTokens: 9}},
		{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
	}
	adapter := &stubAdapter{
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			return &chunkStreamer{chunks: chunks}, nil
		},
	}
	var received []string
	var usages int
	e := New(Config{Adapter: adapter, Hooks: Hooks{
		OnChunk: func(text string, meta ChunkMeta) { received = append(received, text) },
		OnUsage: func(u content.TokenUsage) { usages++ },
	}})
	resp, aborted, err := e.Stream(context.Background(), content.Request{
		Messages: []content.Message{{Participant: "Alice", Content: []content.Part{content.TextPart{Text: "Count from 1 to 5."}}}},
		Config:   content.Config{MaxTokens: 100},
	})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.NotEmpty(t, received)
	require.Equal(t, resp.RawAssistantText, strings.Join(received, ""))
	require.Equal(t, "1, 2, 3, 4, 5", resp.RawAssistantText)
	require.Equal(t, content.StopReasonEndTurn, resp.StopReason)
	require.Positive(t, resp.Usage.OutputTokens)
	require.GreaterOrEqual(t, usages, 1)
	require.Len(t, resp.Content, 1)
	txt, ok := resp.Content[0].(content.TextPart)
	require.True(t, ok)
	require.Equal(t, "1, 2, 3, 4, 5", txt.Text)
}

func TestStreamXML_ToolResultIDMirrorsCall(t *testing.T) {
	first := []content.Chunk{
		{Type: content.ChunkText, Text: `<function_calls><invoke name="add_numbers"><parameter name="a">10</parameter><parameter name="b">20</parameter></invoke></function_calls>`},
		{Type: content.ChunkStop, StopReason: content.StopReasonStopSequence, StopSequence: "</function_calls>"},
	}
	second := []content.Chunk{
		{Type: content.ChunkText, Text: "The sum is 30."},
		{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
	}
	call := 0
	adapter := &stubAdapter{
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			call++
			if call == 1 {
				return &chunkStreamer{chunks: first}, nil
			}
			return &chunkStreamer{chunks: second}, nil
		},
	}
	var invocations int
	var callID string
	e := New(Config{
		Adapter: adapter,
		ToolExecutor: func(ctx context.Context, calls []content.ToolCall, tc ToolContext) ([]content.ToolResult, error) {
			invocations++
			require.Len(t, calls, 1)
			require.Equal(t, "add_numbers", calls[0].Name)
			var input map[string]any
			require.NoError(t, json.Unmarshal(calls[0].Input, &input))
			require.Equal(t, float64(10), input["a"])
			require.Equal(t, float64(20), input["b"])
			callID = calls[0].ID
			return []content.ToolResult{{ToolUseID: calls[0].ID, Content: `{"result":30}`}}, nil
		},
	})
	resp, aborted, err := e.Stream(context.Background(), content.Request{
		Messages: []content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: "Use add_numbers to add 10 and 20."}}}},
		Tools:    []*content.ToolDefinition{{Name: "add_numbers", Description: "Add two numbers"}},
	})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Equal(t, 1, invocations)
	require.Equal(t, content.StopReasonEndTurn, resp.StopReason)
	require.Contains(t, resp.RawAssistantText, "<function_results>")
	require.Contains(t, resp.RawAssistantText, callID)
}

func TestStreamXML_LongHistoryIsolation(t *testing.T) {
	adapter := &stubAdapter{
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			return &chunkStreamer{chunks: []content.Chunk{
				{Type: content.ChunkText, Text: "Short response"},
				{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
			}}, nil
		},
	}
	e := New(Config{Adapter: adapter})
	var history []content.Message
	for i := 0; i < 50; i++ {
		p := "Alice"
		if i%2 == 1 {
			p = "assistant"
		}
		history = append(history, content.Message{Participant: p, Content: []content.Part{
			content.TextPart{Text: "Message " + strconv.Itoa(i)},
		}})
	}
	resp, aborted, err := e.Stream(context.Background(), content.Request{Messages: history})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Equal(t, "Short response", resp.RawAssistantText)
	require.Len(t, resp.Content, 1)
	txt, ok := resp.Content[0].(content.TextPart)
	require.True(t, ok)
	require.Equal(t, "Short response", txt.Text)
	for i := 0; i < 50; i++ {
		require.NotContains(t, txt.Text, "Message "+strconv.Itoa(i))
	}
}

func TestStreamXML_ToolLoopBoundedByMaxDepth(t *testing.T) {
	adapter := &stubAdapter{
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			return &chunkStreamer{chunks: []content.Chunk{
				{Type: content.ChunkText, Text: `<function_calls><invoke name="again"></invoke></function_calls>`},
				{Type: content.ChunkStop, StopReason: content.StopReasonStopSequence, StopSequence: "</function_calls>"},
			}}, nil
		},
	}
	var invocations int
	e := New(Config{
		Adapter:      adapter,
		MaxToolDepth: 3,
		ToolExecutor: func(ctx context.Context, calls []content.ToolCall, tc ToolContext) ([]content.ToolResult, error) {
			invocations++
			out := make([]content.ToolResult, 0, len(calls))
			for _, c := range calls {
				out = append(out, content.ToolResult{ToolUseID: c.ID, Content: "go again"})
			}
			return out, nil
		},
	})
	_, aborted, err := e.Stream(context.Background(), content.Request{
		Messages: []content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: "loop"}}}},
	})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Equal(t, 3, invocations)
}

func TestStreamNative_ToolLoop(t *testing.T) {
	first := []content.Chunk{
		{Type: content.ChunkText, Text: "calling"},
		{Type: content.ChunkToolCall, ToolCall: &content.ToolCall{ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)}},
		{Type: content.ChunkStop, StopReason: content.StopReasonToolUse},
	}
	second := []content.Chunk{
		{Type: content.ChunkText, Text: "answer"},
		{Type: content.ChunkStop, StopReason: content.StopReasonEndTurn},
	}
	call := 0
	var sawToolResultMsg bool
	adapter := &stubAdapter{
		preferred: content.ToolModeNative,
		streamFn: func(ctx context.Context, req content.Request) (provider.Streamer, error) {
			call++
			if call == 1 {
				return &chunkStreamer{chunks: first}, nil
			}
			for _, m := range req.Messages {
				for _, p := range m.Content {
					if tr, ok := p.(content.ToolResultPart); ok && tr.ToolUseID == "call_1" {
						sawToolResultMsg = true
					}
				}
			}
			return &chunkStreamer{chunks: second}, nil
		},
	}
	e := New(Config{
		Adapter: adapter,
		ToolExecutor: func(ctx context.Context, calls []content.ToolCall, tc ToolContext) ([]content.ToolResult, error) {
			require.Len(t, calls, 1)
			return []content.ToolResult{{ToolUseID: calls[0].ID, Content: "found"}}, nil
		},
	})
	resp, aborted, err := e.Stream(context.Background(), content.Request{
		Messages: []content.Message{{Participant: "user", Content: []content.Part{content.TextPart{Text: "search go"}}}},
		Tools:    []*content.ToolDefinition{{Name: "search", Description: "search"}},
	})
	require.NoError(t, err)
	require.Nil(t, aborted)
	require.Equal(t, 2, call)
	require.True(t, sawToolResultMsg)
	require.Equal(t, content.StopReasonEndTurn, resp.StopReason)
}

func TestComplete_ContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := &stubAdapter{
		completeFn: func(ctx context.Context, req content.Request) (*content.Response, error) {
			return nil, errors.New("network down")
		},
	}
	e := New(Config{Adapter: adapter})
	_, aborted, err := e.Complete(ctx, content.Request{})
	require.Error(t, err)
	require.NotNil(t, aborted)
	require.Equal(t, content.AbortReasonUser, aborted.Reason)
}
