package openai

import (
	"encoding/json"
	"io"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/antra-tess/membrane/content"
)

// chatStreamer adapts a Chat Completions SSE stream to provider.Streamer. It
// pulls chunks synchronously: tool-call deltas accumulate per index and the
// finalized calls, usage, and stop chunk are emitted once the SSE stream is
// exhausted.
type chatStreamer struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	pending []content.Chunk

	toolCalls map[int64]*toolAccum
	toolOrder []int64

	finish   string
	usage    *content.TokenUsage
	model    string
	finished bool
	done     bool
}

type toolAccum struct {
	id        string
	name      string
	fragments []string
}

func (s *chatStreamer) Recv() (content.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return content.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return content.Chunk{}, classify(err, "openai chat completion stream")
			}
			s.finalize()
			s.done = true
			continue
		}
		s.handle(s.stream.Current())
	}
}

func (s *chatStreamer) Close() error { return s.stream.Close() }

func (s *chatStreamer) Metadata() map[string]any {
	if s.model == "" {
		return nil
	}
	return map[string]any{"model": s.model}
}

func (s *chatStreamer) handle(chunk openai.ChatCompletionChunk) {
	if chunk.Model != "" {
		s.model = chunk.Model
	}
	// Usage may arrive on any chunk, including the final one with no choices.
	if chunk.Usage.JSON.PromptTokens.Valid() {
		usage := content.TokenUsage{
			InputTokens:     int(chunk.Usage.PromptTokens),
			OutputTokens:    int(chunk.Usage.CompletionTokens),
			TotalTokens:     int(chunk.Usage.TotalTokens),
			CacheReadTokens: int(chunk.Usage.PromptTokensDetails.CachedTokens),
		}
		if f, ok := chunk.Usage.JSON.ExtraFields["cache_creation_input_tokens"]; ok {
			var created int
			if json.Unmarshal([]byte(f.Raw()), &created) == nil {
				usage.CacheCreateTokens = created
			}
		}
		s.usage = &usage
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		s.finish = choice.FinishReason
	}
	if choice.Delta.Content != "" {
		s.pending = append(s.pending, content.Chunk{Type: content.ChunkText, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := s.toolCalls[tc.Index]
		if !ok {
			acc = &toolAccum{id: tc.ID, name: cleanToolName(tc.Function.Name)}
			s.toolCalls[tc.Index] = acc
			s.toolOrder = append(s.toolOrder, tc.Index)
		}
		if acc.id == "" && tc.ID != "" {
			acc.id = tc.ID
		}
		if acc.name == "" && tc.Function.Name != "" {
			acc.name = cleanToolName(tc.Function.Name)
		}
		if tc.Function.Arguments != "" {
			acc.fragments = append(acc.fragments, tc.Function.Arguments)
			s.pending = append(s.pending, content.Chunk{
				Type:          content.ChunkToolCallDelta,
				ToolCallDelta: &content.ToolCallDelta{ID: acc.id, Name: acc.name, Delta: tc.Function.Arguments},
			})
		}
	}
}

// finalize emits the terminal chunks once the SSE stream is exhausted: one
// ChunkToolCall per accumulated call, a usage chunk when usage was reported,
// and the stop chunk.
func (s *chatStreamer) finalize() {
	if s.finished {
		return
	}
	s.finished = true
	for _, idx := range s.toolOrder {
		acc := s.toolCalls[idx]
		args := strings.Join(acc.fragments, "")
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		s.pending = append(s.pending, content.Chunk{
			Type:     content.ChunkToolCall,
			ToolCall: &content.ToolCall{ID: acc.id, Name: acc.name, Input: json.RawMessage(args)},
		})
	}
	if s.usage != nil {
		s.pending = append(s.pending, content.Chunk{Type: content.ChunkUsage, UsageDelta: s.usage})
	}
	s.pending = append(s.pending, content.Chunk{
		Type:       content.ChunkStop,
		StopReason: mapFinishReason(s.finish, len(s.toolOrder) > 0),
	})
}

// cleanToolName strips rarely-occurring bad prefixes some backends attach to
// streamed tool names.
func cleanToolName(name string) string {
	for _, prefix := range []string{"tools.", "tool.", "functions.", "function."} {
		name = strings.TrimPrefix(name, prefix)
	}
	return name
}
