package anthropic

import (
	"context"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/provider"
)

// streamer adapts an Anthropic Messages SSE stream to the provider.Streamer
// interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan content.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) provider.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan content.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (content.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return content.Chunk{}, err
		}
		return content.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return content.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emitChunk, s.recordUsage)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(classify(s.ctx, err, nil))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emitChunk(chunk content.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) recordUsage(usage content.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Anthropic streaming events into content.Chunks.
type chunkProcessor struct {
	emit        func(content.Chunk) error
	recordUsage func(content.TokenUsage)

	toolBlocks map[int]*toolBuffer

	stopReason   string
	stopSequence string
}

func newChunkProcessor(emit func(content.Chunk) error, recordUsage func(content.TokenUsage)) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		toolBlocks:  make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		p.stopSequence = ""
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(content.Chunk{Type: content.ChunkText, Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := p.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
				return p.emit(content.Chunk{
					Type:          content.ChunkToolCallDelta,
					ToolCallDelta: &content.ToolCallDelta{ID: tb.id, Name: tb.name, Delta: delta.PartialJSON},
				})
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(content.Chunk{Type: content.ChunkThinking, ThinkingText: delta.Thinking})
		case sdk.SignatureDelta:
			// Signatures accompany the final thinking block; the Engine's
			// prefill loop does not re-encode them mid-stream, so they are
			// intentionally dropped here.
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(content.Chunk{
				Type:     content.ChunkToolCall,
				ToolCall: &content.ToolCall{ID: tb.id, Name: tb.name, Input: tb.finalInput()},
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.stopSequence = ev.Delta.StopSequence
		usage := content.TokenUsage{
			InputTokens:       int(ev.Usage.InputTokens),
			OutputTokens:      int(ev.Usage.OutputTokens),
			TotalTokens:       int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:   int(ev.Usage.CacheReadInputTokens),
			CacheCreateTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		return p.emit(content.Chunk{Type: content.ChunkUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		chunk := content.Chunk{Type: content.ChunkStop, StopSequence: p.stopSequence}
		if p.stopReason != "" {
			chunk.StopReason = mapStopReason(p.stopReason)
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(chunk)
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() []byte {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return []byte("{}")
	}
	return []byte(joined)
}
