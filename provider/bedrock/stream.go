package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/provider"
)

// streamer adapts a Bedrock ConverseStream event stream to the
// provider.Streamer interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan content.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	provToCanon map[string]string
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) provider.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan content.Chunk, 32),
		provToCanon: nameMap,
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
		if err := s.stream.Close(); err != nil {
			s.setErr(err)
		}
	}()

	processor := newEventProcessor(s.emitChunk, s.recordUsage, s.provToCanon)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(classify(err, "bedrock converse_stream.recv"))
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				} else {
					s.setErr(nil)
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// eventProcessor converts Bedrock streaming events into content.Chunks.
type eventProcessor struct {
	emit        func(content.Chunk) error
	recordUsage func(content.TokenUsage)

	toolBlocks  map[int]*toolBuffer
	provToCanon map[string]string
}

func newEventProcessor(emit func(content.Chunk) error, recordUsage func(content.TokenUsage), nameMap map[string]string) *eventProcessor {
	return &eventProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		toolBlocks:  make(map[int]*toolBuffer),
		provToCanon: nameMap,
	}
}

func (p *eventProcessor) Handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start := ev.Value.Start; start != nil {
			if toolUse, ok := start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				tb := &toolBuffer{}
				if toolUse.Value.ToolUseId == nil || *toolUse.Value.ToolUseId == "" {
					return fmt.Errorf("bedrock stream: tool use block missing tool_use_id")
				}
				tb.id = *toolUse.Value.ToolUseId
				if toolUse.Value.Name == nil || *toolUse.Value.Name == "" {
					return fmt.Errorf("bedrock stream: tool use block %q missing name", tb.id)
				}
				name := normalizeToolName(*toolUse.Value.Name)
				if canonical, ok := p.provToCanon[name]; ok {
					name = canonical
				}
				tb.name = name
				p.toolBlocks[idx] = tb
			}
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(content.Chunk{Type: content.ChunkText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if v, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && v.Value != "" {
				return p.emit(content.Chunk{Type: content.ChunkThinking, ThinkingText: v.Value})
			}
			return nil
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.toolBlocks[idx]; tb != nil && delta.Value.Input != nil {
				fragment := *delta.Value.Input
				tb.fragments = append(tb.fragments, fragment)
				return p.emit(content.Chunk{
					Type:          content.ChunkToolCallDelta,
					ToolCallDelta: &content.ToolCallDelta{ID: tb.id, Name: tb.name, Delta: fragment},
				})
			}
			return nil
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(content.Chunk{
				Type:     content.ChunkToolCall,
				ToolCall: &content.ToolCall{ID: tb.id, Name: tb.name, Input: tb.finalInput()},
			})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		chunk := content.Chunk{Type: content.ChunkStop}
		if ev.Value.StopReason != "" {
			chunk.StopReason = mapStopReason(ev.Value.StopReason)
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(chunk)
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		usage := content.TokenUsage{
			InputTokens:       int(ptrValue(ev.Value.Usage.InputTokens)),
			OutputTokens:      int(ptrValue(ev.Value.Usage.OutputTokens)),
			TotalTokens:       int(ptrValue(ev.Value.Usage.TotalTokens)),
			CacheReadTokens:   int(ptrValue(ev.Value.Usage.CacheReadInputTokens)),
			CacheCreateTokens: int(ptrValue(ev.Value.Usage.CacheWriteInputTokens)),
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		return p.emit(content.Chunk{Type: content.ChunkUsage, UsageDelta: &usage})
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(joined)
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return int(*idx), nil
}

// normalizeToolName strips provider prefixes some Bedrock model families
// attach to echoed tool names.
func normalizeToolName(name string) string {
	if strings.HasPrefix(name, "$FUNCTIONS.") {
		return strings.TrimPrefix(name, "$FUNCTIONS.")
	}
	return name
}
