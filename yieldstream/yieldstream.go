// Package yieldstream exposes the streaming tool loop as an async event
// sequence: instead of supplying a tool-executor callback, the
// consumer drains an event channel, and when a tool_calls event arrives the
// stream parks until the consumer calls ProvideToolResults. A single
// cancellation surface aborts a parked stream and emits a terminal aborted
// event.
package yieldstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/engine"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/tagparser"
)

// EventKind enumerates the events delivered to the consumer.
type EventKind string

const (
	EventChunk     EventKind = "chunk"
	EventBlock     EventKind = "block"
	EventToolCalls EventKind = "tool_calls"
	EventUsage     EventKind = "usage"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
	EventAborted   EventKind = "aborted"
)

// State tracks the stream lifecycle: idle -> streaming <-> waiting_for_tools
// -> done|error.
type State string

const (
	StateIdle            State = "idle"
	StateStreaming       State = "streaming"
	StateWaitingForTools State = "waiting_for_tools"
	StateDone            State = "done"
	StateError           State = "error"
)

// Event is a single item in the stream's event sequence. Exactly the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Chunk fields.
	Text string
	Meta engine.ChunkMeta

	// Block boundary.
	Block tagparser.Event

	// Tool handshake.
	ToolCalls []content.ToolCall
	Depth     int

	// Cumulative usage.
	Usage content.TokenUsage

	// Terminal payloads.
	Response *content.Response
	Aborted  *content.AbortedResponse
	Err      error
}

// Stream is a single yielding-stream session. It is driven by one consumer
// goroutine draining Events; ProvideToolResults and Cancel may be called from
// any goroutine.
type Stream struct {
	events chan Event
	resume chan []content.ToolResult
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	pending []content.ToolCall

	done     chan struct{}
	terminal sync.Once
}

// Start launches the inference loop described by cfg and req and returns the
// Stream whose Events channel delivers the run. cfg.ToolExecutor is replaced
// by the yielding handshake; any hooks in cfg are still invoked before their
// corresponding events are emitted.
func Start(ctx context.Context, cfg engine.Config, req content.Request) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event, 32),
		resume: make(chan []content.ToolResult),
		cancel: cancel,
		state:  StateIdle,
		done:   make(chan struct{}),
	}

	user := cfg.Hooks
	cfg.Hooks = engine.Hooks{
		BeforeRequest: user.BeforeRequest,
		AfterResponse: user.AfterResponse,
		OnError:       user.OnError,
		OnChunk: func(text string, meta engine.ChunkMeta) {
			if user.OnChunk != nil {
				user.OnChunk(text, meta)
			}
			s.emit(Event{Kind: EventChunk, Text: text, Meta: meta})
		},
		OnBlock: func(ev tagparser.Event) {
			if user.OnBlock != nil {
				user.OnBlock(ev)
			}
			s.emit(Event{Kind: EventBlock, Block: ev})
		},
		OnUsage: func(usage content.TokenUsage) {
			if user.OnUsage != nil {
				user.OnUsage(usage)
			}
			s.emit(Event{Kind: EventUsage, Usage: usage})
		},
		OnPreToolContent: user.OnPreToolContent,
	}
	cfg.ToolExecutor = s.executeTools

	eng := engine.New(cfg)
	go s.run(ctx, eng, req)
	return s
}

// Events returns the stream's event sequence. The channel is closed after the
// terminal event (complete, error, or aborted) is delivered.
func (s *Stream) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingToolCallIDs returns the ids the stream is parked on, or nil when the
// stream is not waiting for tools.
func (s *Stream) PendingToolCallIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaitingForTools {
		return nil
	}
	ids := make([]string, 0, len(s.pending))
	for _, c := range s.pending {
		ids = append(ids, c.ID)
	}
	return ids
}

// ProvideToolResults resumes a parked stream with one result per pending call
// id. Results for unknown ids are accepted and passed through; a missing id
// fails immediately without resuming. Calling outside the waiting state fails.
func (s *Stream) ProvideToolResults(results []content.ToolResult) error {
	s.mu.Lock()
	if s.state != StateWaitingForTools {
		state := s.state
		s.mu.Unlock()
		return errs.New(errs.KindInvalidReq, fmt.Sprintf("cannot provide tool results in state %q", state))
	}
	provided := make(map[string]bool, len(results))
	for _, r := range results {
		provided[r.ToolUseID] = true
	}
	for _, c := range s.pending {
		if !provided[c.ID] {
			s.mu.Unlock()
			return errs.New(errs.KindInvalidReq, fmt.Sprintf("missing tool result for call id %q", c.ID))
		}
	}
	s.mu.Unlock()

	select {
	case s.resume <- results:
		return nil
	case <-s.done:
		return errs.New(errs.KindAbort, "stream terminated before results were consumed")
	}
}

// Cancel aborts the stream: in-flight provider work is cancelled, a parked
// handshake is released, and a terminal aborted event is emitted. Idempotent
// and race-free against natural completion; whichever terminal fires first
// wins.
func (s *Stream) Cancel() { s.cancel() }

func (s *Stream) run(ctx context.Context, eng *engine.Engine, req content.Request) {
	s.setState(StateStreaming)
	resp, aborted, err := eng.Stream(ctx, req)
	switch {
	case aborted != nil:
		s.finish(Event{Kind: EventAborted, Aborted: aborted, Err: err}, StateDone)
	case err != nil:
		if ctx.Err() != nil {
			s.finish(Event{Kind: EventAborted, Aborted: &content.AbortedResponse{Aborted: true, Reason: content.AbortReasonUser}, Err: err}, StateDone)
			return
		}
		s.finish(Event{Kind: EventError, Err: err}, StateError)
	default:
		s.finish(Event{Kind: EventComplete, Response: resp}, StateDone)
	}
}

// executeTools is the engine's ToolExecutor: it parks the loop, surfaces the
// calls to the consumer, and waits for ProvideToolResults or cancellation.
func (s *Stream) executeTools(ctx context.Context, calls []content.ToolCall, tc engine.ToolContext) ([]content.ToolResult, error) {
	s.mu.Lock()
	s.state = StateWaitingForTools
	s.pending = calls
	s.mu.Unlock()

	s.emit(Event{Kind: EventToolCalls, ToolCalls: calls, Depth: tc.Depth})

	select {
	case results := <-s.resume:
		s.mu.Lock()
		s.state = StateStreaming
		s.pending = nil
		s.mu.Unlock()
		return results, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindAbort, ctx.Err(), "stream cancelled while waiting for tool results")
	}
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) finish(ev Event, st State) {
	s.terminal.Do(func() {
		s.setState(st)
		s.events <- ev
		close(s.done)
		close(s.events)
	})
}
