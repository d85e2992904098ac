package engine

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/formatter"
	"github.com/antra-tess/membrane/tagparser"
	"goa.design/clue/log"
)

// Stream runs the streaming tool loop, dispatching to the xml or native variant
// depending on the resolved tool mode.
func (e *Engine) Stream(ctx context.Context, req content.Request) (*content.Response, *content.AbortedResponse, error) {
	mode := e.resolveToolMode(req)
	if mode == content.ToolModeNative {
		return e.streamNative(ctx, req)
	}
	return e.streamXML(ctx, req)
}

func addUsage(total content.TokenUsage, delta *content.TokenUsage) content.TokenUsage {
	if delta == nil {
		return total
	}
	total.InputTokens += delta.InputTokens
	total.OutputTokens += delta.OutputTokens
	total.TotalTokens += delta.TotalTokens
	total.CacheCreateTokens += delta.CacheCreateTokens
	total.CacheReadTokens += delta.CacheReadTokens
	total.ThinkingTokens += delta.ThinkingTokens
	return total
}

func (e *Engine) dispatchEvents(events []tagparser.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case tagparser.EventContent:
			if e.cfg.Hooks.OnChunk != nil {
				e.cfg.Hooks.OnChunk(ev.Text, ChunkMeta{Type: ev.Type, Visible: ev.Visible, BlockIndex: ev.Index})
			}
		case tagparser.EventBlockStart, tagparser.EventBlockComplete:
			if e.cfg.Hooks.OnBlock != nil {
				e.cfg.Hooks.OnBlock(ev)
			}
		}
	}
}

// emit pushes text through parser (advancing accumulated and firing
// OnChunk/OnBlock), keeping the invariant that the concatenation of OnChunk
// texts equals the final RawAssistantText.
func (e *Engine) emit(parser *tagparser.Parser, accumulated *strings.Builder, text string) {
	if text == "" {
		return
	}
	accumulated.WriteString(text)
	e.dispatchEvents(parser.Push(text))
}

// iterationResult carries what a single adapter.Stream round trip produced.
type iterationResult struct {
	stopReason   content.StopReason
	stopSequence string
}

// runXMLIteration drains one adapter.Stream call, forwarding text through
// parser/accumulated and folding usage into usage.
func (e *Engine) runXMLIteration(ctx context.Context, req content.Request, parser *tagparser.Parser, accumulated *strings.Builder, usage *content.TokenUsage, ttft *int64, start time.Time) (iterationResult, error) {
	streamer, err := e.cfg.Adapter.Stream(ctx, req)
	if err != nil {
		return iterationResult{}, err
	}
	defer streamer.Close()

	var res iterationResult
	thinkingOpen := false
	closeThinking := func() {
		if thinkingOpen {
			e.emit(parser, accumulated, "</thinking>")
			thinkingOpen = false
		}
	}

	for {
		chunk, err := streamer.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			closeThinking()
			return res, err
		}
		switch chunk.Type {
		case content.ChunkText:
			closeThinking()
			if *ttft < 0 {
				*ttft = time.Since(start).Milliseconds()
			}
			e.emit(parser, accumulated, chunk.Text)
		case content.ChunkThinking:
			if !thinkingOpen {
				e.emit(parser, accumulated, "<thinking>")
				thinkingOpen = true
			}
			e.emit(parser, accumulated, chunk.ThinkingText)
		case content.ChunkToolCall, content.ChunkToolCallDelta:
			// Native tool-call signals are not expected from an xml-mode
			// adapter; ignore defensively rather than fail the stream.
		case content.ChunkUsage:
			*usage = addUsage(*usage, chunk.UsageDelta)
			if e.cfg.Hooks.OnUsage != nil {
				e.cfg.Hooks.OnUsage(*usage)
			}
		case content.ChunkStop:
			closeThinking()
			res.stopReason = chunk.StopReason
			res.stopSequence = chunk.StopSequence
		}
	}
	closeThinking()
	return res, nil
}

// continuationText rebuilds the full assistant-voice text the next iteration
// should see: the formatter's original seed plus everything generated or
// injected so far, trailing whitespace trimmed (some backends reject a
// prefill ending in whitespace).
func continuationText(seed, accumulated string) string {
	return formatter.TrimTrailing(seed + accumulated)
}

func withLastAssistantText(base []content.Message, text string) []content.Message {
	out := append([]content.Message(nil), base...)
	part := content.TextPart{Text: text}
	if len(out) == 0 || out[len(out)-1].Participant != "assistant" {
		out = append(out, content.Message{Participant: "assistant", Content: []content.Part{part}})
		return out
	}
	last := out[len(out)-1]
	last.Content = []content.Part{part}
	out[len(out)-1] = last
	return out
}

func (e *Engine) streamXML(ctx context.Context, req content.Request) (*content.Response, *content.AbortedResponse, error) {
	f := formatter.NewXMLFormatter()
	prepared, pr, err := e.prepare(req, content.ToolModeXML, f)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.Hooks.BeforeRequest != nil {
		if err := e.cfg.Hooks.BeforeRequest(&prepared); err != nil {
			return nil, nil, err
		}
	}

	parser := f.CreateStreamParser()
	var accumulated strings.Builder
	var usage content.TokenUsage
	start := time.Now()
	ttft := int64(-1)

	seed := pr.AssistantPrefill
	baseMessages := prepared.Messages
	toolDepth := 0
	var lastIter iterationResult
	var toolResultHistory []content.ToolResult

	// parseFrom marks the end of already-processed content so a tool block
	// handled in an earlier round is not re-extracted on the next iteration.
	parseFrom := 0

	for {
		current := prepared
		current.Messages = withLastAssistantText(baseMessages, continuationText(seed, accumulated.String()))

		iter, err := e.runXMLIteration(ctx, current, parser, &accumulated, &usage, &ttft, start)
		if err != nil {
			partial := &content.AbortedResponse{
				Aborted:        true,
				PartialContent: f.ParseContentBlocks(accumulated.String()),
				PartialUsage:   &usage,
				Reason:         content.AbortReasonError,
			}
			if ctx.Err() != nil {
				partial.Reason = abortReason(ctx)
			}
			return nil, partial, err
		}
		lastIter = iter

		if iter.stopReason == content.StopReasonStopSequence && iter.stopSequence == "</function_calls>" {
			e.emit(parser, &accumulated, "</function_calls>")
		}

		extraction := f.ParseToolCalls(accumulated.String()[parseFrom:])
		if extraction.Found && len(extraction.Calls) > 0 {
			if toolDepth >= e.cfg.MaxToolDepth {
				break
			}
			if e.cfg.ToolExecutor == nil {
				return nil, nil, errs.New(errs.KindInvalidReq, "model requested tool calls but no ToolExecutor is configured")
			}
			if extraction.Before != "" && e.cfg.Hooks.OnPreToolContent != nil {
				e.cfg.Hooks.OnPreToolContent(extraction.Before)
			}
			calls := make([]content.ToolCall, 0, len(extraction.Calls))
			for _, c := range extraction.Calls {
				calls = append(calls, content.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
			}
			results, err := e.cfg.ToolExecutor(ctx, calls, ToolContext{
				Depth:       toolDepth,
				Preamble:    extraction.Before,
				Accumulated: accumulated.String(),
				Previous:    toolResultHistory,
			})
			if err != nil {
				return nil, nil, err
			}
			toolResultHistory = append(toolResultHistory, results...)

			resultsText, split := f.FormatToolResults(results)
			if split.Has {
				e.emit(parser, &accumulated, split.BeforeXML)
				splitLen := accumulated.Len()
				e.emit(parser, &accumulated, split.AfterXML)

				full := accumulated.String()
				turn1Text := formatter.TrimTrailing(seed + full[:splitLen])
				turn2Text := formatter.TrimTrailing(full[splitLen:])

				turns := withLastAssistantText(baseMessages, turn1Text)
				imgTurn := content.Message{Participant: "user"}
				for _, img := range split.Images {
					imgTurn.Content = append(imgTurn.Content, img)
				}
				turns = append(turns, imgTurn)
				turns = append(turns, content.Message{Participant: "assistant", Content: []content.Part{content.TextPart{Text: turn2Text}}})
				baseMessages = turns
				seed = ""
				accumulated.Reset()
				accumulated.WriteString(turn2Text)
			} else {
				e.emit(parser, &accumulated, resultsText)
			}
			parseFrom = accumulated.Len()
			toolDepth++
			continue
		}

		if iter.stopReason == content.StopReasonStopSequence && parser.IsInsideBlock() {
			if toolDepth >= e.cfg.MaxToolDepth {
				break
			}
			log.Print(ctx, log.KV{K: "component", V: "engine"}, log.KV{K: "event", V: "false_positive_stop_recovery"}, log.KV{K: "tool_depth", V: toolDepth})
			toolDepth++
			continue
		}

		break
	}

	final := parser.Flush()
	e.dispatchEvents(final)
	if n := parser.Anomalies(); n > 0 {
		log.Print(ctx, log.KV{K: "component", V: "engine"}, log.KV{K: "event", V: "parser_anomalies"}, log.KV{K: "count", V: n})
	}

	fullText := accumulated.String()
	resp := &content.Response{
		Content:          f.ParseContentBlocks(fullText),
		StopReason:       lastIter.stopReason,
		Usage:            usage,
		RawAssistantText: fullText,
	}
	resp.Details.StopSequence = lastIter.stopSequence
	resp.Details.DetailedUsage = usage
	resp.Details.Cache.HitRatio = cacheHitRatio(usage)
	resp.Details.Timing = content.Timing{TotalMS: time.Since(start).Milliseconds(), TTFTMS: ttft, Attempts: toolDepth + 1}
	for _, p := range resp.Content {
		if tu, ok := p.(content.ToolUsePart); ok {
			resp.ToolCalls = append(resp.ToolCalls, content.ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	if resp.StopReason == "" {
		resp.StopReason = content.StopReasonEndTurn
	}
	if e.cfg.Hooks.AfterResponse != nil {
		e.cfg.Hooks.AfterResponse(resp)
	}
	return resp, nil, nil
}

// streamNative runs the native-mode tool loop: a growing message
// list, native tool_use content blocks inspected directly from each
// iteration's final response rather than recovered via text parsing.
func (e *Engine) streamNative(ctx context.Context, req content.Request) (*content.Response, *content.AbortedResponse, error) {
	f := formatter.NewNativeFormatter()
	prepared, _, err := e.prepare(req, content.ToolModeNative, f)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.Hooks.BeforeRequest != nil {
		if err := e.cfg.Hooks.BeforeRequest(&prepared); err != nil {
			return nil, nil, err
		}
	}

	start := time.Now()
	ttft := int64(-1)
	var usage content.TokenUsage
	messages := append([]content.Message(nil), prepared.Messages...)
	toolDepth := 0
	var toolResultHistory []content.ToolResult
	var last *content.Response

	for {
		current := prepared
		current.Messages = messages

		streamer, err := e.cfg.Adapter.Stream(ctx, current)
		if err != nil {
			return nil, &content.AbortedResponse{Aborted: true, Reason: content.AbortReasonError}, err
		}

		var turnText strings.Builder
		var turnUsage content.TokenUsage
		var stopReason content.StopReason
		var toolCalls []content.ToolCall

		for {
			chunk, err := streamer.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				streamer.Close()
				return nil, &content.AbortedResponse{Aborted: true, Reason: content.AbortReasonError}, err
			}
			switch chunk.Type {
			case content.ChunkText:
				if ttft < 0 {
					ttft = time.Since(start).Milliseconds()
				}
				turnText.WriteString(chunk.Text)
				if e.cfg.Hooks.OnChunk != nil {
					e.cfg.Hooks.OnChunk(chunk.Text, ChunkMeta{Type: "text", Visible: true})
				}
			case content.ChunkToolCall:
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
				}
			case content.ChunkToolCallDelta:
				// Input fragments are best-effort progress signals; the
				// terminal ChunkToolCall carries the canonical payload.
			case content.ChunkUsage:
				turnUsage = addUsage(turnUsage, chunk.UsageDelta)
			case content.ChunkStop:
				stopReason = chunk.StopReason
			}
		}
		streamer.Close()
		usage = addUsage(usage, &turnUsage)
		if e.cfg.Hooks.OnUsage != nil {
			e.cfg.Hooks.OnUsage(usage)
		}

		assistantMsg := content.Message{Participant: "assistant"}
		if turnText.Len() > 0 {
			assistantMsg.Content = append(assistantMsg.Content, content.TextPart{Text: turnText.String()})
		}
		for _, tc := range toolCalls {
			assistantMsg.Content = append(assistantMsg.Content, content.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		messages = append(messages, assistantMsg)

		last = &content.Response{
			Content:    assistantMsg.Content,
			StopReason: stopReason,
			Usage:      usage,
			ToolCalls:  toolCalls,
		}

		if stopReason != content.StopReasonToolUse || len(toolCalls) == 0 {
			break
		}
		if toolDepth >= e.cfg.MaxToolDepth {
			break
		}
		if e.cfg.ToolExecutor == nil {
			return nil, nil, errs.New(errs.KindInvalidReq, "model requested tool calls but no ToolExecutor is configured")
		}
		if e.cfg.Hooks.OnPreToolContent != nil && turnText.Len() > 0 {
			e.cfg.Hooks.OnPreToolContent(turnText.String())
		}
		results, err := e.cfg.ToolExecutor(ctx, toolCalls, ToolContext{Depth: toolDepth, Previous: toolResultHistory})
		if err != nil {
			return nil, nil, err
		}
		toolResultHistory = append(toolResultHistory, results...)

		userMsg := content.Message{Participant: "user"}
		for _, r := range results {
			userMsg.Content = append(userMsg.Content, content.ToolResultPart{ToolUseID: r.ToolUseID, Content: r.Content, IsError: r.IsError})
		}
		messages = append(messages, userMsg)
		toolDepth++
	}

	last.Details.Timing = content.Timing{TotalMS: time.Since(start).Milliseconds(), TTFTMS: ttft, Attempts: toolDepth + 1}
	last.Details.DetailedUsage = last.Usage
	last.Details.Cache.HitRatio = cacheHitRatio(last.Usage)
	if e.cfg.Hooks.AfterResponse != nil {
		e.cfg.Hooks.AfterResponse(last)
	}
	return last, nil, nil
}
