// Package engine implements the inference engine — Complete and Stream with
// inline tool execution: the orchestration layer
// that drives a Formatter and a provider.Adapter through a single call or a
// multi-round tool-execution loop, with retry/backoff and hook injection.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/formatter"
	"github.com/antra-tess/membrane/provider"
	"github.com/antra-tess/membrane/tagparser"
)

// RetryPolicy controls Complete's retry/backoff behavior.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelayMS int64
	Multiplier  float64
	MaxDelayMS  int64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelayMS <= 0 {
		p.BaseDelayMS = 500
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.MaxDelayMS <= 0 {
		p.MaxDelayMS = 30000
	}
	return p
}

// ToolContext is the context object passed to the ToolExecutor:
// raw accumulated text, the preamble text preceding the call block,
// current tool_depth, and the results from any prior round this response.
type ToolContext struct {
	Depth       int
	Preamble    string
	Accumulated string
	Previous    []content.ToolResult
}

// ToolExecutor is the on_tool_calls hook: given the calls the model
// requested, return one ToolResult per call.
type ToolExecutor func(ctx context.Context, calls []content.ToolCall, tc ToolContext) ([]content.ToolResult, error)

// ChunkMeta accompanies OnChunk, carrying the tag parser's
// classification of the text just delivered.
type ChunkMeta struct {
	Type       tagparser.BlockType
	Visible    bool
	BlockIndex int
}

// Hooks are the optional callbacks invoked around Complete and Stream.
type Hooks struct {
	BeforeRequest    func(req *content.Request) error
	AfterResponse    func(resp *content.Response)
	OnError          func(err error) (abort bool)
	OnChunk          func(text string, meta ChunkMeta)
	OnBlock          func(ev tagparser.Event)
	OnUsage          func(usage content.TokenUsage)
	OnPreToolContent func(text string)
}

// Config configures an Engine instance. An Engine is safe for concurrent use
// across many calls: it holds no per-call mutable state itself.
type Config struct {
	Adapter      provider.Adapter
	Formatter    formatter.Options
	RetryPolicy  RetryPolicy
	MaxToolDepth int
	ToolExecutor ToolExecutor
	Hooks        Hooks
}

func (c Config) withDefaults() Config {
	c.RetryPolicy = c.RetryPolicy.withDefaults()
	if c.MaxToolDepth <= 0 {
		c.MaxToolDepth = 10
	}
	return c
}

// Engine drives a Formatter and a provider.Adapter through Complete and
// Stream.
type Engine struct {
	cfg Config
}

// New constructs an Engine from cfg, applying defaults.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{cfg: cfg}
}

func (e *Engine) resolveToolMode(req content.Request) content.ToolMode {
	if req.ToolMode != "" && req.ToolMode != content.ToolModeAuto {
		return req.ToolMode
	}
	if e.cfg.Adapter != nil {
		if pref := e.cfg.Adapter.PreferredToolMode(); pref != "" {
			return pref
		}
	}
	return content.ToolModeXML
}

func (e *Engine) pickFormatter(mode content.ToolMode) formatter.PrefillFormatter {
	if mode == content.ToolModeNative {
		return formatter.NewNativeFormatter()
	}
	return formatter.NewXMLFormatter()
}

// prepare runs the Formatter and folds its output back into a content.Request
// ready to hand to the adapter: provider-shaped messages and system blocks,
// the formatter's auto-generated stop sequences, and (in native mode) the
// tool list the adapter should encode natively.
func (e *Engine) prepare(req content.Request, mode content.ToolMode, f formatter.PrefillFormatter) (content.Request, *formatter.ProviderRequest, error) {
	pr, err := f.BuildMessages(req, e.cfg.Formatter)
	if err != nil {
		return content.Request{}, nil, err
	}
	prepared := req
	prepared.ToolMode = mode
	prepared.Messages = pr.ProviderMessages
	prepared.System = ""
	prepared.SystemParts = pr.SystemBlocks
	prepared.StopSequences = pr.StopSequences
	if mode == content.ToolModeNative {
		prepared.Tools = pr.NativeTools
	} else {
		prepared.Tools = nil
	}
	return prepared, pr, nil
}

func backoffDelay(policy RetryPolicy, attempt int, err error) int64 {
	if ms, ok := errs.RetryAfterMS(err); ok {
		return int64(ms)
	}
	d := float64(policy.BaseDelayMS) * math.Pow(policy.Multiplier, float64(attempt-1))
	if d > float64(policy.MaxDelayMS) {
		d = float64(policy.MaxDelayMS)
	}
	return int64(d)
}

func cacheHitRatio(u content.TokenUsage) float64 {
	denom := u.InputTokens + u.CacheReadTokens + u.CacheCreateTokens
	if denom == 0 {
		return 0
	}
	return float64(u.CacheReadTokens) / float64(denom)
}

// Complete issues a single non-streaming call with retry/backoff and maps
// the provider response into a normalized Response.
func (e *Engine) Complete(ctx context.Context, req content.Request) (*content.Response, *content.AbortedResponse, error) {
	mode := e.resolveToolMode(req)
	f := e.pickFormatter(mode)

	prepared, _, err := e.prepare(req, mode, f)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.Hooks.BeforeRequest != nil {
		if err := e.cfg.Hooks.BeforeRequest(&prepared); err != nil {
			return nil, nil, err
		}
	}

	policy := e.cfg.RetryPolicy
	start := time.Now()
	var delays []int64

	for attempt := 1; ; attempt++ {
		raw, err := e.cfg.Adapter.Complete(ctx, prepared)
		if err == nil {
			resp := e.finalize(raw, mode, f)
			resp.Details.Timing = content.Timing{
				TotalMS:     time.Since(start).Milliseconds(),
				Attempts:    attempt,
				RetryDelays: delays,
			}
			resp.Details.Cache.HitRatio = cacheHitRatio(resp.Usage)
			if e.cfg.Hooks.AfterResponse != nil {
				e.cfg.Hooks.AfterResponse(resp)
			}
			return resp, nil, nil
		}

		if ctx.Err() != nil {
			return nil, &content.AbortedResponse{Aborted: true, Reason: abortReason(ctx)}, ctx.Err()
		}

		abort := false
		if e.cfg.Hooks.OnError != nil {
			abort = e.cfg.Hooks.OnError(err)
		}
		if abort || !errs.IsRetryable(err) || attempt >= policy.MaxRetries {
			if errs.KindOf(err) == errs.KindAbort {
				return nil, &content.AbortedResponse{Aborted: true, Reason: content.AbortReasonError}, err
			}
			return nil, nil, err
		}

		delay := backoffDelay(policy, attempt, err)
		delays = append(delays, delay)
		select {
		case <-ctx.Done():
			return nil, &content.AbortedResponse{Aborted: true, Reason: abortReason(ctx)}, ctx.Err()
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}
}

// abortReason distinguishes deadline expiry from external cancellation.
func abortReason(ctx context.Context) content.AbortReason {
	if ctx.Err() == context.DeadlineExceeded {
		return content.AbortReasonTimeout
	}
	return content.AbortReasonUser
}

// finalize maps an adapter's raw response into the terminal NormalizedResponse
// shape. In xml tool mode the adapter's content is still raw streamed text
// (the model emits literal tags), so content blocks are recovered via the
// Formatter's ParseContentBlocks; in native mode the adapter already returns
// structured content blocks and tool calls.
func (e *Engine) finalize(raw *content.Response, mode content.ToolMode, f formatter.PrefillFormatter) *content.Response {
	if mode == content.ToolModeNative {
		return raw
	}
	text := raw.RawAssistantText
	if text == "" {
		for _, p := range raw.Content {
			if tp, ok := p.(content.TextPart); ok {
				text += tp.Text
			}
		}
	}
	out := *raw
	out.Content = f.ParseContentBlocks(text)
	out.RawAssistantText = text
	out.ToolCalls = nil
	for _, p := range out.Content {
		if tu, ok := p.(content.ToolUsePart); ok {
			out.ToolCalls = append(out.ToolCalls, content.ToolCall{ID: tu.ID, Name: tu.Name, Input: tu.Input})
		}
	}
	if len(out.ToolCalls) > 0 && out.StopReason == "" {
		out.StopReason = content.StopReasonToolUse
	}
	return &out
}
