// Package anthropic provides a provider.Adapter backed by the Anthropic
// Messages API. It encodes normalized requests into anthropic.Message calls
// using github.com/anthropics/anthropic-sdk-go and maps responses (text,
// tools, thinking, usage, cache accounting) back into the content model.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is the model identifier used when Request.Config.Model
		// is empty. Use the typed constants from anthropic-sdk-go or the ids
		// from Anthropic's model catalogue.
		DefaultModel string

		// HighModel is used when Request.Config.ModelClass is high-reasoning
		// and Model is empty.
		HighModel string

		// SmallModel is used when Request.Config.ModelClass is small and
		// Model is empty.
		SmallModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify one. When zero or negative, callers must set
		// Request.Config.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64

		// ThinkingBudget is the default thinking token budget when thinking
		// is enabled without an explicit budget.
		ThinkingBudget int64

		// CacheTTL is the cache-control ttl attached to cache breakpoints,
		// "5m" or "1h". Empty uses the provider default.
		CacheTTL string
	}

	// Adapter implements provider.Adapter on top of Anthropic Messages.
	Adapter struct {
		msg          MessagesClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
		think        int64
		cacheTTL     string
	}
)

// New builds an Anthropic-backed adapter from the provided Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Adapter, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Adapter{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
		cacheTTL:     opts.CacheTTL,
	}, nil
}

// NewFromEnv constructs an adapter using the default Anthropic HTTP client
// and the ANTHROPIC_API_KEY environment variable.
func NewFromEnv(defaultModel string) (*Adapter, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errs.New(errs.KindAuth, "ANTHROPIC_API_KEY is not set")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Name identifies the adapter for logging and error records.
func (a *Adapter) Name() string { return "anthropic" }

// PreferredToolMode reports xml: Claude models follow the XML tool protocol
// reliably and xml mode preserves multi-participant prefill semantics.
func (a *Adapter) PreferredToolMode() content.ToolMode { return content.ToolModeXML }

// SupportsCaching reports that the Messages API honors cache-control
// breakpoints.
func (a *Adapter) SupportsCaching() bool { return true }

// Complete issues a non-streaming Messages.New request.
func (a *Adapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(ctx, err, params)
	}
	return translateResponse(msg, params), nil
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// content.Chunks.
func (a *Adapter) Stream(ctx context.Context, req content.Request) (provider.Streamer, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := a.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(ctx, err, params)
	}
	return newStreamer(ctx, stream), nil
}

func (a *Adapter) prepareRequest(req content.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.KindInvalidReq, "anthropic: messages are required")
	}
	modelID := a.resolveModelID(req.Config)
	if modelID == "" {
		return nil, errs.New(errs.KindInvalidReq, "anthropic: model identifier is required")
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTok
	}
	if maxTokens <= 0 {
		return nil, errs.New(errs.KindInvalidReq, "anthropic: max_tokens must be positive")
	}

	msgs, err := a.encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if system := a.encodeSystem(req); len(system) > 0 {
		params.System = system
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if t := a.effectiveTemperature(req.Config.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if req.Config.TopP > 0 {
		params.TopP = sdk.Float(float64(req.Config.TopP))
	}
	if req.Config.TopK > 0 {
		params.TopK = sdk.Int(int64(req.Config.TopK))
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = a.think
		}
		if budget <= 0 {
			return nil, errs.New(errs.KindInvalidReq, "anthropic: thinking budget is required when thinking is enabled")
		}
		if budget >= int64(maxTokens) {
			return nil, errs.New(errs.KindInvalidReq,
				fmt.Sprintf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens))
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

func (a *Adapter) resolveModelID(cfg content.Config) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	switch cfg.ModelClass {
	case content.ModelClassHighReasoning:
		if a.highModel != "" {
			return a.highModel
		}
	case content.ModelClassSmall:
		if a.smallModel != "" {
			return a.smallModel
		}
	}
	return a.defaultModel
}

func (a *Adapter) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return a.temp
}

func (a *Adapter) cacheControl() sdk.CacheControlEphemeralParam {
	cc := sdk.NewCacheControlEphemeralParam()
	if a.cacheTTL != "" {
		cc.TTL = sdk.CacheControlEphemeralTTL(a.cacheTTL)
	}
	return cc
}

func (a *Adapter) encodeSystem(req content.Request) []sdk.TextBlockParam {
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	for _, p := range req.SystemParts {
		tp, ok := p.(content.TextPart)
		if !ok || tp.Text == "" {
			continue
		}
		block := sdk.TextBlockParam{Text: tp.Text}
		if tp.CacheBreakpoint {
			block.CacheControl = a.cacheControl()
		}
		system = append(system, block)
	}
	return system
}

func (a *Adapter) encodeMessages(msgs []content.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, part := range m.Content {
			switch v := part.(type) {
			case content.TextPart:
				if v.Text == "" {
					continue
				}
				block := sdk.NewTextBlock(v.Text)
				if v.CacheBreakpoint && block.OfText != nil {
					block.OfText.CacheControl = a.cacheControl()
				}
				blocks = append(blocks, block)
			case content.ImagePart:
				encoded, mediaType, err := imagePayload(v)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, encoded))
			case content.ToolUsePart:
				if v.Name == "" {
					return nil, errs.New(errs.KindInvalidReq, "anthropic: tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case content.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, toolResultText(v), v.IsError))
			case content.ThinkingPart:
				if v.Signature != "" && v.Text != "" {
					blocks = append(blocks, sdk.NewThinkingBlock(v.Signature, v.Text))
				}
			case content.RedactedThinkingPart:
				if len(v.Redacted) > 0 {
					blocks = append(blocks, sdk.NewRedactedThinkingBlock(string(v.Redacted)))
				}
			default:
				return nil, errs.New(errs.KindUnsupported,
					fmt.Sprintf("anthropic: unsupported content part %T", part))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.CacheBreakpoint {
			if last := len(blocks) - 1; last >= 0 && blocks[last].OfText != nil {
				blocks[last].OfText.CacheControl = a.cacheControl()
			}
		}
		if m.Participant == string(content.RoleAssistant) {
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return nil, errs.New(errs.KindInvalidReq, "anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func imagePayload(v content.ImagePart) (encoded, mediaType string, err error) {
	if len(v.Bytes) == 0 {
		return "", "", errs.New(errs.KindUnsupported, "anthropic: image part requires embedded bytes")
	}
	format := v.Format
	if format == "" {
		format = content.ImageFormatPNG
	}
	return base64.StdEncoding.EncodeToString(v.Bytes), "image/" + string(format), nil
}

func toolResultText(v content.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []content.Part:
		var b strings.Builder
		for _, p := range c {
			if tp, ok := p.(content.TextPart); ok {
				b.WriteString(tp.Text)
			}
		}
		return b.String()
	default:
		return fmt.Sprintf("%v", c)
	}
}

func encodeTools(defs []*content.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, errs.New(errs.KindInvalidReq, fmt.Sprintf("anthropic: tool %q is missing description", def.Name))
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidReq, err, fmt.Sprintf("anthropic: tool %q schema", def.Name))
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message, params *sdk.MessageNewParams) *content.Response {
	resp := &content.Response{}
	var raw strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			raw.WriteString(block.Text)
			resp.Content = append(resp.Content, content.TextPart{Text: block.Text})
		case "thinking":
			resp.Content = append(resp.Content, content.ThinkingPart{Text: block.Thinking, Signature: block.Signature})
		case "tool_use":
			resp.Content = append(resp.Content, content.ToolUsePart{ID: block.ID, Name: block.Name, Input: block.Input})
			resp.ToolCalls = append(resp.ToolCalls, content.ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	resp.RawAssistantText = raw.String()
	resp.Usage = translateUsage(msg.Usage)
	resp.StopReason = mapStopReason(string(msg.StopReason))
	resp.Details.StopSequence = msg.StopSequence
	resp.Details.DetailedUsage = resp.Usage
	resp.Details.Model = content.ModelInfo{Requested: string(params.Model), Actual: string(msg.Model), Provider: "anthropic"}
	resp.Raw = content.RawRecord{Request: params, Response: msg}
	return resp
}

func translateUsage(u sdk.Usage) content.TokenUsage {
	return content.TokenUsage{
		InputTokens:       int(u.InputTokens),
		OutputTokens:      int(u.OutputTokens),
		TotalTokens:       int(u.InputTokens + u.OutputTokens),
		CacheReadTokens:   int(u.CacheReadInputTokens),
		CacheCreateTokens: int(u.CacheCreationInputTokens),
	}
}

func mapStopReason(raw string) content.StopReason {
	switch raw {
	case "end_turn":
		return content.StopReasonEndTurn
	case "max_tokens":
		return content.StopReasonMaxTokens
	case "stop_sequence":
		return content.StopReasonStopSequence
	case "tool_use":
		return content.StopReasonToolUse
	case "refusal":
		return content.StopReasonRefusal
	default:
		return content.StopReasonEndTurn
	}
}

// classify maps an SDK error into the error taxonomy, preserving HTTP status
// and retry-after information when present.
func classify(_ context.Context, err error, params *sdk.MessageNewParams) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindAbort, err, "anthropic: request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, err, "anthropic: request timed out")
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		kind := errs.ClassifyHTTPStatus(apierr.StatusCode)
		msg := err.Error()
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "context length"):
			kind = errs.KindContextLength
		case strings.Contains(lower, "content filtering") || strings.Contains(lower, "safety"):
			kind = errs.KindSafety
		}
		e := errs.Wrap(kind, err, msg)
		e.HTTPStatus = apierr.StatusCode
		e.RawRequest = params
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("retry-after"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					e.RetryAfterMS = secs * 1000
				}
			}
		}
		return e
	}
	return errs.Wrap(errs.KindNetwork, err, "anthropic: request failed")
}
