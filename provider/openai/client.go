// Package openai provides provider.Adapter implementations backed by the
// OpenAI API using github.com/openai/openai-go: a Chat Completions adapter
// with native tool calling and cache-aware usage accounting, and an Images
// adapter for the generation/edit endpoints.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by client.Chat.Completions so callers can pass
	// either the real service or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the Chat Completions adapter.
	Options struct {
		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// Adapter implements provider.Adapter via the OpenAI Chat Completions API.
	Adapter struct {
		chat         ChatClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed adapter from the provided chat client and
// options.
func New(chat ChatClient, opts Options) (*Adapter, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("default model is required")
	}
	return &Adapter{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromEnv constructs an adapter from OPENAI_API_KEY, or OPENROUTER_API_KEY
// with the OpenRouter base URL when OPENAI_API_KEY is absent.
func NewFromEnv(defaultModel string) (*Adapter, error) {
	var clientOpts []option.RequestOption
	switch {
	case os.Getenv("OPENAI_API_KEY") != "":
		clientOpts = append(clientOpts, option.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
	case os.Getenv("OPENROUTER_API_KEY") != "":
		clientOpts = append(clientOpts,
			option.WithAPIKey(os.Getenv("OPENROUTER_API_KEY")),
			option.WithBaseURL("https://openrouter.ai/api/v1"))
	default:
		return nil, errs.New(errs.KindAuth, "neither OPENAI_API_KEY nor OPENROUTER_API_KEY is set")
	}
	client := openai.NewClient(clientOpts...)
	return New(&client.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Name identifies the adapter for logging and error records.
func (a *Adapter) Name() string { return "openai" }

// PreferredToolMode reports native: Chat Completions backends carry a
// first-class function-calling surface.
func (a *Adapter) PreferredToolMode() content.ToolMode { return content.ToolModeNative }

// SupportsCaching reports true: prompt_tokens_details.cached_tokens and
// Anthropic-style cache accounting from proxying gateways are both honoured.
func (a *Adapter) SupportsCaching() bool { return true }

// Complete issues a non-streaming chat completion.
func (a *Adapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := a.chat.New(ctx, *params)
	if err != nil {
		return nil, classify(err, "openai chat completion")
	}
	return translateCompletion(completion, params), nil
}

// Stream issues a streaming chat completion and returns a pull-based
// Streamer over the SSE chunk sequence.
func (a *Adapter) Stream(ctx context.Context, req content.Request) (provider.Streamer, error) {
	params, err := a.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := a.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err, "openai chat completion stream")
	}
	return &chatStreamer{stream: stream, toolCalls: make(map[int64]*toolAccum)}, nil
}

func (a *Adapter) prepareRequest(req content.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.KindInvalidReq, "openai: messages are required")
	}
	modelID := a.resolveModelID(req.Config)
	messages, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(modelID),
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	temp := float64(req.Config.Temperature)
	if temp <= 0 {
		temp = a.temp
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if req.Config.TopP > 0 {
		params.TopP = openai.Float(float64(req.Config.TopP))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		params.ToolChoice = encodeToolChoice(req.ToolChoice)
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

func encodeMessages(req content.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, p := range req.SystemParts {
		if tp, ok := p.(content.TextPart); ok && tp.Text != "" {
			out = append(out, openai.SystemMessage(tp.Text))
		}
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.KindInvalidReq, "openai: at least one message is required")
	}
	return out, nil
}

func encodeMessage(m content.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	assistant := m.Participant == string(content.RoleAssistant)

	// Tool results become dedicated tool-role messages regardless of the
	// carrying participant.
	var out []openai.ChatCompletionMessageParamUnion
	var textBuf strings.Builder
	var parts []openai.ChatCompletionContentPartUnionParam
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam

	for _, part := range m.Content {
		switch v := part.(type) {
		case content.TextPart:
			if v.Text == "" {
				continue
			}
			textBuf.WriteString(v.Text)
			parts = append(parts, openai.TextContentPart(v.Text))
		case content.ImagePart:
			url := v.URL
			if url == "" {
				if len(v.Bytes) == 0 {
					return nil, errs.New(errs.KindInvalidReq, "openai: image part requires bytes or a URL")
				}
				format := v.Format
				if format == "" {
					format = content.ImageFormatPNG
				}
				url = fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(v.Bytes))
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		case content.ToolUsePart:
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: v.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      v.Name,
						Arguments: string(v.Input),
					},
				},
			})
		case content.ToolResultPart:
			out = append(out, openai.ToolMessage(toolResultText(v), v.ToolUseID))
		case content.ThinkingPart, content.RedactedThinkingPart:
			// Chat Completions has no reasoning-content encoding; prior-turn
			// thinking is not re-sent.
		default:
			return nil, errs.New(errs.KindUnsupported, fmt.Sprintf("openai: unsupported content part %T", part))
		}
	}

	switch {
	case assistant:
		msg := openai.ChatCompletionAssistantMessageParam{}
		if textBuf.Len() > 0 {
			msg.Content.OfString = openai.String(textBuf.String())
		}
		msg.ToolCalls = toolCalls
		if textBuf.Len() > 0 || len(toolCalls) > 0 {
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		}
	case len(parts) > 0:
		out = append(out, openai.ChatCompletionMessageParamUnion{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
			},
		})
	}
	return out, nil
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
		if data, err := json.Marshal(c); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", c)
	}
}

func encodeTools(defs []*content.ToolDefinition) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := schemaAsMap(def.InputSchema)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidReq, err, fmt.Sprintf("openai: tool %q schema", def.Name))
		}
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        def.Name,
					Description: param.NewOpt(def.Description),
					Parameters:  schema,
				},
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice *content.ToolChoice) openai.ChatCompletionToolChoiceOptionUnionParam {
	if choice == nil {
		return openai.ChatCompletionToolChoiceOptionUnionParam{}
	}
	switch choice.Mode {
	case content.ToolChoiceModeNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}
	case content.ToolChoiceModeAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}
	case content.ToolChoiceModeTool:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}
	}
}

func schemaAsMap(schema any) (shared.FunctionParameters, error) {
	if schema == nil {
		return shared.FunctionParameters{"type": "object"}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return shared.FunctionParameters(m), nil
}

func translateCompletion(completion *openai.ChatCompletion, params *openai.ChatCompletionNewParams) *content.Response {
	resp := &content.Response{}
	var raw strings.Builder
	finish := ""
	for _, choice := range completion.Choices {
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Message.Content != "" {
			raw.WriteString(choice.Message.Content)
			resp.Content = append(resp.Content, content.TextPart{Text: choice.Message.Content})
		}
		for _, call := range choice.Message.ToolCalls {
			tc := content.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: normalizeArguments(call.Function.Arguments),
			}
			resp.Content = append(resp.Content, content.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	resp.RawAssistantText = raw.String()
	resp.Usage = translateUsage(completion.Usage)
	resp.StopReason = mapFinishReason(finish, len(resp.ToolCalls) > 0)
	resp.Details.DetailedUsage = resp.Usage
	resp.Details.Model = content.ModelInfo{Requested: string(params.Model), Actual: completion.Model, Provider: "openai"}
	resp.Raw = content.RawRecord{Request: params, Response: completion}
	return resp
}

func translateUsage(u openai.CompletionUsage) content.TokenUsage {
	usage := content.TokenUsage{
		InputTokens:     int(u.PromptTokens),
		OutputTokens:    int(u.CompletionTokens),
		TotalTokens:     int(u.TotalTokens),
		CacheReadTokens: int(u.PromptTokensDetails.CachedTokens),
	}
	// Gateways proxying Anthropic models surface cache_creation_input_tokens
	// as a top-level extra field in the usage object.
	if f, ok := u.JSON.ExtraFields["cache_creation_input_tokens"]; ok {
		var created int
		if json.Unmarshal([]byte(f.Raw()), &created) == nil {
			usage.CacheCreateTokens = created
		}
	}
	return usage
}

func normalizeArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func mapFinishReason(finish string, hasToolCalls bool) content.StopReason {
	switch finish {
	case "length":
		return content.StopReasonMaxTokens
	case "tool_calls", "function_call":
		return content.StopReasonToolUse
	case "content_filter":
		return content.StopReasonRefusal
	case "stop", "":
		if hasToolCalls {
			return content.StopReasonToolUse
		}
		return content.StopReasonEndTurn
	default:
		return content.StopReasonEndTurn
	}
}

// classify maps an openai-go error into the error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindAbort, err, op+": cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, err, op+": timed out")
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind := errs.ClassifyHTTPStatus(apierr.StatusCode)
		lower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lower, "context_length_exceeded") || strings.Contains(lower, "maximum context length"):
			kind = errs.KindContextLength
		case strings.Contains(lower, "content_policy") || strings.Contains(lower, "moderation"):
			kind = errs.KindSafety
		}
		e := errs.Wrap(kind, err, op+": "+err.Error())
		e.HTTPStatus = apierr.StatusCode
		return e
	}
	return errs.Wrap(errs.KindNetwork, err, op+": request failed")
}
