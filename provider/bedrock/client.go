// Package bedrock provides a provider.Adapter backed by the AWS Bedrock
// Converse API. It encodes normalized requests into Converse/ConverseStream
// calls, translating cache breakpoints into cache-point blocks, thinking
// options into additional model request fields, and Converse responses back
// into the content model. Request signing (SigV4) and event-stream framing
// are handled by the AWS SDK; see sigv4.go for the canonical invoke-path
// helper used in diagnostics.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"goa.design/clue/log"

	"github.com/antra-tess/membrane/content"
	"github.com/antra-tess/membrane/errs"
	"github.com/antra-tess/membrane/provider"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// DefaultModel is the default model identifier.
	DefaultModel string

	// HighModel is the high-reasoning model identifier.
	HighModel string

	// SmallModel is the small/cheap model identifier.
	SmallModel string

	// MaxTokens sets the default completion cap when a request does not
	// specify one. When zero or negative, MaxTokens is omitted so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// ThinkingBudget defines the thinking token budget when thinking is
	// enabled without an explicit budget.
	ThinkingBudget int
}

const defaultThinkingBudget = 16384

// Adapter implements provider.Adapter on top of AWS Bedrock Converse.
type Adapter struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float32
	think        int
}

// New initializes a Bedrock-powered adapter.
func New(runtime RuntimeClient, opts Options) (*Adapter, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Adapter{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        think,
	}, nil
}

// Name identifies the adapter for logging and error records.
func (a *Adapter) Name() string { return "bedrock" }

// PreferredToolMode reports xml; the Engine selects the XML tool protocol for
// Claude-on-Bedrock prefill conversations unless a caller asks for native.
func (a *Adapter) PreferredToolMode() content.ToolMode { return content.ToolModeXML }

// SupportsCaching reports that Converse honors cache-point blocks.
func (a *Adapter) SupportsCaching() bool { return true }

type requestParts struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	provToCanon map[string]string
}

// Complete issues a chat completion request using the Converse API.
func (a *Adapter) Complete(ctx context.Context, req content.Request) (*content.Response, error) {
	parts, err := a.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := a.buildConverseInput(parts, req)
	output, err := a.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classify(err, "bedrock converse")
	}
	return translateResponse(output, parts, input), nil
}

// Stream invokes the Bedrock ConverseStream API and adapts incremental events
// into content.Chunks.
func (a *Adapter) Stream(ctx context.Context, req content.Request) (provider.Streamer, error) {
	parts, err := a.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := a.buildConverseStreamInput(parts, req)
	out, err := a.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classify(err, "bedrock converse stream")
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errs.New(errs.KindServer, "bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, parts.provToCanon), nil
}

func (a *Adapter) prepareRequest(ctx context.Context, req content.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errs.New(errs.KindInvalidReq, "bedrock: messages are required")
	}
	modelID := a.resolveModelID(req.Config)
	if modelID == "" {
		return nil, errs.New(errs.KindInvalidReq, "bedrock: model identifier is required")
	}
	var cacheAfterSystem, cacheAfterTools bool
	if req.Cache != nil {
		cacheAfterSystem = req.Cache.AfterSystem
		cacheAfterTools = req.Cache.AfterTools
	}
	// Nova models do not support tool-level cache checkpoints; fail fast
	// rather than sending an invalid configuration.
	if cacheAfterTools && isNovaModel(modelID) {
		return nil, errs.New(errs.KindInvalidReq,
			fmt.Sprintf("bedrock: Cache.AfterTools is not supported for Nova models (model=%s)", modelID))
	}
	toolConfig, canonToProv, provToCanon, err := encodeTools(ctx, req.Tools, req.ToolChoice, cacheAfterTools)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(ctx, req, canonToProv, cacheAfterSystem)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: provToCanon,
	}, nil
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

func (a *Adapter) buildConverseInput(parts *requestParts, req content.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := a.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (a *Adapter) buildConverseStreamInput(parts *requestParts, req content.Request) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = a.think
		}
		thinkingCfg := map[string]any{"type": "enabled"}
		if budget > 0 {
			thinkingCfg["budget_tokens"] = budget
		}
		fields := map[string]any{"thinking": thinkingCfg}
		if req.Thinking.Interleaved {
			fields["anthropic_beta"] = []string{"interleaved-thinking-2025-05-14"}
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	if cfg := a.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (a *Adapter) inferenceConfig(req content.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := req.Config.MaxTokens
	if tokens <= 0 {
		tokens = a.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := req.Config.Temperature
	if temp <= 0 {
		temp = a.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if req.Config.TopP > 0 {
		cfg.TopP = aws.Float32(req.Config.TopP)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil && len(cfg.StopSequences) == 0 {
		return nil
	}
	return &cfg
}

func encodeMessages(ctx context.Context, req content.Request, nameMap map[string]string, cacheAfterSystem bool) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(req.Messages))
	system := make([]brtypes.SystemContentBlock, 0, 2)

	if req.System != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}
	for _, p := range req.SystemParts {
		tp, ok := p.(content.TextPart)
		if !ok || tp.Text == "" {
			continue
		}
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: tp.Text})
		if tp.CacheBreakpoint {
			system = append(system, &brtypes.SystemContentBlockMemberCachePoint{
				Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
			})
		}
	}

	for _, m := range req.Messages {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Content)+1)
		for _, part := range m.Content {
			switch v := part.(type) {
			case content.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
				if v.CacheBreakpoint {
					blocks = append(blocks, &brtypes.ContentBlockMemberCachePoint{
						Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
					})
				}
			case content.ImagePart:
				if len(v.Bytes) == 0 {
					return nil, nil, errs.New(errs.KindUnsupported, "bedrock: image part requires embedded bytes")
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberImage{
					Value: brtypes.ImageBlock{
						Format: imageFormat(v.Format),
						Source: &brtypes.ImageSourceMemberBytes{Value: v.Bytes},
					},
				})
			case content.ThinkingPart:
				if v.Signature != "" && v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberReasoningText{
							Value: brtypes.ReasoningTextBlock{
								Text:      aws.String(v.Text),
								Signature: aws.String(v.Signature),
							},
						},
					})
				}
			case content.RedactedThinkingPart:
				if len(v.Redacted) > 0 {
					blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
						Value: &brtypes.ReasoningContentBlockMemberRedactedContent{Value: v.Redacted},
					})
				}
			case content.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errs.New(errs.KindInvalidReq, "bedrock: tool_use part missing name")
				}
				sanitized, ok := nameMap[v.Name]
				if !ok || sanitized == "" {
					return nil, nil, errs.New(errs.KindInvalidReq,
						fmt.Sprintf("bedrock: tool_use references %q which is not in the current tool configuration", v.Name))
				}
				tb := brtypes.ToolUseBlock{Name: aws.String(sanitized), Input: toDocument(ctx, v.Input)}
				if v.ID != "" {
					tb.ToolUseId = aws.String(v.ID)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case content.ToolResultPart:
				tr := brtypes.ToolResultBlock{}
				if v.ToolUseID != "" {
					tr.ToolUseId = aws.String(v.ToolUseID)
				}
				if s, ok := v.Content.(string); ok {
					tr.Content = []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: s},
					}
				} else {
					tr.Content = []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(ctx, v.Content)},
					}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			default:
				return nil, nil, errs.New(errs.KindUnsupported,
					fmt.Sprintf("bedrock: unsupported content part %T", part))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Participant == string(content.RoleAssistant) {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errs.New(errs.KindInvalidReq, "bedrock: at least one user/assistant message is required")
	}
	if cacheAfterSystem && len(system) > 0 {
		system = append(system, &brtypes.SystemContentBlockMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}
	return conversation, system, nil
}

func imageFormat(f content.ImageFormat) brtypes.ImageFormat {
	switch f {
	case content.ImageFormatJPEG:
		return brtypes.ImageFormatJpeg
	case content.ImageFormatGIF:
		return brtypes.ImageFormatGif
	case content.ImageFormatWEBP:
		return brtypes.ImageFormatWebp
	default:
		return brtypes.ImageFormatPng
	}
}

func encodeTools(ctx context.Context, defs []*content.ToolDefinition, choice *content.ToolChoice, cacheAfterTools bool) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		if choice == nil {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, errs.New(errs.KindInvalidReq, "bedrock: tool choice is set but no tools are defined")
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, errs.New(errs.KindInvalidReq,
				fmt.Sprintf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev))
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized
		if def.Description == "" {
			return nil, nil, nil, errs.New(errs.KindInvalidReq, fmt.Sprintf("bedrock: tool %q is missing description", def.Name))
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	if cacheAfterTools {
		toolList = append(toolList, &brtypes.ToolMemberCachePoint{
			Value: brtypes.CachePointBlock{Type: brtypes.CachePointTypeDefault},
		})
	}
	cfg := brtypes.ToolConfiguration{Tools: toolList}
	if choice != nil {
		switch choice.Mode {
		case "", content.ToolChoiceModeAuto, content.ToolChoiceModeNone:
			// Auto is the provider default; none preserves the tool config so
			// existing tool blocks in the transcript remain interpretable.
		case content.ToolChoiceModeAny:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case content.ToolChoiceModeTool:
			sanitized, ok := canonToProv[choice.Name]
			if !ok {
				return nil, nil, nil, errs.New(errs.KindInvalidReq,
					fmt.Sprintf("bedrock: tool choice name %q does not match any tool", choice.Name))
			}
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(sanitized)}}
		default:
			return nil, nil, nil, errs.New(errs.KindInvalidReq,
				fmt.Sprintf("bedrock: unsupported tool choice mode %q", choice.Mode))
		}
	}
	return &cfg, canonToProv, provToCanon, nil
}

func toDocument(ctx context.Context, v any) document.Interface {
	if v == nil {
		m := map[string]any{"type": "object"}
		return lazyDocument(m)
	}
	switch raw := v.(type) {
	case document.Interface:
		return raw
	case json.RawMessage:
		var decoded any
		if len(raw) == 0 {
			return lazyDocument(map[string]any{"type": "object"})
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "bedrock"},
				log.KV{K: "event", V: "failed to unmarshal schema"})
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(raw)
	}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func translateResponse(output *bedrockruntime.ConverseOutput, parts *requestParts, input *bedrockruntime.ConverseInput) *content.Response {
	resp := &content.Response{}
	var raw strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				raw.WriteString(v.Value)
				resp.Content = append(resp.Content, content.TextPart{Text: v.Value})
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
					if canonical, ok := parts.provToCanon[normalizeToolName(name)]; ok {
						name = canonical
					}
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				input := decodeDocument(v.Value.Input)
				resp.Content = append(resp.Content, content.ToolUsePart{ID: id, Name: name, Input: input})
				resp.ToolCalls = append(resp.ToolCalls, content.ToolCall{ID: id, Name: name, Input: input})
			}
		}
	}
	resp.RawAssistantText = raw.String()
	if usage := output.Usage; usage != nil {
		resp.Usage = content.TokenUsage{
			InputTokens:       int(ptrValue(usage.InputTokens)),
			OutputTokens:      int(ptrValue(usage.OutputTokens)),
			TotalTokens:       int(ptrValue(usage.TotalTokens)),
			CacheReadTokens:   int(ptrValue(usage.CacheReadInputTokens)),
			CacheCreateTokens: int(ptrValue(usage.CacheWriteInputTokens)),
		}
	}
	resp.StopReason = mapStopReason(output.StopReason)
	resp.Details.DetailedUsage = resp.Usage
	resp.Details.Model = content.ModelInfo{Requested: parts.modelID, Actual: parts.modelID, Provider: "bedrock"}
	resp.Raw = content.RawRecord{
		Request:  input,
		Response: output,
		Headers:  map[string]string{"x-invoke-path": CanonicalModelPath(parts.modelID, false)},
	}
	return resp
}

func mapStopReason(reason brtypes.StopReason) content.StopReason {
	switch reason {
	case brtypes.StopReasonEndTurn:
		return content.StopReasonEndTurn
	case brtypes.StopReasonMaxTokens:
		return content.StopReasonMaxTokens
	case brtypes.StopReasonStopSequence:
		return content.StopReasonStopSequence
	case brtypes.StopReasonToolUse:
		return content.StopReasonToolUse
	case brtypes.StopReasonGuardrailIntervened, brtypes.StopReasonContentFiltered:
		return content.StopReasonRefusal
	default:
		return content.StopReasonEndTurn
	}
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isNovaModel reports whether the given model identifier refers to an Amazon
// Nova family model, which does not support tool-level cache checkpoints.
func isNovaModel(modelID string) bool {
	return strings.HasPrefix(modelID, "amazon.nova-")
}

// classify maps an SDK error into the error taxonomy. Throttling and 429
// responses become rate_limit; validation exceptions with length patterns
// become context_length.
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
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		lower := strings.ToLower(apiErr.ErrorMessage())
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			e := errs.Wrap(errs.KindRateLimit, err, op+": "+apiErr.ErrorMessage())
			e.ProviderCode = apiErr.ErrorCode()
			return e
		case "ValidationException":
			kind := errs.KindInvalidReq
			if strings.Contains(lower, "too long") || strings.Contains(lower, "input is too large") {
				kind = errs.KindContextLength
			}
			e := errs.Wrap(kind, err, op+": "+apiErr.ErrorMessage())
			e.ProviderCode = apiErr.ErrorCode()
			return e
		case "AccessDeniedException", "UnrecognizedClientException":
			e := errs.Wrap(errs.KindAuth, err, op+": "+apiErr.ErrorMessage())
			e.ProviderCode = apiErr.ErrorCode()
			return e
		case "ServiceUnavailableException", "InternalServerException", "ModelErrorException":
			e := errs.Wrap(errs.KindServer, err, op+": "+apiErr.ErrorMessage())
			e.ProviderCode = apiErr.ErrorCode()
			return e
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		kind := errs.ClassifyHTTPStatus(respErr.HTTPStatusCode())
		e := errs.Wrap(kind, err, op+": http error")
		e.HTTPStatus = respErr.HTTPStatusCode()
		return e
	}
	return errs.Wrap(errs.KindNetwork, err, op+": request failed")
}
