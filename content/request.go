package content

// ModelClass identifies a model family. Adapters map classes to concrete
// model identifiers; routing policy beyond that lives with the caller.
type ModelClass string

const (
	ModelClassDefault       ModelClass = "default"
	ModelClassHighReasoning ModelClass = "high-reasoning"
	ModelClassSmall         ModelClass = "small"
)

// ToolMode selects how tool definitions are communicated to the backend.
type ToolMode string

const (
	// ToolModeAuto lets the Engine pick xml or native based on adapter
	// preference.
	ToolModeAuto ToolMode = "auto"

	// ToolModeXML injects the XML tool protocol into the prompt and parses
	// invocations out of streamed text.
	ToolModeXML ToolMode = "xml"

	// ToolModeNative passes tool definitions to the provider's native
	// function-calling surface.
	ToolModeNative ToolMode = "native"
)

// Config carries per-request model parameters.
type Config struct {
	Model       string
	ModelClass  ModelClass
	MaxTokens   int
	Temperature float32
	TopP        float32
	TopK        int
}

// ThinkingOptions configures provider reasoning behavior.
type ThinkingOptions struct {
	Enable       bool
	Interleaved  bool
	BudgetTokens int
}

// CacheOptions configures prompt caching behavior for a request.
type CacheOptions struct {
	Enable        bool
	TTL           string
	AfterSystem   bool
	AfterTools    bool
	Points        int
	MinTokens     int
	PreferUserMsg bool
}

// Request is the normalized request that enters Engine.Complete or
// Engine.Stream.
type Request struct {
	Config Config

	// System is optional system content, either a single string or a list
	// of text blocks (callers construct the latter directly via SystemParts).
	System      string
	SystemParts []Part

	Messages []Message

	Tools      []*ToolDefinition
	ToolMode   ToolMode
	ToolChoice *ToolChoice

	Thinking *ThinkingOptions
	Cache    *CacheOptions

	// ProviderParams carries opaque, provider-specific extensions that pass
	// through the Formatter untouched.
	ProviderParams map[string]any

	// StopSequences are caller-supplied extra stop sequences appended after
	// the Formatter's auto-generated set.
	StopSequences []string

	// RunID identifies the logical run for this request, used by context
	// managers and ledger-backed adapters to correlate calls.
	RunID string
}

// StopReason enumerates why generation stopped.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonRefusal      StopReason = "refusal"
	StopReasonAbort        StopReason = "abort"
)

// TokenUsage tracks token counts for a model call.
type TokenUsage struct {
	InputTokens       int
	OutputTokens      int
	TotalTokens       int
	CacheCreateTokens int
	CacheReadTokens   int
	ThinkingTokens    int
}

// Timing records latency accounting for a single call.
type Timing struct {
	TotalMS     int64
	TTFTMS      int64
	TokensPerMS float64
	Attempts    int
	RetryDelays []int64
}

// ModelInfo records which model identifiers were requested vs. actually used.
type ModelInfo struct {
	Requested string
	Actual    string
	Provider  string
}

// CacheInfo records cache marker accounting for a single call.
type CacheInfo struct {
	MarkersInRequest int
	TokensCreated    int
	TokensRead       int
	HitRatio         float64
}

// ResponseDetails carries the secondary accounting fields of a Response.
type ResponseDetails struct {
	StopSequence  string
	DetailedUsage TokenUsage
	Timing        Timing
	Model         ModelInfo
	Cache         CacheInfo
}

// RawRecord captures wire-level request/response bytes for diagnostics.
type RawRecord struct {
	Request  any
	Response any
	Headers  map[string]string
}

// Response is the normalized response returned by Engine.Complete and the
// terminal value assembled at the end of Engine.Stream.
//
// Content reflects only what the model produced this turn; it never
// includes prefill.
type Response struct {
	Content    []Part
	StopReason StopReason
	Usage      TokenUsage
	Details    ResponseDetails
	Raw        RawRecord

	// RawAssistantText is the exact bytes streamed from the backend this
	// turn, prior to content-block parsing. Equal to the concatenation of
	// every chunk text delivered during the call.
	RawAssistantText string

	ToolCalls []ToolCall
}

// AbortReason enumerates why a call produced an AbortedResponse.
type AbortReason string

const (
	AbortReasonUser    AbortReason = "user"
	AbortReasonTimeout AbortReason = "timeout"
	AbortReasonError   AbortReason = "error"
)

// AbortedResponse is returned in place of Response when a call is cancelled,
// times out, or fails mid-stream after producing partial content.
type AbortedResponse struct {
	Aborted        bool
	PartialContent []Part
	PartialUsage   *TokenUsage
	Reason         AbortReason
}

// ChunkType enumerates the kinds of streaming events a Streamer emits.
type ChunkType string

const (
	ChunkText          ChunkType = "text"
	ChunkThinking      ChunkType = "thinking"
	ChunkToolCall      ChunkType = "tool_call"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkUsage         ChunkType = "usage"
	ChunkStop          ChunkType = "stop"
)

// Chunk is a single streaming event from a provider adapter.
type Chunk struct {
	Type ChunkType

	Text         string
	ThinkingText string

	ToolCall      *ToolCall
	ToolCallDelta *ToolCallDelta

	UsageDelta *TokenUsage

	StopReason   StopReason
	StopSequence string
}

// ToolCallDelta is an incremental tool-call input fragment streamed by
// providers while still constructing the full tool input JSON. Best-effort;
// consumers may ignore it. The canonical payload remains ToolCall.Input on
// the terminal ChunkToolCall.
type ToolCallDelta struct {
	ID    string
	Name  string
	Delta string
}
