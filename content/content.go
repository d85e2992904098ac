// Package content defines the provider-agnostic content model shared by the
// formatter, engine, and provider packages: tagged-variant content blocks,
// messages built from them, tool definitions/calls, and the normalized
// request/response/chunk shapes that flow through the Engine.
package content

import "encoding/json"

// Role identifies the speaker of a Message. The content model does not
// impose a user/assistant duality: Role is an opaque participant identity,
// though the constants below name the three roles every provider adapter
// ultimately needs to map onto.
type Role string

const (
	// RoleSystem carries instructions the model should treat as context
	// rather than conversation.
	RoleSystem Role = "system"

	// RoleUser carries content attributed to the human or tool side of the
	// conversation.
	RoleUser Role = "user"

	// RoleAssistant carries content attributed to the model.
	RoleAssistant Role = "assistant"
)

type (
	// Part is a marker interface implemented by every content block variant.
	// Callers match on the concrete type and reject unknown variants on input.
	Part interface {
		isPart()
	}

	// ImageFormat identifies the on-wire encoding of an ImagePart.
	ImageFormat string

	// DocumentFormat identifies the on-wire format/extension of a DocumentPart.
	DocumentFormat string

	// TextPart is a plain text content block.
	//
	// CacheBreakpoint, when true, requests that everything up to and
	// including the block be cache-marked by the Formatter.
	TextPart struct {
		Text            string
		CacheBreakpoint bool
	}

	// ImagePart carries image bytes, or a URL reference, attached to a message.
	//
	// Exactly one of Bytes or URL should be set. OriginalURL optionally
	// records the source URL even when Bytes were fetched and embedded, so
	// adapters that prefer passing URLs through can recover it.
	ImagePart struct {
		Format      ImageFormat
		Bytes       []byte
		URL         string
		OriginalURL string
	}

	// DocumentPart carries document content attached to a message.
	DocumentPart struct {
		Bytes []byte
	}

	// AudioPart carries audio bytes attached to a message.
	AudioPart struct {
		Format string
		Bytes  []byte
	}

	// VideoPart carries video bytes attached to a message.
	VideoPart struct {
		Format string
		Bytes  []byte
	}

	// GeneratedImagePart carries image bytes produced by the model (as
	// opposed to ImagePart, which is supplied by the caller).
	GeneratedImagePart struct {
		Format  ImageFormat
		Bytes   []byte
		Preview []byte
	}

	// ThinkingPart carries hidden reasoning content. Signature, when
	// present, is a provider-issued opaque token that must be echoed back
	// verbatim on the next turn; Redacted carries the same content in
	// redacted form when plaintext is unavailable.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
	}

	// ToolUsePart declares a tool invocation requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries a tool execution result supplied by the caller.
	//
	// Content is either a string or a []Part (to support returning images
	// alongside text); the Formatter preserves both shapes on encode.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// RedactedThinkingPart carries opaque reasoning content the provider
	// declined to surface in plaintext, with no accompanying visible text.
	RedactedThinkingPart struct {
		Redacted []byte
	}

	// Message is an ordered, non-empty list of content blocks attributed to
	// a participant. Messages are caller-owned and immutable within a call.
	Message struct {
		// Participant is an opaque conversational identity (e.g. "Alice",
		// "Bob", "Claude"). Formatters decide how to map participants onto
		// provider roles.
		Participant string

		Content []Part

		Metadata map[string]any

		// CacheBreakpoint requests that everything up to and including this
		// message be cache-marked. Equivalent to passing true for this
		// message's index to a HasCacheMarker callback; see DESIGN.md for how
		// the two interact when both are supplied.
		CacheBreakpoint bool
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolChoiceMode controls how a request steers tool use.
	ToolChoiceMode string

	// ToolChoice configures optional tool-use behavior for a request.
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string
	}

	// ToolCall is a single requested invocation, stable within one response.
	ToolCall struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResult is a caller-supplied outcome for a prior ToolCall.
	ToolResult struct {
		ToolUseID string
		Content   any
		IsError   bool
	}
)

const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeAny  ToolChoiceMode = "any"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatGIF  ImageFormat = "gif"
	ImageFormatWEBP ImageFormat = "webp"
)

const (
	DocumentFormatPDF DocumentFormat = "pdf"
	DocumentFormatTXT DocumentFormat = "txt"
	DocumentFormatMD  DocumentFormat = "md"
)

func (TextPart) isPart()             {}
func (ImagePart) isPart()            {}
func (DocumentPart) isPart()         {}
func (AudioPart) isPart()            {}
func (VideoPart) isPart()            {}
func (GeneratedImagePart) isPart()   {}
func (ThinkingPart) isPart()         {}
func (ToolUsePart) isPart()          {}
func (ToolResultPart) isPart()       {}
func (RedactedThinkingPart) isPart() {}

// ExtractText concatenates every TextPart in the message, joined by newline.
// Non-text blocks are ignored.
func ExtractText(m Message) string {
	var out []byte
	first := true
	for _, p := range m.Content {
		tp, ok := p.(TextPart)
		if !ok || tp.Text == "" {
			continue
		}
		if !first {
			out = append(out, '\n')
		}
		out = append(out, tp.Text...)
		first = false
	}
	return string(out)
}

// HasImage reports whether m carries at least one ImagePart.
func HasImage(m Message) bool {
	for _, p := range m.Content {
		if _, ok := p.(ImagePart); ok {
			return true
		}
	}
	return false
}

// IsEmpty reports whether m carries no content blocks.
func IsEmpty(m Message) bool {
	return len(m.Content) == 0
}
