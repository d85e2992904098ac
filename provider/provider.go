// Package provider defines the provider adapter contract: the
// capability-set interface every concrete backend (Anthropic, Bedrock,
// OpenAI-style Chat Completions) implements so the Engine can drive any of
// them identically.
package provider

import (
	"context"

	"github.com/antra-tess/membrane/content"
)

// Adapter is the capability set a concrete provider backend implements.
// Adapters are selected by the caller, never subclassed; the Engine only
// ever depends on this interface.
type Adapter interface {
	// Name identifies the adapter for logging and error Records.
	Name() string

	// Complete issues a single non-streaming call.
	Complete(ctx context.Context, req content.Request) (*content.Response, error)

	// Stream issues a streaming call and returns a Streamer the caller
	// drains until io.EOF.
	Stream(ctx context.Context, req content.Request) (Streamer, error)

	// PreferredToolMode reports which tool_mode this adapter's backend
	// natively supports best, used when the caller requests
	// content.ToolModeAuto.
	PreferredToolMode() content.ToolMode

	// SupportsCaching reports whether this adapter's backend honors
	// cache-control breakpoints.
	SupportsCaching() bool
}

// Streamer is a single active streaming call. Recv returns io.EOF once the
// stream is exhausted after a terminal chunk. Close releases the
// underlying transport; it is safe to call multiple times and safe to call
// before the stream is drained (mid-stream cancellation).
type Streamer interface {
	Recv() (content.Chunk, error)
	Close() error
	Metadata() map[string]any
}
