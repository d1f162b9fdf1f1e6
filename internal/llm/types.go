// Package llm provides a uniform streaming text-completion interface over
// the configured provider variant (OpenAI or Gemini), selected at startup
// by LLM_PROVIDER.
package llm

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StopReason constants normalize provider-native finish reasons.
const (
	StopReasonStop   = "stop"
	StopReasonLength = "length"
)

// Role constants for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn of conversation history handed to a
// provider. Only plain text is supported — no tool calls, no images.
type Message struct {
	Role string
	Text string
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one incremental piece of a provider's streaming
// response.
type StreamChunk struct {
	Text         string
	IsFinal      bool
	FinishReason string
	Usage        *Usage
	Err          error
}

// Params carries per-call generation parameters.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// debugDirKey is the context key under which a per-session debug
// directory suffix is threaded through to a StreamDebugger.
type debugDirKey struct{}

// WithDebugDir returns a context carrying dir, consumed by NewStreamDebugger.
func WithDebugDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, debugDirKey{}, dir)
}

func debugDirFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(debugDirKey{})
	s, ok := v.(string)
	return s, ok && s != ""
}

// Client is the uniform interface every provider variant implements.
type Client interface {
	// StreamChat streams an incremental text completion for messages
	// under the given generation params. The returned channel is closed
	// after a final chunk (IsFinal true) is sent.
	StreamChat(ctx context.Context, messages []Message, params Params) (<-chan StreamChunk, error)

	// Embed returns a dense vector embedding for text, used by the
	// retrieval store to index and query document chunks.
	Embed(ctx context.Context, text string) ([]float32, error)

	// IsTransientError reports whether err is worth a caller-side retry
	// (e.g. rate limits, timeouts) as opposed to a fatal auth failure.
	IsTransientError(err error) bool

	// Provider returns the provider's registry name ("openai", "gemini").
	Provider() string
}
