package switchboard

import "context"

// Message is one chat turn, passed through to the underlying inference
// client unmodified.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat-completion request. Model and Messages are interpreted
// by the core; Extra carries any additional passthrough fields forwarded
// verbatim to the underlying inference client (spec.md §6).
type Request struct {
	Model     string
	Messages  []Message
	Stream    bool
	SessionID string
	MaxTokens int
	Extra     map[string]any
}

// Usage reports authoritative token accounting as returned by the upstream
// service, used to reconcile the DC's provisional estimate (spec.md §4.1).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

// Response is a non-streaming completion result, returned to the caller
// unmodified (spec.md §1 Non-goals: no response transformation).
type Response struct {
	Deployment string
	Content    string
	Usage      Usage
	Raw        any
}

// StreamChunk is one element of a streaming completion. Usage is populated
// only on the final chunk.
type StreamChunk struct {
	Delta   string
	Usage   *Usage
	Raw     any
	Err     error
}

// Stream is a finite, non-restartable lazy sequence of StreamChunk, matching
// spec.md §4.1's description of the DC streaming return value.
type Stream struct {
	Deployment string
	chunks     <-chan StreamChunk
}

// Next returns the next chunk, or ok=false once the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (StreamChunk, bool) {
	select {
	case c, ok := <-s.chunks:
		return c, ok
	case <-ctx.Done():
		return StreamChunk{Err: ctx.Err()}, false
	}
}

// InferenceClient is the minimal per-deployment client interface the core
// consumes (spec.md §1, §6). It is the "external collaborator" boundary:
// implementations issue the actual HTTP request against a specific endpoint.
// Test doubles substitute freely (spec.md §9 Polymorphism).
type InferenceClient interface {
	// Complete issues a single non-streaming chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteStream issues a streaming chat completion.
	CompleteStream(ctx context.Context, req Request) (*Stream, error)
}
