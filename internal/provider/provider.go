package provider

import (
	"context"
)

// Role values carried in chat messages. Ordering within a request is
// significant: system first, then history, then the new user message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata, not sent to the vendor
	TraceID string
	UserID  string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider translates the uniform completion call into one vendor's API
// shape. Implementations are constructed once at startup and never mutated
// afterwards.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	DefaultModel() string
}
