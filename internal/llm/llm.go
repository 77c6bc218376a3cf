// Package llm wraps the chat-completion provider behind a small interface so
// every caller (classifier, generator, analyst) can be tested with a stub.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one text-in/text-out completion call.
type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSONMode forces the provider to emit a single JSON object.
	JSONMode bool
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
