package ai

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions tune a single generation request.
type GenerateOptions struct {
	// Temperature of 0 means provider default.
	Temperature float64
	// JSONResponse asks the provider to return a JSON object.
	JSONResponse bool
}

// ChatGenerator generates a reply to a conversation. All LLM providers
// implement this interface.
type ChatGenerator interface {
	GenerateChat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}
