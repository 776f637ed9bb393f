// Package llm provides the text-generation collaborator. The workflow
// engine only sees the Generator interface; any failure is recovered
// upstream with a deterministic fallback artifact, so implementations
// report errors instead of retrying forever.
package llm

import "context"

// GenerateRequest carries one bounded generation call.
type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Generator produces completion text for a prompt.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}
