// Package ai wraps the external generative AI collaborator behind a small
// request/response interface. The rest of the platform treats the model as an
// opaque service with a failure mode; callers own the timeout via context and
// must supply their own fallback when Complete fails.
package ai

import "context"

// Completer produces a text completion for a prompt. Implementations must
// honor ctx cancellation and deadlines; a failed or timed-out call returns a
// non-nil error and an empty string.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, systemPrompt, userText string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	return f(ctx, systemPrompt, userText)
}
