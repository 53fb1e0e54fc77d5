// Package embedding defines the capability interface through which the
// store consumes embedding providers. The store never implements a provider
// and carries no provider-specific logic; a provider is passed per call so
// no process-wide provider state exists.
package embedding

import "context"

// Provider converts text into a vector and reports its active model name.
//
// Implementations decide their own dimensionality; the store validates
// vector length against the target collection on every call.
type Provider interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelName returns the active model identifier, e.g. "voyage-code-3".
	// It is used to derive per-model collection names and is stamped into
	// point payloads as metadata.
	ModelName() string
}

// ProviderFunc adapts plain functions to the Provider interface.
// Primarily useful for tests and thin wrappers around HTTP clients.
type ProviderFunc struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	Model     string
}

// Embed implements Provider.
func (p ProviderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.EmbedFunc(ctx, text)
}

// ModelName implements Provider.
func (p ProviderFunc) ModelName() string { return p.Model }
