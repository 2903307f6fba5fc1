// Package providers defines the provider capability surface, the provider
// registry and the rotation router.
//
// The core consumes providers through the Provider interface only; concrete
// backends register through an injected Registry so tests can substitute
// fakes.
package providers

import (
	"context"
)

// StreamChunk is one delta from a streaming inference call.
// A terminal error is delivered as the final chunk with Err set; the
// channel is closed afterwards.
type StreamChunk struct {
	Text   string
	Tokens int
	Err    error
}

// InferenceRequest carries one inference call.
type InferenceRequest struct {
	// Prompt is the fully assembled prompt text.
	Prompt string

	// InputTokens is the assembler's estimate, used for budget headroom.
	InputTokens int

	// Images are optional image URLs or data URIs for vision calls.
	Images []string

	// UseSmartest asks the adapter to swap in its declared smart model
	// without changing the provider.
	UseSmartest bool

	// Overrides from agent settings. Zero values mean provider defaults.
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   int

	// Settings carries pass-through agent settings the adapter may read.
	Settings map[string]any
}

// Provider is the uniform capability surface the core consumes.
// Capabilities a provider does not declare return ErrUnsupported.
type Provider interface {
	Name() string

	// Services returns the declared capability set (llm, vision, tts,
	// embeddings, transcription, translation, image).
	Services() []string

	Inference(ctx context.Context, req InferenceRequest) (string, error)
	InferenceStream(ctx context.Context, req InferenceRequest) (<-chan StreamChunk, error)

	Embeddings(ctx context.Context, text string) ([]float32, error)
	TextToSpeech(ctx context.Context, text string) ([]byte, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Translate(ctx context.Context, audio []byte) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)

	MaxTokens() int
	IsConfigured() bool
}

// RuntimeKnobs are the per-provider pacing parameters the router reads.
type RuntimeKnobs struct {
	WaitBetweenRequests int // seconds
	WaitAfterFailure    int // seconds
	MaxFailures         int
}

// Knobbed is implemented by providers that carry their own pacing knobs.
// Providers without it get router defaults.
type Knobbed interface {
	Knobs() RuntimeKnobs
}

// DefaultKnobs are used when a provider declares none.
var DefaultKnobs = RuntimeKnobs{
	WaitAfterFailure: 3,
	MaxFailures:      3,
}

// HasService reports whether the provider declares the capability.
func HasService(p Provider, service string) bool {
	for _, s := range p.Services() {
		if s == service {
			return true
		}
	}
	return false
}
