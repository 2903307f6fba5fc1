package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
)

// Router rotates across configured providers for a service, retrying
// transient failures up to each provider's max_failures before moving on.
// Failure counters live in the per-request rotation state, never on the
// provider instances, so one bad request cannot poison the next.
type Router struct {
	registry Registry

	// lastDispatch enforces wait_between_requests per agent+provider pair.
	mu           sync.Mutex
	lastDispatch map[string]time.Time

	logger *slog.Logger
}

func NewRouter(reg Registry) *Router {
	return &Router{
		registry:     reg,
		lastDispatch: make(map[string]time.Time),
		logger:       logger.Get(),
	}
}

// Candidates returns the rotation order for a service and agent: every
// provider declaring the service, minus the agent's disabled providers,
// sorted by name with the agent's preferred provider first. The preferred
// provider comes from the agent's "<service>_provider" setting, falling
// back to a provider literally named "default".
func (r *Router) Candidates(service string, agent *config.AgentConfig) []string {
	var names []string
	for _, name := range r.registry.List() {
		caps, err := r.registry.Capabilities(name)
		if err != nil {
			continue
		}
		if !containsString(caps, service) {
			continue
		}
		if agent != nil && containsString(agent.DisabledProviders, name) {
			continue
		}
		names = append(names, name)
	}

	primary := "default"
	if agent != nil {
		if p := agent.SettingString(service + "_provider"); p != "" {
			primary = p
		}
	}
	for i, name := range names {
		if name == primary && i > 0 {
			copy(names[1:i+1], names[:i])
			names[0] = name
			break
		}
	}
	return names
}

// Do runs call against the rotation for the given service. It walks the
// candidate order once, giving each provider up to max_failures attempts
// on transient errors; fatal errors surface immediately. When every
// candidate is exhausted it returns an ExhaustedError.
func (r *Router) Do(ctx context.Context, service string, agent *config.AgentConfig, call func(ctx context.Context, p Provider) error) error {
	candidates := r.Candidates(service, agent)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCandidates, service)
	}

	agentName := ""
	var settings map[string]any
	if agent != nil {
		agentName = agent.Name
		settings = agent.Settings
	}

	var tried []string
	for idx, name := range candidates {
		p, err := r.registry.Instantiate(name, settings)
		if err != nil {
			r.logger.Warn("Provider instantiation failed, rotating", "provider", name, "error", err)
			tried = append(tried, name)
			continue
		}

		knobs := DefaultKnobs
		if k, ok := p.(Knobbed); ok {
			knobs = k.Knobs()
		}
		knobs = overrideKnobs(knobs, agent)
		if knobs.MaxFailures <= 0 {
			knobs.MaxFailures = DefaultKnobs.MaxFailures
		}

		tried = append(tried, name)
		failures := 0
		for failures < knobs.MaxFailures {
			if err := r.pace(ctx, agentName, name, knobs.WaitBetweenRequests); err != nil {
				return err
			}

			err := call(ctx, p)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !IsTransient(err) {
				return err
			}

			failures++
			r.logger.Warn("Provider call failed",
				"provider", name, "service", service,
				"failures", failures, "max_failures", knobs.MaxFailures,
				"error", err)
			if failures < knobs.MaxFailures {
				if err := sleepCtx(ctx, time.Duration(knobs.WaitAfterFailure)*time.Second); err != nil {
					return err
				}
			}
		}

		if idx < len(candidates)-1 {
			next := candidates[idx+1]
			observability.GetGlobalMetrics().RecordProviderRotation(ctx, name, next)
			r.logger.Info("Rotating provider", "service", service, "from", name, "to", next)
		}
	}

	return &ExhaustedError{Service: service, Tried: tried}
}

// overrideKnobs applies the agent's WAIT_BETWEEN_REQUESTS and
// WAIT_AFTER_FAILURE settings on top of the provider's pacing knobs.
func overrideKnobs(knobs RuntimeKnobs, agent *config.AgentConfig) RuntimeKnobs {
	if v, ok := agent.SettingInt("WAIT_BETWEEN_REQUESTS"); ok && v >= 0 {
		knobs.WaitBetweenRequests = v
	}
	if v, ok := agent.SettingInt("WAIT_AFTER_FAILURE"); ok && v >= 0 {
		knobs.WaitAfterFailure = v
	}
	return knobs
}

// pace sleeps out the remainder of the provider's wait_between_requests
// interval for this agent, then stamps the dispatch time.
func (r *Router) pace(ctx context.Context, agent, provider string, waitSeconds int) error {
	if waitSeconds <= 0 {
		return nil
	}
	key := agent + "|" + provider
	interval := time.Duration(waitSeconds) * time.Second

	r.mu.Lock()
	last, ok := r.lastDispatch[key]
	now := time.Now()
	var wait time.Duration
	if ok {
		if elapsed := now.Sub(last); elapsed < interval {
			wait = interval - elapsed
		}
	}
	r.lastDispatch[key] = now.Add(wait)
	r.mu.Unlock()

	if wait > 0 {
		return sleepCtx(ctx, wait)
	}
	return nil
}

// Inference routes one non-streaming LLM call.
func (r *Router) Inference(ctx context.Context, agent *config.AgentConfig, req InferenceRequest) (string, error) {
	var out string
	err := r.Do(ctx, config.ServiceLLM, agent, func(ctx context.Context, p Provider) error {
		s, err := p.Inference(ctx, req)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// InferenceStream routes a streaming LLM call. Rotation happens before the
// first chunk; once a provider starts streaming, mid-stream failures are
// delivered on the channel rather than rotated.
func (r *Router) InferenceStream(ctx context.Context, agent *config.AgentConfig, req InferenceRequest) (<-chan StreamChunk, error) {
	var out <-chan StreamChunk
	err := r.Do(ctx, config.ServiceLLM, agent, func(ctx context.Context, p Provider) error {
		ch, err := p.InferenceStream(ctx, req)
		if err != nil {
			return err
		}
		out = ch
		return nil
	})
	return out, err
}

// Embeddings routes one embedding call.
func (r *Router) Embeddings(ctx context.Context, agent *config.AgentConfig, text string) ([]float32, error) {
	var out []float32
	err := r.Do(ctx, config.ServiceEmbeddings, agent, func(ctx context.Context, p Provider) error {
		v, err := p.Embeddings(ctx, text)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// TextToSpeech routes one TTS call.
func (r *Router) TextToSpeech(ctx context.Context, agent *config.AgentConfig, text string) ([]byte, error) {
	var out []byte
	err := r.Do(ctx, config.ServiceTTS, agent, func(ctx context.Context, p Provider) error {
		b, err := p.TextToSpeech(ctx, text)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// Transcribe routes one audio transcription call.
func (r *Router) Transcribe(ctx context.Context, agent *config.AgentConfig, audio []byte) (string, error) {
	var out string
	err := r.Do(ctx, config.ServiceTranscription, agent, func(ctx context.Context, p Provider) error {
		s, err := p.Transcribe(ctx, audio)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// GenerateImage routes one image generation call.
func (r *Router) GenerateImage(ctx context.Context, agent *config.AgentConfig, prompt string) (string, error) {
	var out string
	err := r.Do(ctx, config.ServiceImage, agent, func(ctx context.Context, p Provider) error {
		s, err := p.GenerateImage(ctx, prompt)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
