// Package streaming bridges provider streams to HTTP responders. The
// bridge always drains the provider to completion so the conversation
// entry can be written even when the caller disconnects mid-stream.
package streaming

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-ai/ensemble/pkg/providers"
)

// Summary is the terminal state of one bridged stream.
type Summary struct {
	// Text is the full accumulated response, regardless of how much the
	// consumer actually received.
	Text string

	// Partial is set when the provider failed mid-stream; Text then holds
	// whatever arrived before the failure.
	Partial bool

	Err error
}

// Bridge forwards provider deltas to a consumer while accumulating the
// full text on a worker goroutine. Ordering is FIFO.
type Bridge struct {
	events chan providers.StreamChunk
	group  *errgroup.Group

	detachOnce sync.Once
	detached   chan struct{}

	mu      sync.Mutex
	text    strings.Builder
	partial bool
	err     error
}

// New starts bridging the source stream. The worker runs until the source
// closes; cancelling ctx stops delivery but draining continues so the
// accumulated text stays complete.
func New(ctx context.Context, source <-chan providers.StreamChunk) *Bridge {
	b := &Bridge{
		events:   make(chan providers.StreamChunk),
		detached: make(chan struct{}),
	}
	b.group, _ = errgroup.WithContext(context.Background())

	b.group.Go(func() error {
		defer close(b.events)
		for chunk := range source {
			if chunk.Err != nil {
				b.mu.Lock()
				b.err = chunk.Err
				b.partial = b.text.Len() > 0
				b.mu.Unlock()
				b.deliver(ctx, chunk)
				continue
			}

			b.mu.Lock()
			b.text.WriteString(chunk.Text)
			b.mu.Unlock()
			b.deliver(ctx, chunk)
		}
		return nil
	})
	return b
}

// deliver forwards one chunk unless the consumer is gone; in that case
// the chunk is dropped and draining continues without backpressure.
func (b *Bridge) deliver(ctx context.Context, chunk providers.StreamChunk) {
	select {
	case <-b.detached:
		return
	case <-ctx.Done():
		b.Detach()
		return
	case b.events <- chunk:
	}
}

// Events is the consumer-facing stream. It closes when the provider
// stream ends. A terminal provider error arrives as a chunk with Err set.
func (b *Bridge) Events() <-chan providers.StreamChunk {
	return b.events
}

// Detach tells the bridge the consumer is gone. Remaining deltas are
// discarded instead of delivered; accumulation is unaffected.
func (b *Bridge) Detach() {
	b.detachOnce.Do(func() { close(b.detached) })
}

// Wait blocks until the provider stream has been fully drained and
// returns the accumulated result.
func (b *Bridge) Wait() Summary {
	_ = b.group.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Summary{
		Text:    b.text.String(),
		Partial: b.partial,
		Err:     b.err,
	}
}
