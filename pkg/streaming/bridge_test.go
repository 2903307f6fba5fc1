package streaming

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/pkg/providers"
)

func sourceOf(chunks ...providers.StreamChunk) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestBridgeForwardsInOrderAndAccumulates(t *testing.T) {
	b := New(context.Background(), sourceOf(
		providers.StreamChunk{Text: "hel"},
		providers.StreamChunk{Text: "lo "},
		providers.StreamChunk{Text: "world"},
	))

	var received []string
	for chunk := range b.Events() {
		received = append(received, chunk.Text)
	}

	summary := b.Wait()
	assert.Equal(t, []string{"hel", "lo ", "world"}, received)
	assert.Equal(t, "hello world", summary.Text)
	assert.False(t, summary.Partial)
	assert.NoError(t, summary.Err)
}

func TestBridgeDrainsAfterConsumerDetaches(t *testing.T) {
	source := make(chan providers.StreamChunk)
	b := New(context.Background(), source)

	go func() {
		for i := 0; i < 10; i++ {
			source <- providers.StreamChunk{Text: "x"}
		}
		close(source)
	}()

	// Consume three deltas, then disconnect.
	for i := 0; i < 3; i++ {
		<-b.Events()
	}
	b.Detach()

	summary := b.Wait()
	assert.Equal(t, "xxxxxxxxxx", summary.Text, "accumulation continues after disconnect")
	assert.False(t, summary.Partial)
}

func TestBridgeCancelledContextStopsDeliveryNotDraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan providers.StreamChunk)
	b := New(ctx, source)

	go func() {
		source <- providers.StreamChunk{Text: "a"}
		source <- providers.StreamChunk{Text: "b"}
		source <- providers.StreamChunk{Text: "c"}
		close(source)
	}()

	first := <-b.Events()
	assert.Equal(t, "a", first.Text)
	cancel()

	summary := b.Wait()
	assert.Equal(t, "abc", summary.Text)
}

func TestBridgeMidStreamErrorTagsPartial(t *testing.T) {
	b := New(context.Background(), sourceOf(
		providers.StreamChunk{Text: "partial "},
		providers.StreamChunk{Text: "answer"},
		providers.StreamChunk{Err: errors.New("upstream reset")},
	))

	var sawError bool
	for chunk := range b.Events() {
		if chunk.Err != nil {
			sawError = true
		}
	}

	summary := b.Wait()
	assert.True(t, sawError, "error frame is delivered to the consumer")
	assert.Equal(t, "partial answer", summary.Text)
	assert.True(t, summary.Partial)
	require.Error(t, summary.Err)
}

func TestBridgeErrorBeforeAnyTextIsNotPartial(t *testing.T) {
	b := New(context.Background(), sourceOf(
		providers.StreamChunk{Err: errors.New("refused")},
	))
	b.Detach()

	summary := b.Wait()
	assert.Empty(t, summary.Text)
	assert.False(t, summary.Partial, "no received text means nothing partial to tag")
	assert.Error(t, summary.Err)
}

func TestBridgeEventsCloseAfterSourceEnds(t *testing.T) {
	b := New(context.Background(), sourceOf(providers.StreamChunk{Text: "done"}))

	<-b.Events()
	select {
	case _, open := <-b.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
	assert.Equal(t, "done", b.Wait().Text)
}
