package input

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

func signal() schemas.CompletionSignal {
	return schemas.CompletionSignal{Source: schemas.SignalInput, At: time.Now()}
}

func TestPublishDeliversAfterStart(t *testing.T) {
	s, err := NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.Publish(signal())

	select {
	case got := <-s.Signals():
		assert.Equal(t, schemas.SignalInput, got.Source)
	default:
		t.Fatal("expected a buffered signal")
	}
}

func TestPublishBeforeStartIsDropped(t *testing.T) {
	s, err := NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)

	s.Publish(signal())

	select {
	case <-s.Signals():
		t.Fatal("signal published before Start must not be delivered")
	default:
	}
}

func TestPublishAfterStopIsDropped(t *testing.T) {
	s, err := NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop() // idempotent

	s.Publish(signal())

	select {
	case <-s.Signals():
		t.Fatal("signal published after Stop must not be delivered")
	default:
	}
}

func TestPublishNeverBlocksWhenFull(t *testing.T) {
	s, err := NewChannelSource(1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			s.Publish(signal())
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	assert.Len(t, s.Signals(), 1)
}

func TestStartAfterStopFails(t *testing.T) {
	s, err := NewChannelSource(4, zap.NewNop())
	require.NoError(t, err)
	s.Stop()
	assert.Error(t, s.Start(context.Background()))
}

func TestNewChannelSourceValidates(t *testing.T) {
	_, err := NewChannelSource(4, nil)
	assert.Error(t, err)

	s, err := NewChannelSource(-1, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	// Negative buffer gets a usable default.
	s.Publish(signal())
	assert.Len(t, s.Signals(), 1)
}
