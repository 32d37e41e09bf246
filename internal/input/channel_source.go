// Package input provides completion-signal sources for the engine. A signal
// means "the current step's action has been performed"; it carries no payload
// beyond its origin, because verification is perception's job, not input's.
package input

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/coachmark-ai/coachmark-cli/api/schemas"
)

// ChannelSource is an in-process completion-signal source. The party that
// performs actions (a human operator's key listener, the browser autopilot,
// a test harness) publishes into it; the engine consumes from Signals().
type ChannelSource struct {
	logger *zap.Logger
	ch     chan schemas.CompletionSignal

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewChannelSource creates a source with the given buffer size. The buffer
// absorbs bursts between engine drain points; zero or negative sizes get a
// small default.
func NewChannelSource(buffer int, logger *zap.Logger) (*ChannelSource, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if buffer <= 0 {
		buffer = 8
	}
	return &ChannelSource{
		logger: logger.Named("input"),
		ch:     make(chan schemas.CompletionSignal, buffer),
	}, nil
}

// Start marks the source active. Publishing before Start is dropped.
func (s *ChannelSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("input source already stopped")
	}
	s.started = true
	return nil
}

// Signals returns the channel the engine listens on.
func (s *ChannelSource) Signals() <-chan schemas.CompletionSignal {
	return s.ch
}

// Publish enqueues a completion signal without blocking. When the buffer is
// full the signal is dropped: the engine drains stale signals at every step
// transition anyway, so a lost burst member never changes run behavior.
func (s *ChannelSource) Publish(sig schemas.CompletionSignal) {
	s.mu.Lock()
	active := s.started && !s.stopped
	s.mu.Unlock()
	if !active {
		s.logger.Debug("Dropping signal on inactive source", zap.String("source", string(sig.Source)))
		return
	}

	select {
	case s.ch <- sig:
	default:
		s.logger.Warn("Signal buffer full, dropping signal", zap.String("source", string(sig.Source)))
	}
}

// Stop deactivates the source. Safe to call multiple times; the signal
// channel is left open so a blocked engine read never panics.
func (s *ChannelSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}
