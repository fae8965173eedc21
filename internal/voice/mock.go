package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockProvider synthesizes "audio" that is just the UTF-8 bytes of the
// text. It is used for local runs and tests.
type MockProvider struct {
	// StartDelay simulates a slow handshake.
	StartDelay time.Duration
	// StartErr makes StartStream fail.
	StartErr error
	// FailAfter emits an error event instead of the Nth audio chunk when > 0.
	FailAfter int
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartStream(ctx context.Context, _ TTSOptions) (TTSStream, error) {
	if p.StartDelay > 0 {
		t := time.NewTimer(p.StartDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	return &mockTTSStream{
		events:    make(chan TTSEvent, 256),
		done:      make(chan struct{}),
		failAfter: p.FailAfter,
	}, nil
}

var errMockStreamClosed = errors.New("mock tts stream closed")

type mockTTSStream struct {
	mu        sync.Mutex
	events    chan TTSEvent
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	finished  bool
	sent      int
	failAfter int
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return errMockStreamClosed
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.sent++
	if s.failAfter > 0 && s.sent >= s.failAfter {
		s.emit(TTSEvent{Type: TTSEventError, Code: "mock_failure", Detail: "injected failure"})
		s.finish()
		return nil
	}
	s.emit(TTSEvent{Type: TTSEventSentence, Text: text})
	s.emit(TTSEvent{Type: TTSEventAudio, Audio: []byte(text)})
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished {
		return nil
	}
	s.emit(TTSEvent{Type: TTSEventFinal})
	s.finish()
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.finish()
	return nil
}

// emit and finish must be called with mu held.
func (s *mockTTSStream) emit(ev TTSEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *mockTTSStream) finish() {
	if !s.finished {
		s.finished = true
		close(s.events)
	}
}
