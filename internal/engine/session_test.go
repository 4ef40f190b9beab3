package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/aircast-audio/aircast/pkg/audio"
)

func startedSession(t *testing.T) *Session {
	t.Helper()
	s := newSession(sessionConfig{
		id:    "s1",
		owner: "gia",
		pipeline: newPipeline(pipelineConfig{
			enhancer:   audio.PassThrough{},
			sampleRate: 48000,
			log:        testLogger(),
		}),
		unregister: func(*Session) {},
		log:        testLogger(),
	})
	s.start(context.Background())
	return s
}

func TestClosedSessionReturnsClosedError(t *testing.T) {
	s := startedSession(t)
	s.RequestStop(context.Background(), "test teardown")

	if got := s.State(); got != StateClosed {
		t.Fatalf("State() = %v after teardown, want %v", got, StateClosed)
	}
	if err := s.PushFrame(audio.Frame{SampleRate: 48000}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("PushFrame on closed session err = %v, want ErrSessionClosed", err)
	}
	if _, err := s.AddListener("late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("AddListener on closed session err = %v, want ErrSessionClosed", err)
	}
}

func TestDoneSignalsAfterTeardown(t *testing.T) {
	s := startedSession(t)

	select {
	case <-s.Done():
		t.Fatal("Done() closed before any stop trigger fired")
	default:
	}

	s.RequestStop(context.Background(), "test teardown")

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after teardown completed")
	}
}
