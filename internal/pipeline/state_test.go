package pipeline

import (
	"errors"
	"testing"
)

func TestTransitionSuccessPath(t *testing.T) {
	states := States()
	for i := 0; i < len(states)-1; i++ {
		if err := Transition(states[i], states[i+1]); err != nil {
			t.Errorf("Transition(%s, %s): %v", states[i], states[i+1], err)
		}
	}
}

func TestTransitionToFailed(t *testing.T) {
	for _, s := range States() {
		err := Transition(s, StateFailed)
		if s.Terminal() {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition(%s, failed) = %v, want %v", s, err, ErrInvalidTransition)
			}
			continue
		}
		if err != nil {
			t.Errorf("Transition(%s, failed): %v", s, err)
		}
	}
}

func TestTransitionRejected(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{StateCheckout, StateBuild},
		{StateAuthenticate, StateTag},
		{StateBuild, StatePushSHA},
		{StateTag, StatePushLatest},
		{StatePushSHA, StateDone},
		{StatePushLatest, StatePushSHA},
		{StateDone, StateCheckout},
		{StateFailed, StateCheckout},
		{StateFailed, StateFailed},
		{State("bogus"), StateFailed},
	}
	for _, tt := range tests {
		if err := Transition(tt.from, tt.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s) = %v, want %v", tt.from, tt.to, err, ErrInvalidTransition)
		}
	}
}

func TestTransitionDryRun(t *testing.T) {
	if err := Transition(StateTag, StateDone); err != nil {
		t.Fatalf("Transition(tag, done): %v", err)
	}
}

func TestPushErrorMatches(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&PushError{Ref: "registry.example.com/a/b:latest", Err: cause})

	if !errors.Is(err, ErrPush) || !errors.Is(err, cause) {
		t.Fatalf("PushError does not match class and cause: %v", err)
	}

	var pe *PushError
	if !errors.As(err, &pe) || pe.Ref != "registry.example.com/a/b:latest" {
		t.Fatalf("errors.As did not recover the ref: %+v", pe)
	}
}
