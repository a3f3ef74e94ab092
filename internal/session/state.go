package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the single active session.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Generating
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Generating:
		return "generating"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var (
	// ErrBusy is returned when a command conflicts with the active operation.
	ErrBusy = errors.New("session busy")

	// ErrNotReady is returned by RequestCompletion when no model is loaded.
	ErrNotReady = errors.New("no model loaded")

	// ErrUnknownArtifact is returned when a load names no catalog entry.
	ErrUnknownArtifact = errors.New("unknown artifact")

	// ErrCancelled is the failure reason after CancelCurrentOperation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrClosed is returned by commands issued after Run has returned.
	ErrClosed = errors.New("orchestrator closed")
)

// FailureKind names the operation that put the session into Failed.
type FailureKind int

const (
	FailDownload FailureKind = iota
	FailLoad
	FailGenerate
)

func (k FailureKind) String() string {
	switch k {
	case FailDownload:
		return "download"
	case FailLoad:
		return "load"
	case FailGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// FailureError is the reason attached to the Failed state.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
