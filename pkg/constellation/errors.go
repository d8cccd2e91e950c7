package constellation

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMPJEstimate is returned when RP lies too far from the
	// estimated mid-sagittal plane
	ErrBadMPJEstimate = errors.New("bad estimation for MPJ")

	// ErrUnreliableMSPEstimate is returned when the reflective correlation
	// of the MSP estimate is above the failure threshold
	ErrUnreliableMSPEstimate = errors.New("too large MSP estimation error")

	// ErrModelSequenceExhausted is returned when no linear model accepts
	// the current number of known landmarks
	ErrModelSequenceExhausted = errors.New("wrong number of parameters for linear model")

	// ErrEyeDetectionFailed is returned when eye centre detection failed
	// and the caller asked to abort in that case
	ErrEyeDetectionFailed = errors.New("eye centre detection failed")

	// ErrMissingInput is returned for an incomplete Input or Params
	ErrMissingInput = errors.New("missing detector input")
)

// StageError reports the state and landmark in which a run failed
type StageError struct {
	State    State
	Landmark string
	Err      error
}

func (e *StageError) Error() string {
	if e.Landmark != "" {
		return fmt.Sprintf("%s (%s): %v", e.State, e.Landmark, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
