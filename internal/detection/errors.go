// Package detection orchestrates the signature, hash reputation, and
// beaconing detectors over a telemetry batch and normalizes their output
// into findings.
package detection

import (
	"errors"
	"fmt"
)

// ErrInput marks a per-item telemetry failure (unreadable file, malformed
// record). Reported per item; never aborts the batch.
var ErrInput = errors.New("detection: input error")

// ItemError records a per-item failure inside a batch. The batch result
// carries these alongside the findings; partial success is the normal case.
type ItemError struct {
	// Indicator is the file path, process id, or destination the failure
	// relates to.
	Indicator string
	// Detector names the stage that failed: signature, hash, or beaconing.
	Detector string
	Err      error
}

// Error returns the error message.
func (e *ItemError) Error() string {
	return fmt.Sprintf("detection: %s(%s): %v", e.Detector, e.Indicator, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ItemError) Unwrap() error { return e.Err }
