package pipeline

import (
	"errors"
	"fmt"
)

// PlacementUnavailableError indicates that a placement could not be turned
// into a live execution handle.
type PlacementUnavailableError struct {
	// Dimension is the placement dimension that failed: node, partition or container.
	Dimension string
	// Value is the requested value for Dimension.
	Value string
	// Reason describes why the dimension could not be satisfied.
	Reason string
}

func (e *PlacementUnavailableError) Error() string {
	if e == nil {
		return "placement unavailable"
	}
	return fmt.Sprintf("placement unavailable: %s %q: %s", e.Dimension, e.Value, e.Reason)
}

// IsPlacementUnavailableError reports whether err is a PlacementUnavailableError.
func IsPlacementUnavailableError(err error) bool {
	var target *PlacementUnavailableError
	return errors.As(err, &target)
}

// ActionFailureError indicates that an action exited non-zero or could not start.
type ActionFailureError struct {
	// Stage is the owning stage name.
	Stage string
	// Action is the action name.
	Action string
	// ExitCode is the process exit code, or -1 when the process did not exit normally.
	ExitCode int
	// Err is the underlying error, if any.
	Err error
}

func (e *ActionFailureError) Error() string {
	if e == nil {
		return "action failed"
	}
	msg := fmt.Sprintf("stage %q action %q failed", e.Stage, e.Action)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionFailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsActionFailureError reports whether err is an ActionFailureError.
func IsActionFailureError(err error) bool {
	var target *ActionFailureError
	return errors.As(err, &target)
}

// ThresholdExceededError indicates that a test or analysis count exceeded its limit.
type ThresholdExceededError struct {
	// Kind names the counter, e.g. "test failures" or "warnings".
	Kind string
	// Count is the observed value.
	Count int
	// Threshold is the configured maximum.
	Threshold int
}

func (e *ThresholdExceededError) Error() string {
	if e == nil {
		return "threshold exceeded"
	}
	return fmt.Sprintf("%s threshold exceeded: %d > %d", e.Kind, e.Count, e.Threshold)
}

// IsThresholdExceededError reports whether err is a ThresholdExceededError.
func IsThresholdExceededError(err error) bool {
	var target *ThresholdExceededError
	return errors.As(err, &target)
}

// CleanupFailureError wraps a teardown failure. It is logged, never returned
// from a pipeline run.
type CleanupFailureError struct {
	// Action is the cleanup action name, empty for a panic in the teardown itself.
	Action string
	// Err is the underlying failure.
	Err error
}

func (e *CleanupFailureError) Error() string {
	if e == nil {
		return "cleanup failed"
	}
	if e.Action == "" {
		return fmt.Sprintf("cleanup failed: %v", e.Err)
	}
	return fmt.Sprintf("cleanup action %q failed: %v", e.Action, e.Err)
}

func (e *CleanupFailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsCleanupFailureError reports whether err is a CleanupFailureError.
func IsCleanupFailureError(err error) bool {
	var target *CleanupFailureError
	return errors.As(err, &target)
}
