// Package cierr defines the error taxonomy shared across the engine.
package cierr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates a malformed workflow definition or engine
	// configuration. Surfaced at load time; no run is started.
	ErrConfiguration = errors.New("configuration error")

	// ErrCancelled indicates an instance halted because its run was
	// superseded or cancelled. Not a failure.
	ErrCancelled = errors.New("run cancelled")

	// ErrPublish indicates an artifact publish failed. Logged and reported,
	// never alters the producing instance's status.
	ErrPublish = errors.New("artifact publish failed")

	// ErrInternal indicates an unexpected fault in the coordinator itself.
	// Fatal for the run; the run reports an errored status.
	ErrInternal = errors.New("internal scheduling error")

	// ErrRunNotFound indicates the requested run doesn't exist
	ErrRunNotFound = errors.New("run not found")

	// ErrWorkflowNotFound indicates the requested workflow isn't registered
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound indicates the requested job instance doesn't exist
	ErrInstanceNotFound = errors.New("job instance not found")

	// ErrStepNotFound indicates the requested step index is out of range
	ErrStepNotFound = errors.New("step not found")
)

// Configf wraps ErrConfiguration with a formatted message
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Internalf wraps ErrInternal with a formatted message
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
