package model

import (
	"errors"
	"fmt"
)

var (
	// ErrResolutionNotFound is returned when a logical name has no matching physical resource
	ErrResolutionNotFound = errors.New("resource not found")

	// ErrResolutionIncomplete is returned when a target is missing required fields
	ErrResolutionIncomplete = errors.New("target incomplete")

	// ErrLaunchRejected is returned when the platform refuses a task submission
	ErrLaunchRejected = errors.New("task launch rejected")

	// ErrMetricFetchFailed is returned when a metric sum cannot be read
	ErrMetricFetchFailed = errors.New("metric fetch failed")

	// ErrTaskNeverTerminal is returned when polling gives up before the task stops
	ErrTaskNeverTerminal = errors.New("task did not reach a terminal state")
)

// Missing target fields reported by ResolutionError
const (
	FieldCluster              = "cluster"
	FieldTaskDefinition       = "task_definition"
	FieldNetworkConfiguration = "network_configuration"
)

// ResolutionError reports a rule target that cannot be launched as-is.
// Raw holds the provider payload so an operator can inspect it.
type ResolutionError struct {
	Rule  string
	Field string
	Raw   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("rule %s: target missing %s", e.Rule, e.Field)
}

// Is matches ErrResolutionIncomplete
func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolutionIncomplete
}
