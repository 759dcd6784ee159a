package trigger

import (
	"errors"
	"fmt"
)

// Errors surfaced by trigger operations. Check them with errors.Is.
var (
	// ErrValidation is returned when a trigger definition is malformed.
	// No listener is ever installed for a definition that fails validation.
	ErrValidation = errors.New("trigger: invalid definition")

	// ErrUnknownSchedule is returned when a schedule string cannot be resolved.
	// It matches ErrValidation as well.
	ErrUnknownSchedule = fmt.Errorf("%w: unresolvable schedule", ErrValidation)

	// ErrNotFound is returned when a trigger id is unknown.
	ErrNotFound = errors.New("trigger: not found")

	// ErrPersistence is returned when the trigger store is unavailable.
	ErrPersistence = errors.New("trigger: persistence failure")

	// ErrDispatch marks a failed collaborator call during action execution.
	// It is logged by the dispatcher and never returned to the bus or scheduler.
	ErrDispatch = errors.New("trigger: dispatch failed")
)
