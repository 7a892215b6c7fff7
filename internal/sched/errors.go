package sched

import "errors"

var (
	// ErrNoTasks is returned when a schedule rebuild runs against an empty
	// task set. The plan is undefined without at least one period, so this
	// fails fast instead of computing against garbage.
	ErrNoTasks = errors.New("scheduler has no tasks")

	// ErrInvalidPeriod rejects non-positive periods at registration.
	// They are never silently coerced.
	ErrInvalidPeriod = errors.New("task period must be positive")

	// ErrDestroyed is returned by operations on a destroyed scheduler.
	// Destroy is terminal; the instance is not reusable.
	ErrDestroyed = errors.New("scheduler destroyed")

	ErrNilCallback = errors.New("task callback required")
	ErrEmptyName   = errors.New("task name required")
)
