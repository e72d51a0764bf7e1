package cqrs

import (
	"errors"

	"github.com/codewandler/eventrepo/core/es"
)

var (
	// ErrUserError wraps errors returned by Aggregate.Handle.
	ErrUserError = errors.New("command rejected")
	// ErrAggregateConflict is returned when retries are exhausted and the
	// aggregate still moved under the command.
	ErrAggregateConflict = es.ErrOptimisticLock
	ErrSequenceGap       = errors.New("sequence gap in stream")
)

// IsUserError reports whether err is a rejected command.
func IsUserError(err error) bool { return errors.Is(err, ErrUserError) }
