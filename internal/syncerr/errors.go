// Package syncerr holds the error taxonomy shared by the sync engine.
package syncerr

import (
	"context"
	"errors"
	"fmt"

	"chat-sync/internal/models"
)

var (
	ErrNotFound         = errors.New("entity not found")
	ErrTombstoned       = errors.New("entity is tombstoned")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMutationTimeout  = errors.New("mutation timed out")
	ErrUnsubscribed     = errors.New("subscription closed")
)

// Kind classifies failures for the UI layer.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation"
)

// Classify maps an error onto the taxonomy. Anything unrecognised is transient.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return KindAuthorization
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTombstoned), errors.Is(err, ErrInvalidOperation):
		return KindValidation
	default:
		return KindTransient
	}
}

// IsTerminal reports whether retrying err cannot succeed.
func IsTerminal(err error) bool {
	switch Classify(err) {
	case KindAuthorization, KindValidation:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Validation wraps a sentinel with the offending entity.
func Validation(sentinel error, ref models.Ref, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", ref, fmt.Sprintf(format, args...), sentinel)
}

// Alert is delivered asynchronously to the UI when something failed in the
// background: a rolled-back mutation, a dead subscription.
type Alert struct {
	Kind       Kind       `json:"kind"`
	Ref        models.Ref `json:"ref"`
	MutationID string     `json:"mutation_id,omitempty"`
	Query      string     `json:"query,omitempty"`
	Message    string     `json:"message"`
	Err        error      `json:"-"`
}

func (a Alert) Error() string {
	if a.Err == nil {
		return a.Message
	}
	return a.Message + ": " + a.Err.Error()
}
