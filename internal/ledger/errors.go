package ledger

import (
	"errors"
	"fmt"
)

// Business-state sentinels, matching spec.md §7's taxonomy. UserNotFound,
// NotEnoughMoney, InvalidState, and idempotent replay are successful
// outcomes of a call in the source spec's own words. Idempotent replay
// returns normally (nil error, original id); for the other three, Go's
// idiom is to surface them as errors.Is-checkable sentinels rather than an
// in-band enum; callers (internal/httpapi) translate them into the GenericOutput
// envelope rather than an HTTP error status.
var (
	ErrUserNotFound   = errors.New("ledger: user not found")
	ErrNotEnoughMoney = errors.New("ledger: not enough money")
	ErrInvalidState   = errors.New("ledger: invalid order state")
	ErrTransient      = errors.New("ledger: transient failure, retry")
	ErrInternal       = errors.New("ledger: internal error")
)

// BadParameterError names the offending field of a syntactic
// pre-validation failure.
type BadParameterError struct {
	Field string
}

func (e *BadParameterError) Error() string {
	return fmt.Sprintf("ledger: bad parameter: %s", e.Field)
}

func badParameter(field string) error {
	return &BadParameterError{Field: field}
}

// AsBadParameter reports whether err is a *BadParameterError and returns it.
func AsBadParameter(err error) (*BadParameterError, bool) {
	var bp *BadParameterError
	if errors.As(err, &bp) {
		return bp, true
	}
	return nil, false
}
