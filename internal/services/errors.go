package services

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Billing error taxonomy. Callers classify with errors.Is.
var (
	// ErrUnauthenticated: bad or missing webhook signature. Nothing was mutated.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound: unknown subscriber or reference. Not retried.
	ErrNotFound = errors.New("not found")
	// ErrRejected: the gateway declined the payment or the request. Terminal.
	ErrRejected = errors.New("rejected by gateway")
	// ErrConflict: ledger row already terminal in an incompatible state.
	ErrConflict = errors.New("conflict")
	// ErrTransient: network or datastore hiccup. The whole operation is safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrInvalidInput: malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// storeError classifies a datastore error.
func storeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
