package app

import (
	"errors"
	"fmt"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

var (
	// ErrNotFound is returned when a tenant, attempt or credential does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrSettlementConflict is returned when a settlement reference disagrees with the recorded one.
	ErrSettlementConflict = errors.New("settlement reference conflicts with the recorded payment")
	// ErrAttemptClosed is returned when an attempt can no longer move forward; callers start a new one.
	ErrAttemptClosed = errors.New("payment attempt is closed, start a new payment")
	// ErrInvalidCredentials is returned for a failed login.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError is a user-correctable input problem detected before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// GatewayError means the payment gateway could not confirm a settlement.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// StoreError wraps a record store failure. The transaction was rolled back and
// the operation can be retried.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// translateStoreError maps repository sentinels onto the service error taxonomy.
func translateStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvalidDuration):
		return err
	case errors.Is(err, store.ErrTenantNotFound),
		errors.Is(err, store.ErrAttemptNotFound),
		errors.Is(err, store.ErrCredentialNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrSettlementConflict),
		errors.Is(err, store.ErrAttemptTenantMismatch):
		return fmt.Errorf("%s: %w", op, ErrSettlementConflict)
	case errors.Is(err, store.ErrAttemptClosed),
		errors.Is(err, store.ErrAttemptNotLinked):
		return fmt.Errorf("%s: %w", op, ErrAttemptClosed)
	case errors.Is(err, store.ErrRoleConflict):
		return &ValidationError{Field: "email", Message: "is already registered"}
	default:
		return &StoreError{Op: op, Err: err}
	}
}

// translateSettlementError is translateStoreError for writes of a settlement
// reference, where a unique violation means another attempt already holds it.
func translateSettlementError(op string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s: settlement reference used by another attempt: %w", op, ErrSettlementConflict)
	}
	return translateStoreError(op, err)
}
