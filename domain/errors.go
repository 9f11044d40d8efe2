package domain

import (
	"errors"
	"fmt"
)

// Business-rule rejections. None of these are retried automatically:
// repeating the same request cannot change the outcome.
var (
	ErrNotFound            = errors.New("not found")
	ErrExpiredPrescription = errors.New("prescription has expired")
	ErrCannotDispense      = errors.New("prescription cannot be dispensed")
)

// ValidationError marks a malformed request the caller must correct.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// AlreadyDispensedError names the prescription items that were requested
// but have already transitioned to dispensed.
type AlreadyDispensedError struct {
	ItemIDs []int64
}

func (e *AlreadyDispensedError) Error() string {
	return fmt.Sprintf("prescription items already dispensed: %v", e.ItemIDs)
}

// InsufficientStockError names every medicine whose current stock cannot
// cover the requested quantity. The whole dispense is aborted.
type InsufficientStockError struct {
	MedicineIDs []int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for medicines: %v", e.MedicineIDs)
}

// InfrastructureError wraps a storage or transport failure. Unlike the
// business rejections above it is safe to retry, because every dispense is
// idempotent on its key.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Infra wraps err as an InfrastructureError. Returns nil for a nil err.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient infrastructure failure.
// Business-rule rejections are terminal for the attempt.
func IsRetryable(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}
