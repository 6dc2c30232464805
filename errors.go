package vdb

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the facade and its components, per spec.md §7.
var (
	ErrInvalidArgument          = errors.New("vdb: invalid argument")
	ErrNotFound                 = errors.New("vdb: not found")
	ErrAlreadyExists            = errors.New("vdb: already exists")
	ErrDimensionMismatch        = errors.New("vdb: dimension mismatch")
	ErrInsufficientTrainingData = errors.New("vdb: insufficient training data")
	ErrNotTrained               = errors.New("vdb: quantizer not trained")
	ErrDeadlineExceeded         = errors.New("vdb: deadline exceeded")
	ErrUnsupportedVersion       = errors.New("vdb: unsupported version")
	ErrCorruption               = errors.New("vdb: data corruption detected")
	ErrIoError                  = errors.New("vdb: io error")
	ErrExhausted                = errors.New("vdb: resource exhausted")

	errDbClosed = errors.New("vdb: database is closed")
)

// StoreError wraps an error with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("vdb: %v", e.Err)
	}
	return fmt.Sprintf("vdb: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps err with operation context op, matching pkg/core/store_crud.go's idiom.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
