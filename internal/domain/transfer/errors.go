package transfer

import (
	"errors"
	"fmt"
)

// RetriableError marks a failure that is worth requeueing with backoff:
// connection problems, timeouts, transient partial failures. Anything not
// wrapped in a RetriableError is treated as fatal by the scheduler.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return e.Err.Error() }

func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as a retriable failure.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// Retriablef wraps a formatted error as a retriable failure.
func Retriablef(format string, args ...any) error {
	return &RetriableError{Err: fmt.Errorf(format, args...)}
}

// IsRetriable reports whether err is classified as retriable.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// Fatal resolution errors the task processor raises. They abort the task
// immediately with status FAILURE, no retry.
var (
	// ErrPatientNotFound indicates the patient query matched nothing.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrPatientAmbiguous indicates the patient query matched more than one
	// patient; resolution never silently picks one.
	ErrPatientAmbiguous = errors.New("ambiguous patient")

	// ErrPatientMismatch indicates the supplied name or birth date does not
	// match the patient resolved by ID.
	ErrPatientMismatch = errors.New("patient attributes do not match resolved patient")

	// ErrMissingPatientIdentifiers indicates neither a patient ID nor the
	// name+birth-date pair was supplied.
	ErrMissingPatientIdentifiers = errors.New("missing patient identifiers")

	// ErrNoUsableInformationModel indicates the peer supports no
	// Query/Retrieve information model usable for the given query.
	ErrNoUsableInformationModel = errors.New("no usable query/retrieve information model")
)
