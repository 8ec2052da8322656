package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says what the mediator does with a failed record: retry it,
// report and skip it, or stop the pipeline.
type ErrorClass int

const (
	// ErrorTransient failures are retried from the last committed state.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid failures come from records that can never be applied.
	ErrorInvalid
	// ErrorFatal failures mean the deployment is wrong and polling must stop.
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrShuttingDown   = errors.New("shutting down")

	// Records whose payload cannot be decoded or has no handler.
	ErrInvalidData = errors.New("invalid data format")
	ErrUnknownType = errors.New("unknown payload type")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStoreTimeout       = errors.New("state store operation timed out")
	ErrVersionConflict    = errors.New("state version conflict")
	ErrKeyNotFound        = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// ErrNoRoute means a processor emitted a payload type no sink is
	// registered for.
	ErrNoRoute = errors.New("no route configured for payload type")
)

// ClassifiedError carries the class chosen at the point of failure, so
// callers further up do not have to guess from the message text.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Err == nil {
		return ce.Class.String() + " error"
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether a record failing with err should be retried.
// Store outages, version conflicts and deadlines count as transient, as does
// any message mentioning a timeout or an unavailable connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether err means the pipeline cannot go on.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrNoRoute)
}

// IsInvalid reports whether err comes from a record that can never be applied.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrUnknownType)
}

// Classify returns the class of err. Anything unrecognised is transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap prefixes err as "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient is Wrap with the transient class attached.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal is Wrap with the fatal class attached.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid is Wrap with the invalid class attached.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
