package service

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"syscall"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the fatal error then to the temporary
// else, priority to no error, then to the temporary and finally to the fatal error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}

// opInfo identifies the service, protocol version and operation an error relates to
type opInfo struct {
	Service   string
	Version   string
	Operation string
}

func (o opInfo) context() string {
	if o.Version == "" {
		return fmt.Sprintf("%s.%s", o.Service, o.Operation)
	}
	return fmt.Sprintf("%s(%s).%s", o.Service, o.Version, o.Operation)
}

// NetworkError is a transport or timeout failure. Temporary: page fetches may
// be retried; callers treat it as fatal for capability fetches.
type NetworkError struct {
	opInfo
	Err error
}

func NewNetworkError(service, version, operation string, err error) *NetworkError {
	return &NetworkError{opInfo{service, version, operation}, err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.context(), e.Err)
}
func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Temporary() bool { return true }

// ParseError is a malformed capability or response document. Never retried.
type ParseError struct {
	opInfo
	Err error
}

func NewParseError(service, version, operation string, err error) *ParseError {
	return &ParseError{opInfo{service, version, operation}, err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse error: %v", e.context(), e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is raised before any network call when a caller-supplied
// parameter is not backed by the advertised capabilities.
type ValidationError struct {
	opInfo
	Reason string
}

func NewValidationError(service, version, operation, format string, args ...interface{}) *ValidationError {
	return &ValidationError{opInfo{service, version, operation}, fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.context(), e.Reason)
}

// RetrievalError is a protocol failure mid-pagination, surfaced after retries
// are exhausted. Results already yielded remain valid.
type RetrievalError struct {
	opInfo
	Err error
	// Yielded is the number of records delivered before the failure
	Yielded int
}

func NewRetrievalError(service, version, operation string, yielded int, err error) *RetrievalError {
	return &RetrievalError{opInfo{service, version, operation}, err, yielded}
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("%s: retrieval aborted after %d records: %v", e.context(), e.Yielded, e.Err)
}
func (e *RetrievalError) Unwrap() error { return e.Err }

// IsValidation returns true if the error trace contains a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsParse returns true if the error trace contains a ParseError
func IsParse(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}
