package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilter indicates filter criteria that failed validation.
	ErrInvalidFilter = errors.New("invalid filter criteria")

	// ErrExportDisabled indicates snapshot export is not configured.
	ErrExportDisabled = errors.New("snapshot export is not configured")

	// ErrInvalidCredentials indicates a failed dashboard login.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// FetchError is a transient failure talking to the upstream API: transport
// errors, timeouts and non-2xx responses. The cycle is not retried; the next
// scheduled refresh is.
type FetchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is (or wraps) a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
