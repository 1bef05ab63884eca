package retry

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
)

// StatusCoder is implemented by errors that carry an HTTP-equivalent status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError attaches a status code to an underlying error.
type StatusError struct {
	Code int
	Err  error
}

// NewStatusError wraps err with code.
func NewStatusError(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d (%s)", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode implements StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// StatusCode extracts the first status code found in err's chain.
func StatusCode(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// IsRetryable reports whether err carries one of codes.
func IsRetryable(err error, codes []int) bool {
	code, ok := StatusCode(err)
	if !ok {
		return false
	}
	return slices.Contains(codes, code)
}
