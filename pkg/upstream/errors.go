package upstream

import (
	"fmt"
)

// Error represents a failed upstream listing request: a transport failure
// or any non-2xx status other than 429 (which is reported as
// *throttle.RateLimitedError instead).
type Error struct {
	StatusCode int
	Detail     string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("upstream error (status %d)", e.StatusCode)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}
