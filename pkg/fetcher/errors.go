package fetcher

import (
	"errors"
)

// Errors surfaced by the facade.
var (
	// ErrInvalidKey is returned when the caller's place id fails validation
	// (non-numeric). The pool store is never touched.
	ErrInvalidKey = errors.New("invalid place id")

	// ErrNoCache is returned by a keyed clear when no pool exists for the
	// place id.
	ErrNoCache = errors.New("no cache for place")
)
