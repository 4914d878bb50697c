package esi

import (
	"errors"
	"fmt"
)

// ErrMalformedDirective is the root of every error caused by a directive
// that could not be interpreted. A malformed include is treated like a
// failed fetch: it is subject to its own onerror policy.
var ErrMalformedDirective = errors.New("malformed directive")

var (
	ErrMissingSrc      = fmt.Errorf("%w: include is missing required attribute src", ErrMalformedDirective)
	ErrUnterminatedTag = fmt.Errorf("%w: unterminated tag at end of input", ErrMalformedDirective)
	ErrIncludeDepth    = fmt.Errorf("%w: maximum include depth exceeded", ErrMalformedDirective)
)

// ErrInvalidLocator is returned when an include locator cannot be turned
// into a fragment request URL.
var ErrInvalidLocator = errors.New("invalid fragment locator")

// StatusError reports a fragment response with a non-2xx status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received unexpected status code for fragment %q: %d", e.URL, e.StatusCode)
}

// FragmentError is the terminal error of a processing run. It names the
// include whose unrecoverable failure reached the emission frontier. Output
// written before that include stands; nothing at or after it was written.
type FragmentError struct {
	// Src is the primary locator of the failed include, empty if the
	// directive had none.
	Src string
	// Seq is the sequence index of the include in its document.
	Seq int
	Err error
}

func (e *FragmentError) Error() string {
	if e.Src == "" {
		return fmt.Sprintf("esi include #%d: %v", e.Seq, e.Err)
	}
	return fmt.Sprintf("esi include %q: %v", e.Src, e.Err)
}

func (e *FragmentError) Unwrap() error {
	return e.Err
}
