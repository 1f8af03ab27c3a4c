package rasterfetch

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBody is recorded on a tile whose 2xx response carried no bytes.
	ErrEmptyBody = errors.New("empty tile payload")

	// ErrUnexpectedStatus wraps every non-success HTTP status.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrClosed is recorded on tiles enqueued after the queue was closed.
	ErrClosed = errors.New("fetch queue closed")

	errDigestMismatch = errors.New("digest mismatch")
)

// StatusError carries the HTTP status of a failed tile request.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }
