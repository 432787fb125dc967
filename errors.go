package compcache

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable classifies transport failures: the cache service could
	// not be reached or the connection broke mid-request. Distinct from a
	// failed computation so callers can tell the two apart.
	ErrUnavailable = errors.New("compcache: cache unavailable")

	// ErrInvalidAssignment is returned when an assignment id is unknown to
	// the server, typically because the lease timed out and was reassigned.
	// A lease holder seeing this must abandon its write-back.
	ErrInvalidAssignment = errors.New("compcache: invalid assignment id")

	// ErrInvalidHandle is returned when a reader handle id is unknown to the
	// server.
	ErrInvalidHandle = errors.New("compcache: invalid reader handle")
)

// PanicError wraps the recovered value of a generation function that aborted
// abnormally. Panics resolve the waiting handle instead of leaving readers
// blocked, and are never written to a cache slot.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("compcache: generation panicked: %v", e.Value)
}

// CachedError is a generation error that was serialized into a cache slot by
// one of the error-caching entry points. Later lookups of the same key return
// it without re-running the generator.
type CachedError struct {
	Message string
}

func (e *CachedError) Error() string {
	return "compcache: cached generation error: " + e.Message
}

// TransportError records a failed exchange with the cache service.
// errors.Is(err, ErrUnavailable) matches it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("compcache: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrUnavailable }

// capture runs fn and converts a panic into a *PanicError result.
func capture[V any](fn func() (V, error)) (out V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			out, err = zero, &PanicError{Value: r}
		}
	}()
	return fn()
}
