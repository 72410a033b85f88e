package syncmodel

import "errors"

// Sentinel errors shared across components. Handlers and clients classify
// failures into these buckets (§7); the dispatcher decides retry vs.
// fail-permanent from the classification alone.
var (
	ErrInvalidInput  = errors.New("syncmodel: invalid input")
	ErrNotFound      = errors.New("syncmodel: not found")
	ErrQueueFull     = errors.New("syncmodel: queue full")
	ErrDuplicate     = errors.New("syncmodel: duplicate envelope")
	ErrNotLeased     = errors.New("syncmodel: envelope not leased")
	ErrNotImplemented = errors.New("syncmodel: not implemented")
)

// TransientError wraps an upstream failure that is safe to retry: 429,
// 5xx, network timeouts. The dispatcher re-leases the envelope after a
// delay rather than moving it straight to failed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return "transient: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps an upstream failure that will not resolve on retry:
// 4xx other than 429, malformed payloads, schema violations. The dispatcher
// moves the envelope directly to failed.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	if e.Op == "" {
		return "permanent: " + e.Err.Error()
	}
	return "permanent: " + e.Op + ": " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// GoneError wraps a 404/gone response for a previously known entity. It is
// treated as a deletion by C6, not as a failure of the pipeline.
type GoneError struct {
	ExternalID string
}

func (e *GoneError) Error() string {
	return "gone: " + e.ExternalID
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func IsGone(err error) bool {
	var g *GoneError
	return errors.As(err, &g)
}
