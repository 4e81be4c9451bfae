// Package errs defines the typed failures shared by workers, the router and
// the wire layer. Each kind has a constructor and an IsXxx predicate; kinds
// survive fmt.Errorf("%w") wrapping and round-trip across the wire via Kind
// and FromKind.
package errs

import (
	"errors"
	"fmt"
)

// Wire kinds.
const (
	KindLoad              = "load"
	KindNotFound          = "not_found"
	KindOverload          = "overload"
	KindTimeout           = "timeout"
	KindPipelineTransport = "pipeline_transport"
	KindCacheExhausted    = "cache_exhausted"
	KindCompute           = "compute"
	KindUnavailable       = "unavailable"
	KindInvalid           = "invalid"
	KindInternal          = "internal"
)

// loadError signals a malformed or truncated partition file.
type loadError struct {
	path string
	msg  string
}

func (e loadError) Error() string {
	if e.path == "" {
		return "load: " + e.msg
	}
	return fmt.Sprintf("load %s: %s", e.path, e.msg)
}

// ErrLoad constructs a load error for path.
func ErrLoad(path, format string, args ...any) error {
	return loadError{path: path, msg: fmt.Sprintf(format, args...)}
}

// IsLoad reports whether err is a partition load failure.
func IsLoad(err error) bool {
	var e loadError
	return errors.As(err, &e)
}

type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "not found: " + e.name }

// ErrNotFound returns an error for a missing tensor or resource name.
func ErrNotFound(name string) error { return notFoundError{name: name} }

// IsNotFound reports whether err indicates a missing name.
func IsNotFound(err error) bool {
	var e notFoundError
	return errors.As(err, &e)
}

// overloadError signals a full queue or an admission ceiling (return 429).
type overloadError struct{ reason string }

func (e overloadError) Error() string { return "overloaded: " + e.reason }

// ErrOverload constructs an overload error.
func ErrOverload(reason string) error { return overloadError{reason: reason} }

// IsOverload reports whether err indicates backpressure.
func IsOverload(err error) bool {
	var e overloadError
	return errors.As(err, &e)
}

type timeoutError struct{ what string }

func (e timeoutError) Error() string { return "timeout: " + e.what }

// ErrTimeout constructs a timeout error.
func ErrTimeout(what string) error { return timeoutError{what: what} }

// IsTimeout reports whether err indicates a queue wait or deadline overrun.
func IsTimeout(err error) bool {
	var e timeoutError
	return errors.As(err, &e)
}

// pipelineTransportError is returned once a handoff exhausted its retries.
type pipelineTransportError struct {
	endpoint string
	attempts int
	cause    error
}

func (e pipelineTransportError) Error() string {
	if e.endpoint == "" {
		return "pipeline transport: " + errString(e.cause)
	}
	return fmt.Sprintf("pipeline transport to %s failed after %d attempt(s): %s", e.endpoint, e.attempts, errString(e.cause))
}

func (e pipelineTransportError) Unwrap() error { return e.cause }

// ErrPipelineTransport constructs a pipeline transport error.
func ErrPipelineTransport(endpoint string, attempts int, cause error) error {
	return pipelineTransportError{endpoint: endpoint, attempts: attempts, cause: cause}
}

// IsPipelineTransport reports whether err is an exhausted handoff.
func IsPipelineTransport(err error) bool {
	var e pipelineTransportError
	return errors.As(err, &e)
}

type cacheExhaustedError struct {
	seq    uint64
	needed int64
	budget int64
}

func (e cacheExhaustedError) Error() string {
	if e.budget == 0 && e.needed == 0 {
		return fmt.Sprintf("kv cache exhausted for sequence %d", e.seq)
	}
	return fmt.Sprintf("kv cache exhausted for sequence %d: need %d bytes, budget %d", e.seq, e.needed, e.budget)
}

// ErrCacheExhausted constructs a cache exhaustion error for one sequence.
func ErrCacheExhausted(seq uint64, needed, budget int64) error {
	return cacheExhaustedError{seq: seq, needed: needed, budget: budget}
}

// IsCacheExhausted reports whether err indicates the KV budget was exceeded.
func IsCacheExhausted(err error) bool {
	var e cacheExhaustedError
	return errors.As(err, &e)
}

type computeError struct{ msg string }

func (e computeError) Error() string { return "compute: " + e.msg }

// ErrCompute constructs a numeric or shape fault during a forward pass.
func ErrCompute(format string, args ...any) error {
	return computeError{msg: fmt.Sprintf(format, args...)}
}

// IsCompute reports whether err is a compute fault.
func IsCompute(err error) bool {
	var e computeError
	return errors.As(err, &e)
}

type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return "unavailable: " + e.msg }

// ErrUnavailable signals that no healthy capacity exists (return 503).
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates missing capacity.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

type invalidError struct{ msg string }

func (e invalidError) Error() string { return "invalid request: " + e.msg }

// ErrInvalid constructs a request validation error.
func ErrInvalid(format string, args ...any) error {
	return invalidError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalid reports whether err is a validation error.
func IsInvalid(err error) bool {
	var e invalidError
	return errors.As(err, &e)
}

// remoteError carries a message received from a peer whose kind has no
// local constructor.
type remoteError struct{ msg string }

func (e remoteError) Error() string { return e.msg }

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
