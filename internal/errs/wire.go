package errs

import (
	"context"
	"errors"
	"net/http"
)

// KindCanceled marks work abandoned because its caller went away.
const KindCanceled = "canceled"

// statusClientClosed is the conventional status for a caller that hung up.
const statusClientClosed = 499

// Kind maps err to its wire kind. Unknown errors map to KindInternal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsLoad(err):
		return KindLoad
	case IsNotFound(err):
		return KindNotFound
	case IsOverload(err):
		return KindOverload
	case IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsPipelineTransport(err):
		return KindPipelineTransport
	case IsCacheExhausted(err):
		return KindCacheExhausted
	case IsCompute(err):
		return KindCompute
	case IsUnavailable(err):
		return KindUnavailable
	case IsInvalid(err):
		return KindInvalid
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// wireError is a failure rebuilt from a peer's {kind, message} payload.
// It prints the peer's message verbatim and unwraps to the typed error so
// the IsXxx predicates keep working.
type wireError struct {
	msg   string
	typed error
}

func (e wireError) Error() string { return e.msg }
func (e wireError) Unwrap() error { return e.typed }

// FromKind rebuilds an error received from a peer.
func FromKind(kind, msg string) error {
	if kind == "" {
		return nil
	}
	var typed error
	switch kind {
	case KindLoad:
		typed = loadError{msg: msg}
	case KindNotFound:
		typed = notFoundError{name: msg}
	case KindOverload:
		typed = overloadError{reason: msg}
	case KindTimeout:
		typed = timeoutError{what: msg}
	case KindPipelineTransport:
		typed = pipelineTransportError{cause: remoteError{msg: msg}}
	case KindCacheExhausted:
		typed = cacheExhaustedError{}
	case KindCompute:
		typed = computeError{msg: msg}
	case KindUnavailable:
		typed = unavailableError{msg: msg}
	case KindInvalid:
		typed = invalidError{msg: msg}
	case KindCanceled:
		typed = context.Canceled
	default:
		typed = remoteError{msg: msg}
	}
	return wireError{msg: msg, typed: typed}
}

// StatusCode maps err to the HTTP status returned to clients.
func StatusCode(err error) int {
	switch Kind(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindOverload:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPipelineTransport:
		return http.StatusBadGateway
	case KindCacheExhausted:
		return http.StatusInsufficientStorage
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalid:
		return http.StatusBadRequest
	case KindCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}
