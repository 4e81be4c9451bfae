package httpapi

import (
	"context"

	"github.com/rs/zerolog"

	"chatloop/internal/metrics"
)

// Body limits applied when Options leaves them unset.
const (
	DefaultMaxBodyBytes    int64 = 8 << 20
	DefaultMaxForwardBytes int64 = 1 << 30
)

// ForwardBodyBytes bounds a handoff body of up to members sequences of
// maxLen rows of width float32 values: base64 hidden states plus the
// per-member JSON.
func ForwardBodyBytes(members, maxLen, width int) int64 {
	raw := int64(members) * int64(maxLen) * int64(width) * 4
	return (raw+2)/3*4 + int64(members)*1024 + 64<<10
}

// Options configures a mux.
type Options struct {
	// BaseContext is canceled on shutdown; handlers abandon work when it is.
	BaseContext context.Context
	Logger      zerolog.Logger
	// Metrics enables the metrics middleware and GET /metrics when set.
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
	// MaxForwardBytes bounds POST /v1/forward, whose hidden states outgrow
	// MaxBodyBytes.
	MaxForwardBytes int64
	// RequestLogLevel is the default per-request log level ("off" when
	// empty); callers override it with ?log= or X-Log-Level.
	RequestLogLevel string
	CORS            CORSOptions
}

// CORSOptions is opt-in; when disabled no CORS middleware is added.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

func (o Options) withDefaults() Options {
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.MaxForwardBytes <= 0 {
		o.MaxForwardBytes = DefaultMaxForwardBytes
	}
	return o
}
