package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chatloop/internal/logging"
)

// requestLogLevel picks the level for one request's start and end lines.
// ?log= wins over X-Log-Level; "1" means debug. Unknown names fall back to
// the default.
func requestLogLevel(r *http.Request, def zerolog.Level) zerolog.Level {
	v := r.URL.Query().Get("log")
	if v == "" {
		v = r.Header.Get("X-Log-Level")
	}
	if v == "" {
		return def
	}
	if v == "1" {
		return zerolog.DebugLevel
	}
	lvl, err := logging.ParseLevel(v)
	if err != nil {
		return def
	}
	return lvl
}

// requestLogger logs the start and end of generation requests at the
// per-request level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r, s.logLevel)
		if lvl == zerolog.Disabled || lvl < s.log.GetLevel() {
			next.ServeHTTP(w, r)
			return
		}
		log := s.log.With().Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Logger()
		log.WithLevel(lvl).Msg("request start")
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		log.WithLevel(lvl).Int("status", sr.status).Dur("dur", time.Since(start)).Msg("request end")
	})
}
