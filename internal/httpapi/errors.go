package httpapi

import (
	"net/http"

	json "github.com/goccy/go-json"

	"chatloop/internal/errs"
	"chatloop/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// writeError maps a typed error to its status and payload.
func (s *server) writeError(w http.ResponseWriter, err error) int {
	status := errs.StatusCode(err)
	kind := errs.Kind(err)
	if status == http.StatusTooManyRequests && s.opts.Metrics != nil {
		s.opts.Metrics.HTTP.Backpressure.WithLabelValues(kind).Inc()
	}
	writeJSONError(w, status, kind, err.Error())
	return status
}
