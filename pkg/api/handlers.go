package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/ethpandaops/grantoor/pkg/dispatch"
)

const maxEventBytes = 64 << 10

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// eventResponse is the dispatch result plus, on failure, a reply text the
// gateway can show to the originator.
type eventResponse struct {
	dispatch.Result
	Error string `json:"error,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// statusFor maps access core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrNotFound), errors.Is(err, access.ErrExpired):
		return http.StatusNotFound
	case errors.Is(err, access.ErrInvalidArgument), errors.Is(err, dispatch.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Internal failures are
// logged and reported without detail.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	if status == http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, status, errorResponse{"internal error"})

		return
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent routes one gateway event through the dispatcher.
func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.Event

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if !s.eventLimiter.allow(eventKey(r, ev)) {
		writeJSON(w, http.StatusTooManyRequests,
			errorResponse{"rate limit exceeded"})

		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), ev)
	if err == nil {
		writeJSON(w, http.StatusOK, eventResponse{Result: result})

		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("kind", ev.Kind).
			WithField("principal_id", ev.PrincipalID).
			Error("Event handling failed")
	}

	result.Kind = ev.Kind
	if result.Reply == "" {
		result.Reply = dispatch.ErrorReply(err)
	}

	writeJSON(w, status, eventResponse{
		Result: result,
		Error:  dispatch.ErrorReply(err),
	})
}

// now is the clock used by admin handlers.
func (s *server) now() time.Time {
	return time.Now()
}
