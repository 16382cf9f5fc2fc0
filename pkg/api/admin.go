package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethpandaops/grantoor/pkg/access"
	"github.com/go-chi/chi/v5"
)

type extendRequest struct {
	Days int `json:"days"`
}

type setLimitRequest struct {
	Limit int `json:"limit"`
}

// principalParam parses the {id} URL parameter.
func principalParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid principal id", access.ErrInvalidArgument)
	}

	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", access.ErrInvalidArgument)
	}

	return nil
}

// handleListGrants lists every live grant.
func (s *server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	views, err := s.evaluator.ListActive(r.Context(), s.now())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	id, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	view, err := s.evaluator.Status(r.Context(), id, s.now())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleRevokeGrant removes a grant early.
func (s *server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	id, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	view, err := s.evaluator.Revoke(r.Context(), id, s.now())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleResetCounter(w http.ResponseWriter, r *http.Request) {
	id, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.evaluator.ResetCounter(r.Context(), id); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResetAllCounters(w http.ResponseWriter, r *http.Request) {
	n, err := s.evaluator.ResetAllCounters(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *server) handleExtendGrant(w http.ResponseWriter, r *http.Request) {
	id, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req extendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	expiry, err := s.evaluator.ExtendGrant(r.Context(), id, req.Days, s.now())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": id,
		"expires_at":   expiry,
	})
}

func (s *server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	id, err := principalParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req setLimitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.evaluator.SetLimit(r.Context(), id, req.Limit); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
