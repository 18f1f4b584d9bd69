package server

import (
	"net/http"

	"github.com/streamcache/streamcache/internal/keys"
)

type CachedResultResponse struct {
	Fingerprint keys.Fingerprint `json:"fingerprint,string"`
	Values      []any            `json:"values"`
}

// GetCachedResult answers the completed result of the fingerprint, or 404 Not Found.
func (s *Server) GetCachedResult(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprint(w, r)
	if !ok {
		return
	}

	values, err := s.coordinator.GetCachedResult(r.Context(), fp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if values == nil {
		values = []any{}
	}

	writeJSON(w, http.StatusOK, CachedResultResponse{Fingerprint: fp, Values: values})
}

// InvalidateCachedResult deletes the cache entry of the fingerprint, whatever its state.
func (s *Server) InvalidateCachedResult(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.fingerprint(w, r)
	if !ok {
		return
	}

	if err := s.coordinator.Invalidate(r.Context(), fp); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
