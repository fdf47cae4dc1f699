package api

import (
	"encoding/json"
	"net/http"

	"github.com/coordcore/coordinator/internal/coord"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req coord.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrBadRequest, "invalid dispatch payload")
		return
	}

	result, failure := s.coordinator.Dispatch(r.Context(), &req)
	if failure != nil {
		writeErrorDetails(w, failureStatus(failure.Kind), failure.Kind, failure.Message, map[string]interface{}{
			"trail":    failure.Trail,
			"excluded": failure.Excluded,
		})
		return
	}
	writeData(w, http.StatusOK, result)
}

func failureStatus(kind string) int {
	switch kind {
	case coord.KindNoCandidateAvailable, coord.KindNoCandidateSucceeded:
		return http.StatusServiceUnavailable
	case coord.KindRemoteError:
		return http.StatusBadGateway
	case coord.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
