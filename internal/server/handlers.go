package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/marketsim/internal/instantiate"
	"github.com/aristath/marketsim/internal/sim"
	"github.com/aristath/marketsim/internal/timeseries"
)

type createEnvironmentRequest struct {
	TemplateID string `json:"templateId"`
	UserID     string `json:"userId"`
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TemplateID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("templateId and userId are required"))
		return
	}

	requestID, err := s.svc.CreateEnvironment(req.TemplateID, req.UserID)
	if err != nil {
		if errors.Is(err, instantiate.ErrQueueFull) {
			s.writeError(w, http.StatusTooManyRequests, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"requestId": requestID})
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ListEnvironments(r.URL.Query().Get("userId")))
}

func (s *Server) handleEnvironmentDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.svc.EnvironmentDetails(chi.URLParam(r, "id"), r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleDestroyEnvironment(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DestroyEnvironment(chi.URLParam(r, "id"), r.URL.Query().Get("userId")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "destroying"})
}

type setAccelerationRequest struct {
	Acceleration float64 `json:"acceleration"`
}

func (s *Server) handleSetAcceleration(w http.ResponseWriter, r *http.Request) {
	var req setAccelerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("acceleration is required"))
		return
	}
	if err := s.svc.SetAcceleration(chi.URLParam(r, "id"), req.Acceleration); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"acceleration": req.Acceleration})
}

func (s *Server) handleKLine(w http.ResponseWriter, r *http.Request) {
	symbol, gran, from, to, err := seriesQueryParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	bars, err := s.svc.QueryKLine(chi.URLParam(r, "id"), symbol, gran, from, to)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, bars)
}

func (s *Server) handleVolumeTrend(w http.ResponseWriter, r *http.Request) {
	gran, from, to, err := rangeQueryParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	buckets, err := s.svc.QueryVolumeTrend(chi.URLParam(r, "id"), gran, from, to)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	gran, from, to, err := rangeQueryParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.svc.Export(chi.URLParam(r, "id"), gran, from, to)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListCreations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ListCreations())
}

func (s *Server) handleCreationProgress(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.CreationProgress(chi.URLParam(r, "requestId"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancelCreation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelCreation(chi.URLParam(r, "requestId")); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// seriesQueryParams parses the query string of the per-symbol endpoints.
func seriesQueryParams(r *http.Request) (symbol, granularity string, from, to int64, err error) {
	symbol = r.URL.Query().Get("symbol")
	if symbol == "" {
		return "", "", 0, 0, errors.New("symbol is required")
	}
	granularity, from, to, err = rangeQueryParams(r)
	return symbol, granularity, from, to, err
}

// rangeQueryParams parses granularity and time bounds, shared by the
// environment-wide endpoints.
func rangeQueryParams(r *http.Request) (granularity string, from, to int64, err error) {
	q := r.URL.Query()
	granularity = q.Get("granularity")
	if granularity == "" {
		granularity = "1m"
	}
	from, err = parseMillis(q.Get("from"), 0)
	if err != nil {
		return "", 0, 0, errors.New("from must be a millisecond timestamp")
	}
	to, err = parseMillis(q.Get("to"), int64(1)<<62)
	if err != nil {
		return "", 0, 0, errors.New("to must be a millisecond timestamp")
	}
	return granularity, from, to, nil
}

func parseMillis(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, timeseries.ErrBadGranularity):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrEnvironmentNotFound),
		errors.Is(err, sim.ErrSymbolNotFound),
		errors.Is(err, instantiate.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, instantiate.ErrTaskFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
