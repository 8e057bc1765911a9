package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/nbgw/modem"
)

type fetcher interface {
	Fetch(ctx context.Context, id, rawURL string) (*FetchResult, error)
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger   *slog.Logger
	Fetcher  fetcher
	Registry *prometheus.Registry
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleFetch runs a GET request through the modem and returns its result
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	type FetchRequest struct {
		URL string `json:"url"`
	}

	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		s.sendError(w, "'url' field is required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	res, err := s.Fetcher.Fetch(r.Context(), id, req.URL)
	if err != nil {
		s.Logger.Error("Failed to fetch", "error", err, "id", id, "url", req.URL)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	s.sendJSON(w, res, http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadURL), errors.Is(err, modem.ErrUnsupportedScheme):
		return http.StatusBadRequest
	case errors.Is(err, errNoFreeSlot):
		return http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrNoAnswer), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
