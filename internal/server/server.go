// Package server exposes the long-text service over HTTP: JSON endpoints, a
// server-sent events progress stream and a websocket progress stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/app"
	"github.com/book-expert/longform-tts/internal/core"
)

const (
	shutdownTimeout = 15 * time.Second
	maxBodyBytes    = 2 << 20
)

// Server serves the HTTP API of one Services instance.
type Server struct {
	svc        *app.Services
	log        *logger.Logger
	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates a server listening on the configured address.
func New(svc *app.Services, log *logger.Logger) *Server {
	s := &Server{svc: svc, log: log, mux: http.NewServeMux()}
	s.registerRoutes(s.mux)

	s.httpServer = &http.Server{
		Addr:              svc.Config.Server.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: time.Duration(svc.Config.Server.ReadHeaderTimeoutSeconds) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("HTTP server listening on %s", s.httpServer.Addr)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	default:
		s.log.Error("Request failed: %v", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	err := decoder.Decode(v)
	if err != nil {
		return fmt.Errorf("%w: invalid request body: %w", core.ErrValidation, err)
	}

	return nil
}
