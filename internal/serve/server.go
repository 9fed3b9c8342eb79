// Package serve exposes the running daemon over a local HTTP control API.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// Controller is the daemon surface the API drives. *monitor.Handle
// implements it.
type Controller interface {
	Status() monitor.Status
	Stop(ctx context.Context) (monitor.Ack, error)
	Reset(t tmux.Target) (bool, error)
}

const requestIDHeader = "X-Request-Id"

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Error codes carried in APIError.ErrorCode.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ResetResponse is returned by the reset route.
type ResetResponse struct {
	Target       tmux.Target `json:"target"`
	WasEscalated bool        `json:"was_escalated"`
}

// Server serves the control API.
type Server struct {
	addr   string
	ctrl   Controller
	logger *slog.Logger
	router chi.Router
	server *http.Server
	ready  chan struct{}
	bound  net.Addr
}

// New builds a server for ctrl listening on addr ("host:port").
func New(addr string, ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{addr: addr, ctrl: ctrl, logger: logger, ready: make(chan struct{})}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/stop", s.handleStop)
		r.Post("/targets/{target}/reset", s.handleReset)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no such route")
	})
	return r
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control api listen %s: %w", s.addr, err)
	}
	s.bound = ln.Addr()
	close(s.ready)

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("[Serve] listening", "addr", s.bound.String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("[Serve] shutting_down")
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr blocks until Start has bound its listener and returns the address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.bound, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ack, err := s.ctrl.Stop(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	s.logger.Info("[Serve] stop_requested", "run_id", ack.RunID, "cycles", ack.Cycles)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	t, err := tmux.ParseTarget(chi.URLParam(r, "target"))
	if err != nil {
		var ve *tmux.ValidationError
		if errors.As(err, &ve) {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	was, err := s.ctrl.Reset(t)
	switch {
	case errors.Is(err, monitor.ErrUnknownTarget):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Target: t, WasEscalated: was})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("[Serve] panic",
					"panic", fmt.Sprint(rec),
					"request_id", requestIDFromContext(r.Context()),
					"stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("[Serve] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", requestIDFromContext(r.Context()))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[Serve] encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, APIError{
		Success:   false,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestIDFromContext(r.Context()),
		Error:     message,
		ErrorCode: code,
	})
}
