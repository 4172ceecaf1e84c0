// Package web serves the HTTP API used by the browser front end. Every
// session-scoped route addresses a session.Store entry by id; turns stream
// back as newline-delimited JSON events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ochat/agent"
	"ochat/config"
	"ochat/executor"
	"ochat/ollama"
	"ochat/session"
	"ochat/storage"
	"ochat/tools"
)

// maxBodyBytes bounds request bodies, imports included.
const maxBodyBytes = 16 << 20

// Backend is the inference server as seen by the routes that do not belong to
// a session.
type Backend interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
	Ping(ctx context.Context) error
}

type Server struct {
	store   *session.Store
	backend Backend
	audit   *storage.AuditLog
	mux     *http.ServeMux
}

type Option func(*Server)

// WithAuditLog exposes the command audit trail under
// /api/sessions/{id}/commands.
func WithAuditLog(log *storage.AuditLog) Option {
	return func(s *Server) { s.audit = log }
}

func NewServer(store *session.Store, backend Backend, opts ...Option) *Server {
	s := &Server{
		store:   store,
		backend: backend,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/models", s.handleModels)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	s.mux.HandleFunc("PATCH /api/sessions/{id}/settings", s.handleUpdateSettings)

	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSend)
	s.mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/history", s.handleClearHistory)
	s.mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("POST /api/sessions/{id}/import", s.handleImport)

	s.mux.HandleFunc("GET /api/sessions/{id}/tools", s.handleTools)
	s.mux.HandleFunc("PUT /api/sessions/{id}/tools", s.handleToggleTools)
	s.mux.HandleFunc("POST /api/sessions/{id}/tools/{name}", s.handleExecuteTool)
	s.mux.HandleFunc("GET /api/sessions/{id}/tool-calls", s.handleToolCalls)
	s.mux.HandleFunc("GET /api/sessions/{id}/commands", s.handleCommands)
}

func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		config.DebugLog.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		config.DebugLog.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var unknown *tools.UnknownToolError
	if errors.As(err, &unknown) {
		resp.Suggestion = unknown.Suggestion
	}
	writeJSON(w, statusFor(err), resp)
}

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	var (
		notFound *session.NotFoundError
		unknown  *tools.UnknownToolError
		denied   *executor.SecurityDeniedError
		timeout  *executor.TimeoutError
		execErr  *tools.ExecutionError
		connErr  *ollama.ConnectionError
	)
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrTurnInProgress):
		return http.StatusConflict
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &execErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		config.DebugLog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
