package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/streaming"
)

// maxBodyBytes bounds request bodies. Graph definitions are the largest
// payload accepted.
const maxBodyBytes = 4 << 20

// Deps holds the dependencies for the API server.
type Deps struct {
	Dispatcher *engine.Dispatcher
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// Server serves the HTTP JSON surface and the SSE streams.
type Server struct {
	deps   Deps
	engine *engine.Engine
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps, engine: deps.Dispatcher.Engine()}
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Graphs.
	mux.HandleFunc("POST /api/graphs", s.handleSaveGraph)
	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs/validate", s.handleValidateGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("GET /api/graphs/{id}/diagram", s.handleGraphDiagram)
	mux.HandleFunc("POST /api/graphs/{id}/instances", s.handleStartInstance)

	// Instances.
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/events", s.handleInstanceEvents)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancelInstance)

	// Events.
	mux.HandleFunc("POST /api/events/{token}", s.handleDeliverEvent)

	// SSE streams.
	mux.HandleFunc("GET /sse/instances", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// the grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.deps.Logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
