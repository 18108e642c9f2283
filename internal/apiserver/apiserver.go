// Package apiserver exposes the control surface described in spec §6: a
// read-only view of tasks and schedules, task cancellation, and the
// WebSocket event feed. It is grounded on this codebase's lineage's chi-v5
// router setup (middleware stack, writeJSON helper, route groups).
package apiserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/folio-org/folio-core/internal/bus"
	"github.com/folio-org/folio-core/internal/config"
	"github.com/folio-org/folio-core/internal/store"
)

// Store is the subset of internal/store the control surface reads from.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	ListTasksInWindow(ctx context.Context, since time.Time) ([]store.Task, error)
	ListActiveSchedules(ctx context.Context) ([]store.Schedule, error)
	ListResultsForTask(ctx context.Context, taskID uuid.UUID) ([]store.Result, error)
}

// Canceller is the subset of internal/dispatcher the cancel endpoint needs.
type Canceller interface {
	Cancel(taskID uuid.UUID) bool
}

// Server wires handlers onto a chi router.
type Server struct {
	store  Store
	cancel Canceller
	bus    *bus.Bus
	cfg    config.ServerConfig
	router chi.Router
}

// New builds a Server with every route mounted and ready to serve.
func New(st Store, cancel Canceller, b *bus.Bus, cfg config.ServerConfig) *Server {
	s := &Server{store: st, cancel: cancel, bus: b, cfg: cfg}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{taskID}", s.handleGetTask)
		r.Get("/{taskID}/results", s.handleListResults)
		r.Post("/{taskID}/cancel", s.handleCancelTask)
	})
	r.Get("/api/schedules", s.handleListSchedules)

	r.Get("/ws/tasks/{taskID}", bus.ServeTaskWS(s.bus, "taskID"))
	r.Get("/ws/tasks", bus.ServeAllWS(s.bus))

	return r
}

// ServeHTTP lets *Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe starts an *http.Server bound to cfg.Addr(), shutting down
// cleanly when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("apiserver: listening", "addr", s.cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("apiserver: write json failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			window = d
		}
	}
	tasks, err := s.store.ListTasksInWindow(r.Context(), time.Now().Add(-window))
	if err != nil {
		slog.Error("apiserver: list tasks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	results, err := s.store.ListResultsForTask(r.Context(), id)
	if err != nil {
		slog.Error("apiserver: list results failed", "task_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if results == nil {
		results = []store.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	if ok := s.cancel.Cancel(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task is not active"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListActiveSchedules(r.Context())
	if err != nil {
		slog.Error("apiserver: list schedules failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}
