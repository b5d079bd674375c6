package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/genrebot/internal/deadletter"
	"github.com/MikeSquared-Agency/genrebot/internal/processor"
	"github.com/MikeSquared-Agency/genrebot/internal/scheduler"
	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

type StatusProvider interface {
	Stats() processor.Stats
}

type ConnectionProvider interface {
	Connected() bool
}

type CatalogStats interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type DeadLetterQueue interface {
	List(ctx context.Context) ([]deadletter.Entry, error)
}

type DeadLetterRetrier interface {
	RetryAll(ctx context.Context) (deadletter.Summary, error)
}

type JobRunner interface {
	Jobs() []scheduler.JobState
	RunNow(name string) (scheduler.JobState, error)
}

// Deps are the read models behind the API. Nil fields disable their routes
// with 503 Service Unavailable.
type Deps struct {
	Status      StatusProvider
	IRC         ConnectionProvider
	Catalog     CatalogStats
	DeadLetters DeadLetterQueue
	Retrier     DeadLetterRetrier
	Jobs        JobRunner
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
}

func NewServer(port int, apiToken string, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/genrebot/status", s.status)
		r.Get("/catalog/stats", s.catalogStats)
		r.Get("/deadletter", s.listDeadLetters)
		r.Post("/deadletter/retry", s.retryDeadLetters)
		r.Post("/jobs/{name}/run", s.runJob)
	})

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not configured"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Agent        string               `json:"agent"`
	Status       string               `json:"status"`
	IRCConnected bool                 `json:"irc_connected"`
	Processor    *processor.Stats     `json:"processor,omitempty"`
	Jobs         []scheduler.JobState `json:"jobs,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Agent: "genrebot", Status: "running"}
	if s.deps.IRC != nil {
		resp.IRCConnected = s.deps.IRC.Connected()
		if !resp.IRCConnected {
			resp.Status = "connecting"
		}
	}
	if s.deps.Status != nil {
		st := s.deps.Status.Stats()
		resp.Processor = &st
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) catalogStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		unavailable(w, "catalog")
		return
	}
	st, err := s.deps.Catalog.Stats(r.Context())
	if err != nil {
		slog.Error("catalog stats failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		unavailable(w, "dead-letter queue")
		return
	}
	entries, err := s.deps.DeadLetters.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) retryDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retrier == nil {
		unavailable(w, "dead-letter retrier")
		return
	}
	sum, err := s.deps.Retrier.RetryAll(r.Context())
	if errors.Is(err, deadletter.ErrSweepRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// runJob triggers a scheduled job immediately and waits for it. A run that
// overlaps a scheduled one is skipped by the scheduler.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "scheduler")
		return
	}
	st, err := s.deps.Jobs.RunNow(chi.URLParam(r, "name"))
	if errors.Is(err, scheduler.ErrUnknownJob) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}
