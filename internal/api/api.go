package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kylemclaren/agent-tasks/internal/stream"
	"github.com/kylemclaren/agent-tasks/internal/tasks"
)

// OwnerHeader carries the identity of the caller. Requests without it see every task.
const OwnerHeader = "X-Owner-ID"

// Server represents the API server
type Server struct {
	tasks  *tasks.Manager
	events *stream.Manager
	logger zerolog.Logger
	router chi.Router
}

// NewServer creates a new API server
func NewServer(manager *tasks.Manager, events *stream.Manager, logger zerolog.Logger) *Server {
	if events == nil {
		events = stream.NewManager()
	}
	s := &Server{
		tasks:  manager,
		events: events,
		logger: logger.With().Str("component", "api").Logger(),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)
	r.Get("/api/v1/stats", s.GetStats)
	r.Post("/api/v1/claim", s.ClaimOrphaned)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Put("/api/v1/tasks/{id}", s.UpdateTask)
	r.Delete("/api/v1/tasks/{id}", s.DeleteTask)
	r.Post("/api/v1/tasks/{id}/run", s.RunTask)
	r.Get("/api/v1/tasks/{id}/results", s.GetTaskResults)
	r.Get("/api/v1/tasks/{id}/notifications", s.GetNotifications)
	r.Put("/api/v1/tasks/{id}/notifications", s.UpdateNotifications)

	// Results
	r.Get("/api/v1/results/{id}", s.GetResult)
	r.Get("/api/v1/results/{id}/events", s.StreamResult)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

// CORS allows browser dashboards on other origins to call the API
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+OwnerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func owner(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}
