package api

import (
	"encoding/json"
	"net/http"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api/handlers"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/api/middleware"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all API routes. A nil gatherer
// leaves /metrics unmounted.
func NewRouter(cfg *config.Config, h *handlers.Handlers, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.ActorExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-Id", "X-Supervisor", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/teams", func(r chi.Router) {
			r.Get("/", h.ListTeams)
			r.Post("/", h.CreateTeam)
			r.Get("/capacity", h.TeamCapacities)
			r.Route("/{teamId}", func(r chi.Router) {
				r.Get("/", h.GetTeam)
				r.Get("/equity", h.TeamEquity)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentId}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/presence", h.SetPresence)
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.CreateConversation)
			r.Route("/{conversationId}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Post("/assign", h.AssignManually)
				r.Post("/assign/auto", h.AssignAutomatically)
				r.Post("/recommendation", h.Recommend)
			})
		})

		r.Route("/handoffs", func(r chi.Router) {
			r.Post("/", h.CreateHandoff)
			r.Get("/pending", h.ListPendingHandoffs)
			r.Route("/{handoffId}", func(r chi.Router) {
				r.Get("/", h.GetHandoff)
				r.Post("/accept", h.AcceptHandoff)
				r.Post("/reject", h.RejectHandoff)
			})
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "educhat-assignment",
		})
	}
}
