package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/docchat/internal/api/handlers"
	"github.com/nikhilbhutani/docchat/internal/api/middleware"
	"github.com/nikhilbhutani/docchat/internal/chat"
	"github.com/nikhilbhutani/docchat/internal/config"
	"github.com/nikhilbhutani/docchat/internal/document"
	"github.com/nikhilbhutani/docchat/internal/status"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Config    config.ServerConfig
	Documents *document.Service
	Chat      *chat.Orchestrator
	// Push follows the broadcast feed; Poll re-reads stored status.
	Push *status.PushWatcher
	Poll status.Watcher
	// Authenticate must put the owner id in the request context.
	Authenticate func(http.Handler) http.Handler
	Checks       map[string]handlers.Pinger
	Logger       *slog.Logger
}

type Router struct {
	mux  *chi.Mux
	deps Deps
}

func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{mux: chi.NewRouter(), deps: deps}
}

// Setup registers middleware and routes. ctx bounds background work such
// as the rate limiter's sweeper.
func (rt *Router) Setup(ctx context.Context) http.Handler {
	r := rt.mux
	cfg := rt.deps.Config

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth)
	health := handlers.NewHealthHandler(rt.deps.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	rl := middleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rt.deps.Authenticate)
		r.Use(rl.Limit)

		docH := handlers.NewDocumentHandler(rt.deps.Documents, rt.deps.Push, rt.deps.Poll, rt.deps.Push)
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", docH.Upload)
			r.Get("/", docH.List)
			r.Get("/ws", docH.Feed)
			r.Get("/{id}", docH.Get)
			r.Delete("/{id}", docH.Delete)
			r.Post("/{id}/reprocess", docH.Reprocess)
			r.Get("/{id}/status", docH.Status)
			r.Get("/{id}/events", docH.Events)
		})

		chatH := handlers.NewChatHandler(rt.deps.Chat)
		r.Route("/chat", func(r chi.Router) {
			r.Post("/", chatH.Send)
			r.Get("/sessions", chatH.Sessions)
			r.Get("/sessions/{id}/messages", chatH.Messages)
			r.Post("/sessions/{id}/retry", chatH.Retry)
		})
	})

	return r
}
