/*
server.go - HTTP server setup and routing

PURPOSE:
  Configures the HTTP router, middleware, and route mappings.
  Entry point for the REST API.

ROUTER:
  Uses chi router (github.com/go-chi/chi/v5) for:
  - URL parameters: /entries/{id}
  - Route grouping: /api/...
  - Middleware chaining

MIDDLEWARE STACK:
  1. RequestID: Adds unique ID to each request
  2. NewStructuredLogger: One slog line per request
  3. Recoverer: Catches panics, returns 500
  4. CORS: Allows browser requests from the configured origins
  5. RequireOwner: Parses X-User-ID (API routes only)

ROUTE GROUPS:
  /health          - Liveness and database ping
  /api/accounts    - Directory (accounts, balances)
  /api/tags        - Directory (category tags)
  /api/entries     - Simple entries, listings, cancellation
  /api/transfers   - Internal transfers
  /api/accumulations - Round-up settings
  /api/recurring   - Recurring rules
  /api/admin       - Operator actions (manual scheduler run)

SECURITY NOTE:
  Authentication is done upstream. The X-User-ID header is trusted as the
  authenticated owner and every ledger call is scoped to it.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging and owner middleware
  - scheduler.go: Recurring scheduler
*/
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(h *Handler, logger *slog.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", OwnerHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireOwner)

		// Directory
		r.Post("/accounts", h.CreateAccount)
		r.Get("/accounts/{id}/balance", h.GetAccountBalance)
		r.Post("/tags", h.CreateTag)

		// Entries
		r.Post("/entries", h.CreateEntry)
		r.Get("/entries", h.ListEntries)
		r.Get("/entries/count", h.CountEntries)
		r.Get("/entries/{id}", h.GetEntry)
		r.Put("/entries/{id}", h.EditEntry)
		r.Delete("/entries/{id}", h.CancelEntry)

		// Transfers
		r.Post("/transfers", h.CreateTransfer)
		r.Put("/transfers/{id}", h.EditTransfer)

		// Accumulation
		r.Get("/accumulations", h.ListAccumulations)
		r.Post("/accumulations/evaluate", h.EvaluateAccumulation)
		r.Get("/accumulations/{accountId}", h.GetAccumulation)
		r.Put("/accumulations/{accountId}", h.SetAccumulation)
		r.Delete("/accumulations/{accountId}", h.DeleteAccumulation)

		// Recurring
		r.Get("/recurring", h.ListRules)
		r.Post("/recurring", h.CreateRule)
		r.Get("/recurring/{id}", h.GetRule)
		r.Put("/recurring/{id}", h.EditRule)
		r.Delete("/recurring/{id}", h.DeleteRule)

		// Admin
		r.Post("/admin/recurring/run", h.RunScheduler)
	})

	return r
}
