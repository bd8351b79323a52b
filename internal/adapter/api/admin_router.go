package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/sbs-relay/internal/adapter/api/handler"
	"github.com/V4T54L/sbs-relay/internal/adapter/api/middleware"
	"github.com/V4T54L/sbs-relay/internal/usecase"
)

// RouterDeps are the pieces the admin router serves. Nil use cases leave
// their routes out, so the producer only exposes health and metrics.
type RouterDeps struct {
	Admin    *usecase.AdminStreamUseCase
	LastSeen *usecase.LastSeenUseCase
	Gatherer prometheus.Gatherer
	APIKey   string
	Logger   *slog.Logger
}

// NewAdminRouter creates and configures the HTTP router for health, metrics
// and operator endpoints.
func NewAdminRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger.With("component", "admin_api")
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(logger))

	r.Get("/health", handler.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if deps.LastSeen != nil {
		lastSeen := handler.NewLastSeenHandler(deps.LastSeen, logger)
		r.Get("/last-seen", lastSeen.GetLastSeen)
	}

	if deps.Admin != nil {
		admin := handler.NewAdminHandler(deps.Admin, logger)
		r.Route("/admin/streams/{stream}", func(r chi.Router) {
			r.Use(middleware.Auth(deps.APIKey, logger))

			// Stream Info
			r.Get("/groups", admin.GetGroupInfo)
			r.Get("/groups/{group}/consumers", admin.GetConsumerInfo)
			r.Get("/entries", admin.GetEntries)

			// Pending Messages
			r.Get("/groups/{group}/pending", admin.GetPendingSummary)
			r.Get("/groups/{group}/pending/messages", admin.GetPendingMessages)

			// Stream Operations
			r.Post("/groups/{group}/claim", admin.ClaimMessages)
			r.Post("/groups/{group}/ack", admin.AcknowledgeMessages)
			r.Post("/trim", admin.TrimStream)
		})
	}

	return r
}
