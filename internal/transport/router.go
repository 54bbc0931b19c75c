package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/internal/observability"
	"github.com/pitabwire/modelmgmt/internal/session"
	"github.com/pitabwire/modelmgmt/internal/store"
	"github.com/pitabwire/modelmgmt/model"
)

// ModelCatalogue lists the models available for editing.
type ModelCatalogue interface {
	Models() []model.ModelSummary
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Catalogue ModelCatalogue
	Sessions  *session.Manager
	History   store.ChangeSetStore

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/ui/health", orDefault(deps.HealthHandler, handleHealth))
	r.Get("/ui/ready", orDefault(deps.ReadyHandler, handleReady))
	r.Get("/metrics", orDefault(deps.MetricsHandler, handleMetrics))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		view := RequireCapability(model.CapModelsView)
		edit := RequireCapability(model.CapModelsEdit)
		save := RequireCapability(model.CapModelsEdit, model.CapModelsSave)

		r.With(view).Get("/models", handleListModels(deps.Catalogue))
		r.With(view).Get("/models/{modelId}/history", handleModelHistory(deps.History))

		r.With(edit).Post("/sessions", handleOpenSession(deps.Sessions))
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.With(view).Get("/", handleDescribeSession(deps.Sessions))
			r.With(edit).Delete("/", handleCloseSession(deps.Sessions))
			r.With(edit).Post("/actions", handleEditSession(deps.Sessions))
			r.With(edit).Post("/undo", handleUndo(deps.Sessions))
			r.With(edit).Post("/redo", handleRedo(deps.Sessions))
			r.With(edit).Post("/cancel", handleCancel(deps.Sessions))
			r.With(view).Post("/validate", handleValidate(deps.Sessions))
			r.With(view).Get("/changes", handleChangeSets(deps.Sessions))
			r.With(save).Post("/save", handleSave(deps.Sessions))
		})
	})

	return r
}

func orDefault(h http.Handler, fallback http.HandlerFunc) http.HandlerFunc {
	if h == nil {
		return fallback
	}
	return h.ServeHTTP
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
