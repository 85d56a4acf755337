package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Definition *definition.Registry
	Sessions   *session.Manager
	Completer  *review.Completer
	Reviewer   *review.Reviewer
	Audit      audit.Store
	Queue      *session.Cache[[]model.Application]
	Claims     *session.Cache[[]map[string]any]

	// Metrics and Readiness are optional.
	Metrics   *observability.Metrics
	Readiness *observability.ReadinessChecks

	// Now defaults to time.Now; claim ages are relative to it.
	Now func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", handleReady(deps))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver))
		r.Use(RequestLogging)

		view := RequireCapability(model.CapCasesView)

		// The stream outlives the handler timeout.
		r.With(view).Get("/api/cases/{id}/stream", handleStream(deps.Sessions, deps.Config.Server.CORS.AllowedOrigins))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.With(view).Get("/api/workflow", handleWorkflow(deps.Definition))
			r.With(view).Get("/api/reference", handleReference(deps.Reviewer))
			r.With(view).Get("/api/queue", handleQueue(deps.Queue))
			r.With(RequireCapability(model.CapClaimsView)).Get("/api/claims", handleClaims(deps.Claims, deps.Now))

			r.With(view).Get("/api/cases/{id}", handleCase(deps.Sessions))
			r.With(view).Get("/api/cases/{id}/audit", handleAudit(deps.Sessions, deps.Audit))
			r.With(RequireCapability(model.CapCasesReview)).Post("/api/cases/{id}/review", handleReview(deps.Reviewer))

			complete := RequireCapability(model.CapStepsComplete)
			r.With(complete).Post("/api/cases/{id}/steps/{stage}/validate", handleValidate(deps.Completer))
			r.With(complete).Post("/api/cases/{id}/steps/{stage}/complete", handleComplete(deps.Completer))
			r.With(RequireCapability(model.CapStepsOverride)).
				Post("/api/completions/{token}/confirm", handleConfirm(deps.Completer))
		})
	})

	return r
}

func handleReady(deps Dependencies) http.HandlerFunc {
	if deps.Readiness != nil {
		return observability.HandleReady(*deps.Readiness)
	}
	checks := observability.ReadinessChecks{
		DefinitionLoaded: func() bool {
			return deps.Definition != nil && deps.Definition.Current() != nil
		},
	}
	return observability.HandleReady(checks)
}
