package controlapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/skuldlabs/skuld/internal/rollout"
	"github.com/skuldlabs/skuld/internal/store"
	"github.com/skuldlabs/skuld/internal/validation"
)

// StepExecutor triggers one schedule driver pass on demand. Wired to the
// scheduler service; the manual execute endpoint exists so an operator
// does not have to wait out the polling interval.
type StepExecutor interface {
	ExecutePending(ctx context.Context) (int, error)
}

// API holds the router and dependencies of the control plane.
type API struct {
	// Router is the chi multiplexer serving all endpoints.
	Router *chi.Mux

	logger  *slog.Logger
	service *rollout.Service

	// executor may be nil when the process runs without the driver.
	executor StepExecutor

	// apiKeyHash is the SHA-256 hash of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication. Test and dev environments only.
	skipAuth bool
}

// NewAPI creates the control API with authentication enabled. The
// apiKeyHash must be the hex-encoded SHA-256 of the API key.
func NewAPI(logger *slog.Logger, service *rollout.Service, executor StepExecutor, apiKeyHash string) *API {
	return NewAPIWithConfig(logger, service, executor, apiKeyHash, false)
}

// NewAPIWithConfig creates the control API with explicit control over
// authentication. Panics when the service is nil or when auth is enabled
// without a key hash, so misconfiguration fails at startup rather than on
// the first request.
func NewAPIWithConfig(logger *slog.Logger, service *rollout.Service, executor StepExecutor, apiKeyHash string, skipAuth bool) *API {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(service, "rollout service")
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		logger:     logger,
		service:    service,
		executor:   executor,
		apiKeyHash: strings.ToLower(apiKeyHash),
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	a.Router.Use(MetricsCollector)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// Shallow check; deep dependency checks live on the admin port.
	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Post("/evaluate", a.handleEvaluate)

		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handleUpsertFlag)
			r.Get("/", a.handleListFlags)
			r.Post("/bulk/percentage", a.handleBulkPercentage)

			r.Route("/{featureName}", func(r chi.Router) {
				r.Get("/", a.handleGetFlag)
				r.Delete("/", a.handleDeleteFlag)
				r.Patch("/percentage", a.handleSetPercentage)
				r.Patch("/toggle", a.handleToggle)
				r.Post("/toggle-cascade", a.handleToggleCascade)
				r.Get("/history", a.handleHistory)
				r.Get("/schedules", a.handleListFlagSchedules)
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", a.handleCreateSchedule)
			r.Post("/execute", a.handleExecuteSchedules)

			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", a.handleGetSchedule)
				r.Patch("/status", a.handleUpdateScheduleStatus)
			})
		})

		r.Route("/overrides", func(r chi.Router) {
			r.Put("/", a.handlePutOverride)
			r.Delete("/", a.handleDeleteOverride)
		})
	})
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// authenticateAPIKey guards /api/v1/*. The client sends the raw key in
// X-API-Key; we compare its SHA-256 against the configured hash in
// constant time so the stored configuration never contains the key itself.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipAuth {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{Code: "ERR_UNAUTHORIZED", Message: "Missing X-API-Key header"})
			return
		}

		sum := sha256.Sum256([]byte(key))
		got := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKeyHash)) != 1 {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{Code: "ERR_UNAUTHORIZED", Message: "Invalid API key"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// respondServiceError translates the service's typed errors into HTTP
// responses. Unknown errors are logged and answered with a generic 500 so
// internals never leak to clients.
func (a *API) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *rollout.ValidationError
	switch {
	case errors.As(err, &ve):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: ve.Error()})
	case rollout.IsCycle(err):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_HIERARCHY", Message: err.Error()})
	case rollout.IsTransition(err):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_TRANSITION", Message: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Resource not found"})
	case errors.Is(err, store.ErrConflict):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_CONFLICT", Message: err.Error()})
	default:
		a.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Internal server error"})
	}
}

// badRequest writes a 400 with the DTO validation error.
func badRequest(w http.ResponseWriter, r *http.Request, errResp *ErrorResponse) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errResp)
}

// decodeJSON decodes the body and answers 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Invalid JSON payload: " + err.Error()})
		return false
	}
	return true
}
