package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "notifications/internal/api/context"
	"notifications/internal/api/handlers"
	"notifications/internal/api/middleware"
	"notifications/internal/pkg/errors"
	"notifications/internal/platform/auth"
)

type Dependencies struct {
	HistoryHandler *handlers.HistoryHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))
	if deps.MetricsHandler != nil {
		router.GET("/metrics", wrap(deps.MetricsHandler.Export))
	}

	authMid := deps.AuthMiddleware
	limit := deps.RateLimiter.Handle

	// History ledger, called by the delivery pipeline
	router.POST("/internal/v1/history",
		chain(deps.HistoryHandler.Create, authMid.Handle, limit, middleware.RequireScope(auth.ScopeHistoryWrite)))
	router.POST("/internal/v1/history/outcome",
		chain(deps.HistoryHandler.Outcome, authMid.Handle, limit, middleware.RequireScope(auth.ScopeHistoryWrite)))
	router.GET("/internal/v1/history/:history_id",
		chain(deps.HistoryHandler.Get, authMid.Handle, limit, middleware.RequireScope(auth.ScopeHistoryRead)))
	router.GET("/internal/v1/history/:history_id/endpoint",
		chain(deps.HistoryHandler.GetEndpoint, authMid.Handle, limit, middleware.RequireScope(auth.ScopeHistoryRead)))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
