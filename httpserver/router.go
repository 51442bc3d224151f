/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
)

// System endpoints.
const (
	HealthCheckPath = "/healthz"
	MetricsPath     = "/metrics"
)

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	ErrorDomain string
	// APIMiddlewares wrap APIRoutes only, system endpoints are not affected.
	APIMiddlewares []func(http.Handler) http.Handler
	APIRoutes      func(router chi.Router)
	HealthCheck    HealthCheck
	// MetricsHandler serves /metrics, promhttp.Handler() is used if nil.
	MetricsHandler http.Handler
	Logging        middleware.LoggingOpts
}

// NewRouter creates a chi.Router with request ids, logging and panic recovery applied to every route,
// /healthz and /metrics endpoints, and API routes wrapped in APIMiddlewares.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, opts.Logging),
		middleware.Recovery(opts.ErrorDomain),
	)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, MetricsPath, metricsHandler)
	router.Method(http.MethodGet, HealthCheckPath, NewHealthCheckHandler(opts.HealthCheck))

	if opts.APIRoutes != nil {
		router.Group(func(r chi.Router) {
			r.Use(opts.APIMiddlewares...)
			opts.APIRoutes(r)
		})
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, middleware.GetLoggerFromContext(r.Context()))
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, middleware.GetLoggerFromContext(r.Context()))
	})
	return router
}

// GetChiRoutePattern returns the pattern of the chi route matched by the request, "" if there is none.
func GetChiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	routePath := r.URL.RawPath
	if routePath == "" {
		routePath = r.URL.Path
	}
	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, routePath) {
		return ""
	}
	return tctx.RoutePattern()
}
