/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
)

// StatsPath is the path of the admission statistics endpoint.
const StatsPath = "/admin/stats"

// StatsHandler returns a handler rendering Stats as JSON. Only callers with an admin role are allowed.
func (s *Service) StatsHandler() http.Handler {
	adminRoles := newRoleSet(s.cfg.AdminRoles)
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		logger := middleware.GetLoggerFromContextOrDisabled(r.Context())
		caller := s.middleware.callers.resolve(r)
		if !caller.Authenticated {
			restapi.RespondError(rw, http.StatusUnauthorized,
				restapi.NewError(s.cfg.ErrorDomain, restapi.ErrCodeUnauthorized, restapi.ErrMessageUnauthorized), logger)
			return
		}
		if !adminRoles.has(caller.Role) {
			logger.Warn("stats access denied", log.String("caller_id", caller.ID), log.String("caller_role", caller.Role))
			restapi.RespondError(rw, http.StatusForbidden,
				restapi.NewError(s.cfg.ErrorDomain, restapi.ErrCodeForbidden, restapi.ErrMessageForbidden), logger)
			return
		}
		restapi.RespondJSON(rw, s.Stats(), logger)
	})
}

// RegisterRoutes registers the statistics endpoint in the router.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, StatsPath, s.StatsHandler())
}
