/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admission/admission"
	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/restapi"
)

// clinicAPI is a small in-memory API served behind admission control.
// Its routes match the default queue classes.
type clinicAPI struct {
	errorDomain string

	mu       sync.RWMutex
	patients map[string]patient
}

type patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type loginRequest struct {
	Username string `json:"username"`
}

func newClinicAPI(errorDomain string) *clinicAPI {
	return &clinicAPI{errorDomain: errorDomain, patients: make(map[string]patient)}
}

func (a *clinicAPI) register(router chi.Router) {
	router.Get("/api/v1/ping", a.ping)
	router.Post("/api/v1/auth/login", a.login)
	router.Put("/api/v1/patients/{id}", a.putPatient)
	router.Get("/api/v1/patients/{id}", a.getPatient)
	router.Get("/api/v1/reports/patients", a.patientsReport)
}

func (a *clinicAPI) ping(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, map[string]string{"status": "ok"}, middleware.GetLoggerFromContextOrDisabled(r.Context()))
}

func (a *clinicAPI) login(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContextOrDisabled(r.Context())
	var req loginRequest
	if err := restapi.DecodeRequestJSON(r, &req); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, a.errorDomain, err, logger)
		return
	}
	if req.Username == "" {
		restapi.RespondError(rw, http.StatusBadRequest,
			restapi.NewError(a.errorDomain, "invalidUsername", "Username must not be empty."), logger)
		return
	}
	restapi.RespondJSON(rw, map[string]string{"username": req.Username, "session": middleware.GetRequestIDFromContext(r.Context())}, logger)
}

func (a *clinicAPI) putPatient(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContextOrDisabled(r.Context())
	var p patient
	if err := restapi.DecodeRequestJSON(r, &p); err != nil {
		restapi.RespondMalformedRequestOrInternalError(rw, a.errorDomain, err, logger)
		return
	}
	p.ID = chi.URLParam(r, "id")
	p.CreatedAt = time.Now().UTC()
	if caller, ok := admission.GetCallerFromContext(r.Context()); ok {
		p.CreatedBy = caller.ID
	} else {
		p.CreatedBy = r.Header.Get("X-User-ID")
	}
	a.mu.Lock()
	a.patients[p.ID] = p
	a.mu.Unlock()
	restapi.RespondCodeAndJSON(rw, http.StatusCreated, p, logger)
}

func (a *clinicAPI) getPatient(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContextOrDisabled(r.Context())
	a.mu.RLock()
	p, ok := a.patients[chi.URLParam(r, "id")]
	a.mu.RUnlock()
	if !ok {
		restapi.RespondError(rw, http.StatusNotFound,
			restapi.NewError(a.errorDomain, restapi.ErrorCodeForStatus(http.StatusNotFound), "Patient not found."), logger)
		return
	}
	restapi.RespondJSON(rw, p, logger)
}

func (a *clinicAPI) patientsReport(rw http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	byAuthor := make(map[string]int)
	for _, p := range a.patients {
		byAuthor[p.CreatedBy]++
	}
	total := len(a.patients)
	a.mu.RUnlock()
	restapi.RespondJSON(rw, map[string]interface{}{"total": total, "byAuthor": byAuthor},
		middleware.GetLoggerFromContextOrDisabled(r.Context()))
}
