/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/httpserver/middleware"
)

func TestHTTPHandler(t *testing.T) {
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		rw.Header().Set("X-Patient", chi.URLParam(r, "id"))
		rw.Header().Set("X-Request-ID", middleware.GetRequestIDFromContext(r.Context()))
		rw.WriteHeader(http.StatusCreated)
		_, _ = rw.Write([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery + " " + r.Header.Get("X-Trace") + " " + string(body)))
	})

	req := &Request{
		Method:      http.MethodPut,
		Path:        "/api/v1/patients/42",
		Header:      http.Header{"X-Trace": {"abc"}},
		Body:        []byte("data"),
		Query:       url.Values{"full": {"1"}},
		RouteParams: map[string]string{"id": "42"},
		ctx:         middleware.NewContextWithRequestID(context.Background(), "req-7"),
	}
	resp, err := HTTPHandler(next).Handle(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, "42", resp.Header.Get("X-Patient"))
	require.Equal(t, "req-7", resp.Header.Get("X-Request-ID"))
	require.Equal(t, "PUT /api/v1/patients/42?full=1 abc data", string(resp.Body))
}

func TestHTTPHandler_DefaultStatus(t *testing.T) {
	req := &Request{Method: http.MethodGet, Path: "/"}

	resp, err := HTTPHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).Handle(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Empty(t, resp.Body)

	resp, err = HTTPHandler(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
		rw.WriteHeader(http.StatusOK)
	})).Handle(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestNewRequest(t *testing.T) {
	var got *Request
	router := chi.NewRouter()
	router.Post("/api/v1/appointments/{id}", func(rw http.ResponseWriter, r *http.Request) {
		got = newRequest(r, []byte("body"), Caller{ID: "user-1"}, nil)
	})
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/7?date=today", strings.NewReader("ignored"))
	httpReq.Header.Set("X-Trace", "abc")
	ctx, cancel := context.WithCancel(httpReq.Context())
	router.ServeHTTP(httptest.NewRecorder(), httpReq.WithContext(ctx))
	cancel()

	require.NotNil(t, got)
	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "/api/v1/appointments/7", got.Path)
	require.Equal(t, "abc", got.Header.Get("X-Trace"))
	require.Equal(t, []byte("body"), got.Body)
	require.Equal(t, "today", got.Query.Get("date"))
	require.Equal(t, map[string]string{"id": "7"}, got.RouteParams)
	require.Equal(t, "user-1", got.Caller.ID)
	// The request outlives the caller's cancellation.
	require.NoError(t, got.Context().Err())
}

func TestResponseWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Response{Header: http.Header{"X-A": {"1", "2"}}, Body: []byte("hello")}).write(rec)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"1", "2"}, rec.Header().Values("X-A"))
	require.Equal(t, "5", rec.Header().Get("Content-Length"))
	require.Equal(t, "hello", rec.Body.String())
}
