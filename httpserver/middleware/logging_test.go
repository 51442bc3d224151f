/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
)

func TestLogging(t *testing.T) {
	t.Run("response is logged with fields from handlers", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			require.NotNil(t, GetLoggerFromContext(r.Context()))
			GetLoggingParamsFromContext(r.Context()).ExtendFields(log.String("admission_outcome", "queued"))
			rw.WriteHeader(http.StatusCreated)
			_, _ = rw.Write([]byte("hello"))
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login?token=secret", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		req = req.WithContext(NewContextWithRequestID(req.Context(), "req-1"))

		mw := LoggingWithOpts(logger, LoggingOpts{SecretQueryParams: []string{"token"}})
		mw(next).ServeHTTP(httptest.NewRecorder(), req)

		entries := logger.Entries()
		require.Len(t, entries, 1)
		require.Contains(t, entries[0].Text, "response completed in")
		for key, want := range map[string]string{
			"request_id":        "req-1",
			"method":            http.MethodPost,
			"uri":               "/api/v1/auth/login?token=" + LoggingSecretQueryPlaceholder,
			"origin_addr":       "10.0.0.1",
			"admission_outcome": "queued",
		} {
			f, found := entries[0].FindField(key)
			require.True(t, found, key)
			require.Equal(t, want, string(f.Bytes), key)
		}
		status, found := entries[0].FindField("status")
		require.True(t, found)
		require.Equal(t, int64(http.StatusCreated), status.Int)
		bytesSent, found := entries[0].FindField("bytes_sent")
		require.True(t, found)
		require.Equal(t, int64(5), bytesSent.Int)
	})

	t.Run("excluded endpoint is logged only on error", func(t *testing.T) {
		logger := logtest.NewRecorder()
		status := http.StatusOK
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { rw.WriteHeader(status) })
		mw := LoggingWithOpts(logger, LoggingOpts{ExcludedEndpoints: []string{"/healthz"}, RequestStart: true})

		mw(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Empty(t, logger.Entries())

		status = http.StatusServiceUnavailable
		mw(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Len(t, logger.Entries(), 1)
	})

	t.Run("time slots for slow requests", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			GetLoggingParamsFromContext(r.Context()).AddTimeSlotDurationInMs("queue_wait_ms", 5*time.Millisecond)
			time.Sleep(5 * time.Millisecond)
		})
		mw := LoggingWithOpts(logger, LoggingOpts{SlowRequestThreshold: time.Millisecond})
		mw(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		entries := logger.Entries()
		require.Len(t, entries, 1)
		_, found := entries[0].FindField("time_slots")
		require.True(t, found)
	})
}

func TestOriginAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Equal(t, "", OriginAddr(req))
	req.Header.Set("X-Real-IP", " 10.1.1.1 ")
	require.Equal(t, "10.1.1.1", OriginAddr(req))
	req.Header.Set("X-Forwarded-For", "10.2.2.2")
	require.Equal(t, "10.2.2.2", OriginAddr(req))
}
