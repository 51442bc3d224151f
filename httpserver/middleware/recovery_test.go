/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/testutil"
)

func TestRecovery(t *testing.T) {
	t.Run("panic is turned into internal error", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { panic("boom") })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(NewContextWithLogger(req.Context(), logger))
		resp := httptest.NewRecorder()

		Recovery("Admission")(next).ServeHTTP(resp, req)

		testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, "Admission", restapi.ErrCodeInternal)
		entry, found := logger.FindEntry("Panic: boom")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
		_, found = entry.FindField("stack")
		require.True(t, found)
	})

	t.Run("abort handler is propagated", func(t *testing.T) {
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { panic(http.ErrAbortHandler) })
		require.PanicsWithValue(t, http.ErrAbortHandler, func() {
			Recovery("Admission")(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestWrapResponseWriter(t *testing.T) {
	resp := httptest.NewRecorder()
	wrw := WrapResponseWriterIfNeeded(resp)
	require.Same(t, wrw, WrapResponseWriterIfNeeded(wrw))
	require.Equal(t, 0, wrw.Status())

	_, err := wrw.Write([]byte("abc"))
	require.NoError(t, err)
	wrw.WriteHeader(http.StatusTeapot) // ignored by the recorder and the wrapper, the header is already sent
	require.Equal(t, http.StatusOK, wrw.Status())
	require.Equal(t, 3, wrw.BytesWritten())
	require.Equal(t, resp, wrw.Unwrap())
}
