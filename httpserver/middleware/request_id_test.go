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
)

func TestRequestID(t *testing.T) {
	var gotID, gotIntID string
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotID = GetRequestIDFromContext(r.Context())
		gotIntID = GetInternalRequestIDFromContext(r.Context())
	})
	mw := RequestIDWithOpts(RequestIDOpts{
		GenerateID:         func() string { return "generated" },
		GenerateInternalID: func() string { return "internal" },
	})

	t.Run("generated", func(t *testing.T) {
		resp := httptest.NewRecorder()
		mw(next).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, "generated", gotID)
		require.Equal(t, "internal", gotIntID)
		require.Equal(t, "generated", resp.Header().Get(HeaderRequestID))
		require.Equal(t, "internal", resp.Header().Get(HeaderInternalRequestID))
	})

	t.Run("from header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "external")
		resp := httptest.NewRecorder()
		mw(next).ServeHTTP(resp, req)
		require.Equal(t, "external", gotID)
		require.Equal(t, "external", resp.Header().Get(HeaderRequestID))
	})

	t.Run("xid by default", func(t *testing.T) {
		resp := httptest.NewRecorder()
		RequestID()(next).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Len(t, gotID, 20)
		require.NotEqual(t, gotID, gotIntID)
	})
}
