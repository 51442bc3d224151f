/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type mockT struct {
	failed bool
}

func (t *mockT) FailNow() {
	t.failed = true
	panic(errFailNow)
}

func (t *mockT) Errorf(string, ...interface{}) {}

var errFailNow = errors.New("fail now")

// run calls fn and reports whether it failed the mock.
func run(fn func(t *mockT)) bool {
	mt := &mockT{}
	func() {
		defer func() {
			if p := recover(); p != nil && p != errFailNow { //nolint:errorlint // sentinel panic value
				panic(p)
			}
		}()
		fn(mt)
	}()
	return mt.failed
}

func TestRequireErrorInRecorder(t *testing.T) {
	newResp := func() *httptest.ResponseRecorder {
		resp := httptest.NewRecorder()
		resp.Header().Set("Content-Type", "application/json")
		resp.WriteHeader(http.StatusServiceUnavailable)
		_, _ = resp.WriteString(`{"error":{"domain":"Admission","code":"queueTimeout","context":{"class":"auth"}}}`)
		return resp
	}

	require.False(t, run(func(mt *mockT) {
		errResp := RequireErrorInRecorder(mt, newResp(), http.StatusServiceUnavailable, "Admission", "queueTimeout")
		require.Equal(t, "auth", errResp.Context["class"])
	}))
	require.True(t, run(func(mt *mockT) {
		RequireErrorInRecorder(mt, newResp(), http.StatusServiceUnavailable, "Admission", "tooManyRequests")
	}))
	require.True(t, run(func(mt *mockT) {
		RequireErrorInRecorder(mt, newResp(), http.StatusTooManyRequests, "Admission", "queueTimeout")
	}))
}

func TestRequireSamplesCountInHistogram(t *testing.T) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "durations", Buckets: []float64{1, 10}},
		[]string{"class"})
	hist.WithLabelValues("auth").Observe(1)
	hist.WithLabelValues("reports").Observe(5)

	require.False(t, run(func(mt *mockT) { RequireSamplesCountInHistogram(mt, hist, 2) }))
	require.True(t, run(func(mt *mockT) { RequireSamplesCountInHistogram(mt, hist, 1) }))
}

func TestRequireNoErrorInChannel(t *testing.T) {
	errs := make(chan error, 1)
	require.False(t, run(func(mt *mockT) { RequireNoErrorInChannel(mt, errs) }))
	errs <- errors.New("fatal")
	require.True(t, run(func(mt *mockT) { RequireNoErrorInChannel(mt, errs) }))
}
