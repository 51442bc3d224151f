/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	queues := []QueueStats{{Name: "auth", Waiting: 3, Active: 2, Completed: 10, Failed: 1, Expired: 4}}
	m := NewPrometheusMetrics(PrometheusMetricsOpts{
		Registerer: reg,
		Queues:     func() []QueueStats { return queues },
	})
	m.MustRegisterMetrics()

	m.ObserveRequest("auth", OutcomeSuccess, 20*time.Millisecond)
	m.ObserveRequest(ClassDirect, OutcomeRateLimited, time.Millisecond)
	m.RateLimited.WithLabelValues("standard").Inc()
	m.FailOpen.Inc()
	m.InFlight.Inc()

	require.Equal(t, 2, testutil.CollectAndCount(m.Durations))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("standard")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FailOpen))
	require.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))

	expected := `
# HELP admission_queue_tickets Current number of tickets per queue class and state.
# TYPE admission_queue_tickets gauge
admission_queue_tickets{class="auth",state="active"} 2
admission_queue_tickets{class="auth",state="waiting"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "admission_queue_tickets"))
	require.Equal(t, 5, testutil.CollectAndCount(m.Queue))

	m.UnregisterMetrics()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, mfs)
}
