/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// RequireSamplesCountInHistogram asserts that all histograms of the collector have wantSamplesCount observations in total.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Collector, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(hist))
	families, err := reg.Gather()
	require.NoError(t, err)
	var got uint64
	for _, family := range families {
		for _, m := range family.GetMetric() {
			got += m.GetHistogram().GetSampleCount()
		}
	}
	require.Equal(t, uint64(wantSamplesCount), got)
}
