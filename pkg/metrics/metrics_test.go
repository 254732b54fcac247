package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	DefaultRegisterer = reg
	DefaultGatherer = reg
	t.Cleanup(func() {
		DefaultRegisterer = prometheus.DefaultRegisterer
		DefaultGatherer = prometheus.DefaultGatherer
	})

	Register()
	require.Panics(t, Register, "collectors are registered once")

	FetchRequestsTotal.WithLabelValues("network", "success").Inc()
	require.InDelta(t, 1, testutil.ToFloat64(FetchRequestsTotal.WithLabelValues("network", "success")), 0)

	count, err := testutil.GatherAndCount(reg, "awgateway_fetch_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
