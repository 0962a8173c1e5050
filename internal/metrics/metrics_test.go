package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterAllCollectorsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	// Registering the same global collectors into the same registry a
	// second time must fail with AlreadyRegisteredError, showing that
	// Register reuses the package-level collectors rather than creating
	// fresh ones per call.
	err := Register(reg)
	require.Error(t, err)
}

func TestCountersAreUsable(t *testing.T) {
	CellMigrate.WithLabelValues("0", "1").Inc()
	SkewSamples.WithLabelValues("good").Inc()
	WaitLatency.WithLabelValues("semaphore").Observe(1.5)
	require.NotNil(t, HTQuarantine)
}
