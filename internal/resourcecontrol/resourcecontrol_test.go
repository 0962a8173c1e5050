package resourcecontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
)

func TestCpuSharesFromBlockDefaultsWhenZero(t *testing.T) {
	require.Equal(t, uint64(1024), cpuSharesFromBlock(alloc.Block{}))
	require.Equal(t, uint64(2000), cpuSharesFromBlock(alloc.Block{Shares: 2000}))
}

func TestCpuQuotaFromBlockUnboundedWhenNoMax(t *testing.T) {
	quota, period := cpuQuotaFromBlock(alloc.Block{Max: alloc.NoMax}, 400, defaultPeriodUS)
	require.Equal(t, int64(-1), quota)
	require.Equal(t, uint64(defaultPeriodUS), period)
}

func TestCpuQuotaFromBlockScalesWithPercent(t *testing.T) {
	// 50% of a 400%-total (4 pcpu) host over a 100ms period.
	quota, period := cpuQuotaFromBlock(alloc.Block{Max: 50}, 400, defaultPeriodUS)
	require.Equal(t, int64(50_000), quota)
	require.Equal(t, uint64(defaultPeriodUS), period)
}

func TestCpuQuotaFromBlockHardMaxWins(t *testing.T) {
	quota, _ := cpuQuotaFromBlock(alloc.Block{Max: 80, HardMax: 20}, 100, defaultPeriodUS)
	require.Equal(t, int64(20_000), quota)
}
