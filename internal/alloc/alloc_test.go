package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSentinels(t *testing.T) {
	// "total - n" convention: -1 means "total + (-1) + 1 == total".
	raw := RawBlock{Min: 0, Max: -1, ShareLevel: SharesNormal, Units: UnitsPercent}
	b := Normalize(raw, 100, 2)
	require.Equal(t, int64(0), b.Min)
	require.Equal(t, int64(100), b.Max)
	require.Equal(t, int64(2000), b.Shares) // 2 vcpus * 1000
}

func TestNormalizeNegativeMinClampsToZero(t *testing.T) {
	// -150 resolves to 100 + (-150) + 1 = -49, which clamps to 0.
	raw := RawBlock{Min: -150, Max: 10, Units: UnitsPercent}
	b := Normalize(raw, 100, 1)
	require.Equal(t, int64(0), b.Min)
	require.Equal(t, int64(10), b.Max)
}

func TestNormalizeShareLevels(t *testing.T) {
	for _, tc := range []struct {
		level ShareLevel
		vcpus int
		want  int64
	}{
		{SharesLow, 1, 500},
		{SharesNormal, 1, 1000},
		{SharesHigh, 1, 2000},
		{SharesNormal, 4, 4000},
	} {
		b := Normalize(RawBlock{ShareLevel: tc.level}, 100, tc.vcpus)
		require.Equal(t, tc.want, b.Shares)
	}
}

func TestNormalizeCustomShares(t *testing.T) {
	b := Normalize(RawBlock{ShareLevel: SharesCustom, Shares: 1234}, 100, 1)
	require.Equal(t, int64(1234), b.Shares)
}

func TestEffectiveMaxHardMaxWins(t *testing.T) {
	b := Block{Max: 80, HardMax: 50}
	require.Equal(t, int64(50), b.EffectiveMax(100))
}

func TestEffectiveMaxNoMaxUsesTotal(t *testing.T) {
	b := Block{Max: NoMax}
	require.Equal(t, int64(100), b.EffectiveMax(100))
}

func TestAdmitReparentOkAndReject(t *testing.T) {
	require.NoError(t, AdmitReparent(20, 30, 50))
	err := AdmitReparent(21, 30, 50)
	require.Error(t, err)
}

func TestBaseSharesToUnitsReportingOnly(t *testing.T) {
	require.Equal(t, int64(50), BaseSharesToUnits(500, 1000, 100))
	require.Equal(t, int64(0), BaseSharesToUnits(500, 0, 100))
}

func TestNormalizeAffinitySubstitutesZero(t *testing.T) {
	require.Equal(t, AffinityNone, NormalizeAffinity(0))
	require.Equal(t, uint64(0xF), NormalizeAffinity(0xF))
}
