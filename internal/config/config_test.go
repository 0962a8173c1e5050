package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
)

func TestLoadWithNoPathUsesCompiledDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Greater(t, cfg.CellCount, 0)
	require.Equal(t, 100, cfg.CellHz)
	require.Equal(t, defaultViciousGraceMs, cfg.ViciousGraceMs)
	require.Len(t, cfg.Predefined, 8)
	require.Greater(t, cfg.Totals.CPUPercent, int64(0))
}

func TestLoadOverridesPredefinedGroup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmkernel.toml")
	contents := []byte(`
[cell]
count = 2
hz = 250

[wait]
vicious_grace_ms = 9000

[tree.predefined.local]
cpu_min = "10%"
cpu_max = "50%"
share_level = "high"
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.CellCount)
	require.Equal(t, 250, cfg.CellHz)
	require.Equal(t, 9000, cfg.ViciousGraceMs)

	var local *alloc.RawBlock
	for _, spec := range cfg.Predefined {
		if spec.Name == "local" {
			local = &spec.CPU
		}
	}
	require.NotNil(t, local)
	require.Equal(t, int64(10), local.Min)
	require.Equal(t, int64(50), local.Max)
	require.Equal(t, alloc.SharesHigh, local.ShareLevel)
}

func TestLoadRejectsUnknownPredefinedName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmkernel.toml")
	contents := []byte(`
[tree.predefined.nonexistent]
cpu_max = "-1"
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPartitionPCPUsDistributesRemainder(t *testing.T) {
	got := partitionPCPUs(5, 2)
	require.Len(t, got, 2)
	require.Len(t, got[0], 3)
	require.Len(t, got[1], 2)
}

func TestParseSignedAcceptsSentinelPercentAndSize(t *testing.T) {
	v, err := parseSigned("-1")
	require.NoError(t, err)
	require.Equal(t, int64(-1), v)

	v, err = parseSigned("30%")
	require.NoError(t, err)
	require.Equal(t, int64(30), v)

	v, err = parseSigned("2Gi")
	require.NoError(t, err)
	require.Equal(t, int64(2*1024*1024*1024), v)

	_, err = parseSigned("garbage")
	require.Error(t, err)
}
