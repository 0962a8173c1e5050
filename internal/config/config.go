// Package config loads the boot-time TOML configuration: tree sizing,
// the predefined-group table, cell/pcpu partitioning, and wait-engine
// defaults, then resolves it against probed host totals.
//
// Grounded on the teacher's pkg/katautils/config.go: a tomlConfig struct
// with `toml:"..."` tags decoded via github.com/BurntSushi/toml, a
// decodeConfig/LoadConfiguration pair (read file, decode, resolve), and
// accessor methods that fill in defaults the decoded struct leaves zero.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

var cfgLog = logrus.WithField("subsystem", "config")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := cfgLog.Data
	cfgLog = logger.WithFields(fields)
}

// defaultViciousGraceMs is the grace window a vicious cartel shutdown
// waits before force-killing survivors (spec.md §9 Open Question; no
// concrete value in original_source, so this is a SPEC_FULL decision).
const defaultViciousGraceMs = 5000

// tomlTreeGroup is one [tree.predefined.<name>] table: cpu_min/cpu_max
// and mem_min/mem_max are TOML strings holding an integer ("10", "-1"),
// a percentage ("30%") or a go-units size ("2Gi"); they are parsed
// explicitly in resolvePredefined. An unquoted TOML integer does not
// decode into these fields.
type tomlTreeGroup struct {
	Parent     string `toml:"parent"`
	CPUMin     string `toml:"cpu_min"`
	CPUMax     string `toml:"cpu_max"`
	MemMin     string `toml:"mem_min"`
	MemMax     string `toml:"mem_max"`
	ShareLevel string `toml:"share_level"`
}

type tomlTree struct {
	MaxGroups  int                      `toml:"max_groups"`
	MaxNodes   int                      `toml:"max_nodes"`
	PathLen    int                      `toml:"path_len"`
	Predefined map[string]tomlTreeGroup `toml:"predefined"`
}

type tomlCell struct {
	Count int `toml:"count"`
	Hz    int `toml:"hz"`
}

type tomlWait struct {
	DefaultTimeoutMs int `toml:"default_timeout_ms"`
	ViciousGraceMs   int `toml:"vicious_grace_ms"`
}

type tomlEventBus struct {
	FifoPath string `toml:"fifo_path"`
}

type tomlLog struct {
	Level string `toml:"level"`
}

// tomlConfig is the decoded shape of the on-disk TOML file, unresolved:
// predefined-group min/max sentinels are still strings/percentages and
// have not been probed against host totals yet.
type tomlConfig struct {
	Tree     tomlTree     `toml:"tree"`
	Cell     tomlCell     `toml:"cell"`
	Wait     tomlWait     `toml:"wait"`
	EventBus tomlEventBus `toml:"eventbus"`
	Log      tomlLog      `toml:"log"`
}

// Config is the resolved, ready-to-use boot configuration: totals have
// been probed, the predefined table has been built, and every default
// has been filled in.
type Config struct {
	Totals          tree.Totals
	Predefined      []tree.PredefinedSpec
	CellCount       int
	CellHz          int
	QuantumCycles   uint64
	PCPUsPerCell    [][]int
	WaitTimeoutMs   int
	ViciousGraceMs  int
	EventBusFifo    string
	LogLevel        logrus.Level
	resolvedPath    string
}

// assumedCyclesPerSecond stands in for a calibrated TSC/PCPU frequency
// probe: spec.md §6 places the real timer hook out of scope ("the
// scheduler is only a consumer"), so quantum length is derived from
// this fixed figure rather than a live calibration this single-process
// rendition has no hardware access to perform.
const assumedCyclesPerSecond = 2_000_000_000

// ResolvedPath reports the file Load actually read, after defaulting.
func (c *Config) ResolvedPath() string { return c.resolvedPath }

// Load reads and resolves the configuration at path. An empty path
// means "use compiled-in defaults only" (no file is read), mirroring
// the teacher's getDefaultConfigFile fallback but without a search path
// since this binary has no distro-packaged install locations.
func Load(path string) (*Config, error) {
	var tc tomlConfig
	resolved := path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: reading %q", path)
		}
		if _, err := toml.Decode(string(data), &tc); err != nil {
			return nil, errors.Wrapf(err, "config: decoding %q", path)
		}
		cfgLog.WithField("path", path).Info("loaded configuration")
	} else {
		cfgLog.Debug("no config path given, using defaults")
	}

	nPCPUs := runtime.NumCPU()
	totalMem := memory.TotalMemory()

	cfg := &Config{
		Totals: tree.Totals{
			CPUPercent: int64(nPCPUs) * 100,
			MemPages:   int64(totalMem / pageSize),
		},
		CellCount:      defaultInt(tc.Cell.Count, defaultCellCount(nPCPUs)),
		CellHz:         defaultInt(tc.Cell.Hz, 100),
		QuantumCycles:  assumedCyclesPerSecond / uint64(defaultInt(tc.Cell.Hz, 100)),
		WaitTimeoutMs:  tc.Wait.DefaultTimeoutMs,
		ViciousGraceMs: defaultInt(tc.Wait.ViciousGraceMs, defaultViciousGraceMs),
		EventBusFifo:   tc.EventBus.FifoPath,
		resolvedPath:   resolved,
	}

	level, err := logrus.ParseLevel(defaultString(tc.Log.Level, "warning"))
	if err != nil {
		return nil, errors.Wrap(vmkerrors.ErrBadParam, err.Error())
	}
	cfg.LogLevel = level

	cfg.PCPUsPerCell = partitionPCPUs(nPCPUs, cfg.CellCount)

	predefined, err := resolvePredefined(tc.Tree.Predefined, cfg.Totals)
	if err != nil {
		return nil, errors.Wrap(err, "config: resolving predefined groups")
	}
	cfg.Predefined = predefined

	return cfg, nil
}

// pageSize matches the ESX convention of 4KiB scheduler pages; this is
// a reporting/normalization unit only, not the host's mmap page size.
const pageSize = 4096

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// defaultCellCount picks one cell per pair of pcpus, at least one, the
// way original_source's sched.c seeds SCHED_NUM_CELLS from NumPCPUs().
func defaultCellCount(nPCPUs int) int {
	n := nPCPUs / 2
	if n < 1 {
		n = 1
	}
	return n
}

// partitionPCPUs splits [0, nPCPUs) into nCells contiguous, near-equal
// shares, the remainder distributed to the first cells.
func partitionPCPUs(nPCPUs, nCells int) [][]int {
	if nCells < 1 {
		nCells = 1
	}
	out := make([][]int, nCells)
	base := nPCPUs / nCells
	extra := nPCPUs % nCells
	next := 0
	for i := 0; i < nCells; i++ {
		count := base
		if i < extra {
			count++
		}
		for j := 0; j < count; j++ {
			out[i] = append(out[i], next)
			next++
		}
	}
	return out
}

// resolvePredefined merges the decoded [tree.predefined.*] tables over
// tree.DefaultPredefined(), so a config file only needs to override the
// entries it cares about.
func resolvePredefined(decoded map[string]tomlTreeGroup, totals tree.Totals) ([]tree.PredefinedSpec, error) {
	base := tree.DefaultPredefined()
	if len(decoded) == 0 {
		return base, nil
	}
	byName := make(map[string]int, len(base))
	for i, spec := range base {
		byName[spec.Name] = i
	}
	for name, tg := range decoded {
		idx, ok := byName[name]
		if !ok {
			return nil, errors.Wrapf(vmkerrors.ErrNotFound, "predefined group %q not in base table", name)
		}
		cpu, err := parseBlockFields(tg.CPUMin, tg.CPUMax, tg.ShareLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "group %q cpu", name)
		}
		mem, err := parseBlockFields(tg.MemMin, tg.MemMax, tg.ShareLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "group %q mem", name)
		}
		spec := base[idx]
		spec.CPU = cpu
		spec.Mem = mem
		base[idx] = spec
	}
	return base, nil
}

// parseBlockFields turns the TOML string forms of min/max/share level
// into a RawBlock. An empty min leaves min at 0; an empty max becomes
// alloc.NoMax.
func parseBlockFields(minStr, maxStr, shareLevel string) (alloc.RawBlock, error) {
	rb := alloc.RawBlock{Units: alloc.UnitsPercent, ShareLevel: alloc.SharesNormal}
	if minStr != "" {
		v, err := parseSigned(minStr)
		if err != nil {
			return rb, err
		}
		rb.Min = v
	}
	if maxStr != "" {
		v, err := parseSigned(maxStr)
		if err != nil {
			return rb, err
		}
		rb.Max = v
	} else {
		rb.Max = alloc.NoMax
	}
	switch shareLevel {
	case "low":
		rb.ShareLevel = alloc.SharesLow
	case "high":
		rb.ShareLevel = alloc.SharesHigh
	case "", "normal":
		rb.ShareLevel = alloc.SharesNormal
	default:
		return rb, errors.Wrapf(vmkerrors.ErrBadParam, "unknown share_level %q", shareLevel)
	}
	return rb, nil
}

// parseSigned accepts a plain integer (including the "-1" sentinel), a
// percentage ("30%"), or a go-units size string ("2Gi"); percentages
// parse as bare integers since RawBlock.Units already records the unit.
func parseSigned(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	if trimmed, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(vmkerrors.ErrBadParam, "cannot parse %q as a percentage", s)
		}
		return v, nil
	}
	if v, err := units.RAMInBytes(s); err == nil {
		return v, nil
	}
	return 0, errors.Wrapf(vmkerrors.ErrBadParam, "cannot parse %q as size or integer", s)
}
