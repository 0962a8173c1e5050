// Package resourcecontrol enforces the scheduler's AllocModel decisions
// (C2) against the host's cgroup hierarchy: a group's resolved
// alloc.Block becomes a cgroup CPU/memory resource limit when the caller
// applies it through Group.Update. The tree does not call this package
// itself.
//
// Grounded on the teacher's pkg/resourcecontrol package, which wraps
// github.com/containerd/cgroups the same way: detect v1 vs v2 via
// cgroups.Mode(), build a *specs.LinuxResources from the caller's
// parameters, and drive either the legacy Cgroup or the v2 Manager
// behind one small interface. Threaded-mode handling (SetThreadedMode/
// GetThreadedMode in the teacher's utils_linux.go) is carried over the
// same way, using runc's cgroups.WriteFile/ReadFile directly against
// "cgroup.type": a cell's vsmp members run as multiple threads that
// must share one v2 cgroup subtree, which domain-mode cgroups forbid.
package resourcecontrol

import (
	"fmt"
	"path/filepath"
	"strings"

	cgv1 "github.com/containerd/cgroups"
	"github.com/containerd/cgroups/v3/cgroup2"
	runccgroups "github.com/opencontainers/runc/libcontainer/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

var rcLog = logrus.WithField("subsystem", "resourcecontrol")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := rcLog.Data
	rcLog = logger.WithFields(fields)
}

// unifiedMountpoint is the standard cgroup v2 mount point.
const unifiedMountpoint = "/sys/fs/cgroup"

// CgroupType mirrors the v2 "cgroup.type" values relevant to threaded
// control, the same strings the teacher's CgroupMode carries.
type CgroupType string

const (
	CgroupTypeDomain         CgroupType = "domain"
	CgroupTypeDomainThreaded CgroupType = "domain threaded"
	CgroupTypeDomainInvalid  CgroupType = "domain invalid"
	CgroupTypeThreaded       CgroupType = "threaded"
)

// Mode identifies which cgroup hierarchy is mounted on this host.
type Mode int

const (
	ModeLegacy Mode = iota
	ModeUnified
	ModeHybrid
)

// DetectMode inspects the host's cgroup mount to decide v1 vs. v2.
func DetectMode() Mode {
	switch cgv1.Mode() {
	case cgv1.Unified:
		return ModeUnified
	case cgv1.Hybrid:
		return ModeHybrid
	default:
		return ModeLegacy
	}
}

// cpuSharesFromBlock converts a normalized bshares Block into a Linux
// cgroup cpu.shares/cpu.weight value: the bshares count is passed
// through unchanged (1024 when non-positive) and is not clamped to
// either hierarchy's range; reporting-only conversions must go through alloc.BaseSharesToUnits
// instead, this is the cgroup-facing conversion.
func cpuSharesFromBlock(b alloc.Block) uint64 {
	shares := b.Shares
	if shares <= 0 {
		shares = 1024
	}
	return uint64(shares)
}

// cpuQuotaFromBlock derives a cgroup CPU quota/period pair from an
// EffectiveMax percentage (100 == one full core), or a quota of -1
// (unbounded) when the effective max or the total is not positive.
func cpuQuotaFromBlock(b alloc.Block, total int64, periodUS uint64) (quota int64, period uint64) {
	max := b.EffectiveMax(total)
	if max <= 0 || total <= 0 {
		return -1, periodUS
	}
	return int64(uint64(max) * periodUS / 100), periodUS
}

// Group is a handle to the cgroup backing one scheduler tree group.
type Group interface {
	// Update applies cpu and mem alloc.Blocks as cgroup limits.
	Update(cpu, mem alloc.Block, totals Totals) error
	// AddPID attaches a process to this cgroup.
	AddPID(pid int) error
	// Delete removes the cgroup; it must be empty of processes.
	Delete() error
}

// Totals carries the resolved capacities used to convert percentages
// into absolute cgroup quota figures (mirrors tree.Totals, kept
// independent to avoid an import cycle).
type Totals struct {
	CPUPercent int64
	MemPages   int64
	PageSize   int64
}

const defaultPeriodUS = 100_000

type v1Group struct {
	cg cgv1.Cgroup
}

func (g *v1Group) Update(cpu, mem alloc.Block, totals Totals) error {
	quota, period := cpuQuotaFromBlock(cpu, totals.CPUPercent, defaultPeriodUS)
	shares := cpuSharesFromBlock(cpu)
	res := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Shares: &shares,
			Period: &period,
		},
	}
	if quota > 0 {
		res.CPU.Quota = &quota
	}
	if mem.EffectiveMax(totals.MemPages) > 0 {
		limit := mem.EffectiveMax(totals.MemPages) * totals.PageSize
		res.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	if err := g.cg.Update(res); err != nil {
		return errors.Wrap(vmkerrors.ErrNotReady, err.Error())
	}
	return nil
}

func (g *v1Group) AddPID(pid int) error {
	return g.cg.Add(cgv1.Process{Pid: pid})
}

func (g *v1Group) Delete() error {
	return g.cg.Delete()
}

type v2Group struct {
	mgr *cgroup2.Manager
}

func (g *v2Group) Update(cpu, mem alloc.Block, totals Totals) error {
	quota, period := cpuQuotaFromBlock(cpu, totals.CPUPercent, defaultPeriodUS)
	weight := cpuSharesFromBlock(cpu)
	res := cgroup2.Resources{
		CPU: &cgroup2.CPU{
			Weight: &weight,
			Period: &period,
		},
	}
	if quota > 0 {
		res.CPU.Max = cgroup2.NewCPUMax(&quota, &period)
	}
	if mem.EffectiveMax(totals.MemPages) > 0 {
		limit := mem.EffectiveMax(totals.MemPages) * totals.PageSize
		res.Memory = &cgroup2.Memory{Max: &limit}
	}
	if err := g.mgr.Update(&res); err != nil {
		return errors.Wrap(vmkerrors.ErrNotReady, err.Error())
	}
	return nil
}

func (g *v2Group) AddPID(pid int) error {
	return g.mgr.AddProc(uint64(pid))
}

func (g *v2Group) Delete() error {
	return g.mgr.Delete()
}

// Enforcer creates and updates cgroups for scheduler tree groups, one
// per group path, using whichever hierarchy DetectMode found.
type Enforcer struct {
	mode Mode
	root string
}

// NewEnforcer builds an Enforcer rooted at root (e.g. "/vmkernel" for
// v2, or a slice name for v1).
func NewEnforcer(root string) *Enforcer {
	return &Enforcer{mode: DetectMode(), root: root}
}

// Mode reports which hierarchy this enforcer targets.
func (e *Enforcer) Mode() Mode { return e.mode }

// SetThreadedMode switches a v2 cgroup to threaded mode so multiple
// vsmp vcpu threads can live under the same scheduler-group subtree
// instead of each needing its own domain cgroup. A no-op on v1.
func (e *Enforcer) SetThreadedMode(groupPath string) error {
	if e.mode != ModeUnified {
		return nil
	}
	slice := fmt.Sprintf("%s/%s", e.root, groupPath)
	if err := runccgroups.WriteFile(filepath.Join(unifiedMountpoint, slice), "cgroup.type", string(CgroupTypeThreaded)); err != nil {
		return errors.Wrapf(err, "resourcecontrol: setting threaded mode on %q", slice)
	}
	return nil
}

// ThreadedMode reads back a v2 cgroup's current "cgroup.type".
func (e *Enforcer) ThreadedMode(groupPath string) (CgroupType, error) {
	slice := fmt.Sprintf("%s/%s", e.root, groupPath)
	raw, err := runccgroups.ReadFile(filepath.Join(unifiedMountpoint, slice), "cgroup.type")
	if err != nil {
		return "", errors.Wrapf(err, "resourcecontrol: reading cgroup.type on %q", slice)
	}
	return CgroupType(strings.TrimRight(raw, "\n")), nil
}

// Open creates (if absent) or attaches to the cgroup for groupPath and
// returns a handle that can Update/AddPID/Delete it.
func (e *Enforcer) Open(groupPath string) (Group, error) {
	slice := fmt.Sprintf("%s/%s", e.root, groupPath)
	switch e.mode {
	case ModeUnified:
		mgr, err := cgroup2.NewManager(unifiedMountpoint, slice, &cgroup2.Resources{})
		if err != nil {
			return nil, errors.Wrapf(err, "resourcecontrol: opening v2 group %q", slice)
		}
		if err := e.SetThreadedMode(groupPath); err != nil {
			rcLog.WithError(err).WithField("path", slice).Debug("cgroup.type threaded switch failed, continuing in domain mode")
		}
		rcLog.WithField("path", slice).Debug("opened cgroup v2 manager")
		return &v2Group{mgr: mgr}, nil
	default:
		cg, err := cgv1.New(cgv1.V1, cgv1.StaticPath(slice), &specs.LinuxResources{})
		if err != nil {
			return nil, errors.Wrapf(err, "resourcecontrol: opening v1 group %q", slice)
		}
		rcLog.WithField("path", slice).Debug("opened cgroup v1 hierarchy")
		return &v1Group{cg: cg}, nil
	}
}
