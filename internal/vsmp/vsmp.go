// Package vsmp implements the World/VCPU/VSMP model (C3): per-vcpu state
// machine, per-vsmp aggregation (co-run/co-stop decisions), skew meters,
// hyperthread sharing policy, and affinity.
//
// Grounded on the teacher's virtcontainers/hypervisor.go (VcpuThreadIDs,
// per-vcpu bookkeeping) and virtcontainers/sandbox.go's embedded
// sync.Mutex + logrus subsystem-logger idiom; the per-vcpu struct shape
// additionally follows other_examples' VDATABPro core_engine/vcpu.go and
// core_engine/virtual_machine.go (per-vcpu state/registers, VM-level vcpu
// array aggregation).
package vsmp

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/metrics"
	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/vatomic"
)

var vsmpLog = logrus.WithField("subsystem", "vsmp")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := vsmpLog.Data
	vsmpLog = logger.WithFields(fields)
}

// MaxVcpus bounds a VSMP's vcpu array.
const MaxVcpus = 128

// RunState is a vcpu's position in New -> Ready -> Run <-> Ready <->
// Wait/BusyWait -> ReadyCoRun/ReadyCoStop -> Zombie.
type RunState int

const (
	RunNew RunState = iota
	RunReady
	RunRun
	RunReadyCoRun
	RunReadyCoStop
	RunWait
	RunBusyWait
	RunZombie
)

func (s RunState) String() string {
	switch s {
	case RunNew:
		return "New"
	case RunReady:
		return "Ready"
	case RunRun:
		return "Run"
	case RunReadyCoRun:
		return "ReadyCoRun"
	case RunReadyCoStop:
		return "ReadyCoStop"
	case RunWait:
		return "Wait"
	case RunBusyWait:
		return "BusyWait"
	case RunZombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// WaitReason tags why a vcpu is blocked. Purely informational: it is
// never consulted to decide whether a wakeup matches (that is done by
// event id alone, per spec.md §4.5), only used by observability and by
// test/trace code that wants to assert who woke whom.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitLock
	WaitSemaphore
	WaitAIO
	WaitNet
	WaitSCSI
	WaitRPC
	WaitSleep
	WaitTLB
	WaitSwap
	WaitWorldDeath
	WaitRWLock
	WaitUserWorld
	WaitIdle
	WaitBarrier
)

func (r WaitReason) String() string {
	switch r {
	case WaitNone:
		return "None"
	case WaitLock:
		return "Lock"
	case WaitSemaphore:
		return "Semaphore"
	case WaitAIO:
		return "AIO"
	case WaitNet:
		return "Net"
	case WaitSCSI:
		return "SCSI"
	case WaitRPC:
		return "RPC"
	case WaitSleep:
		return "Sleep"
	case WaitTLB:
		return "TLB"
	case WaitSwap:
		return "Swap"
	case WaitWorldDeath:
		return "WorldDeath"
	case WaitRWLock:
		return "RWLock"
	case WaitUserWorld:
		return "UserWorld"
	case WaitIdle:
		return "Idle"
	case WaitBarrier:
		return "Barrier"
	default:
		return "Unknown"
	}
}

// WorldType flags, orthogonal to run state.
type WorldType uint32

const (
	WorldHost WorldType = 1 << iota
	WorldSystem
	WorldVMM
	WorldUser
	WorldClone
	WorldPost
	WorldIdle
)

// CpuMask is a bitmask over up to 64 PCPUs; alloc.AffinityNone /
// alloc.NormalizeAffinity define the "no constraint" sentinel shared
// with the AllocModel package.
type CpuMask = uint64

// HTSharing constrains which PCPUs in a package may host a vsmp's
// sibling vcpus simultaneously.
type HTSharing int

const (
	HTAny HTSharing = iota
	HTInternal
	HTNone
)

// Meter is a simple count/elapsed/histogram accumulator, one per
// (vcpu, state) pair.
type Meter struct {
	Count     uint64
	ElapsedNS uint64
	Histogram [8]uint64 // log2-bucketed elapsed-time histogram
}

func (m *Meter) Record(elapsedNS uint64) {
	m.Count++
	m.ElapsedNS += elapsedNS
	bucket := 0
	for v := elapsedNS; v > 1 && bucket < len(m.Histogram)-1; v >>= 1 {
		bucket++
	}
	m.Histogram[bucket]++
}

// SkewStats accumulates per-vsmp skew-detection counters.
type SkewStats struct {
	Samples        uint64
	Good           uint64
	Bad            uint64
	Resched        uint64
	Ignore         uint64
	IntraSkewSamples uint64
	IntraSkewOut     uint64
}

// VCPU is one schedulable vcpu of a VSMP.
type VCPU struct {
	Index int // position within the owning VSMP's array
	VSMP  *VSMP

	RunState  RunState
	WaitState WaitReason
	WaitEvent uint32

	Affinity   CpuMask
	PhysCPU    int
	HandoffCPU int
	Idle       bool

	SwitchInProgress bool
	RemoveInProgress bool

	// StateMeters[s] accumulates time spent in RunState s.
	StateMeters [8]Meter

	// PerPCPURunTime[p] accumulates cycles run while resident on PCPU p.
	PerPCPURunTime map[int]uint64

	// ChargeStart/ChargeCyclesTotal are read off-cell via the versioned
	// atomics protocol (vatomic.Versioned64), so readers never need the
	// cell lock (spec.md §5).
	ChargeStart       vatomic.Versioned64
	ChargeCyclesTotal vatomic.Versioned64

	SystemOverlapCycles uint64
	SkewIndex           int
	QuantumDeadline     uint64 // absolute TSC-equivalent cycles
	WakeupLatency       Meter

	PreemptDisabledStart uint64 // valid only while PreemptDisableCount > 0
	PreemptDisableCount  int32  // refcount; 0 means preemption is enabled
}

func newVCPU(idx int) *VCPU {
	return &VCPU{
		Index:          idx,
		RunState:       RunNew,
		Affinity:       alloc.AffinityNone,
		PhysCPU:        -1,
		HandoffCPU:     -1,
		PerPCPURunTime: make(map[int]uint64),
	}
}

// CoRunState is the vsmp-level aggregate of its vcpus' run states.
type CoRunState int

const (
	CoNone CoRunState = iota
	CoRun
	CoReady
	CoStop
)

// VSMP is the co-scheduled group of vcpus belonging to one VM.
type VSMP struct {
	mu sync.Mutex // guards Vcpus, the counts, and skew state (spec.md §5)

	Leader tree.WorldID
	Vcpus  []*VCPU

	CoRunState      CoRunState
	NRun, NWait, NIdle int

	NUMAHome int // home NUMA node, -1 if unset

	ExternalAlloc alloc.Block // as requested by the admin tree (C1/C2)
	InternalAlloc alloc.Block // as resolved for scheduling purposes

	VtimeMain       uint64
	VtimeExtra      uint64
	Stride          uint64
	NormalizedStride uint64
	AssignedPath    tree.GroupPath

	MaxRateStride uint64
	MaxRateVtime  uint64
	QuantumDeadline uint64

	AffinityConstrained bool
	JointAffinity       bool
	HardAffinity        bool

	HTSharingPolicy HTSharing
	HTQuarantine    bool
	NumQuarantines  uint64
	QuarantinePeriods uint64

	Skew SkewStats

	// StrictCosched enables the spec.md §4.3 co-scheduling aggregation
	// rule; some lightweight vsmps (e.g. helper worlds) run with it off.
	StrictCosched bool
}

// New builds a VSMP with n vcpus, all starting in RunNew/idle affinity.
func New(leader tree.WorldID, n int, strictCosched bool) *VSMP {
	if n > MaxVcpus {
		n = MaxVcpus
	}
	v := &VSMP{
		Leader:        leader,
		Vcpus:         make([]*VCPU, n),
		NIdle:         n,
		NUMAHome:      -1,
		StrictCosched: strictCosched,
	}
	for i := 0; i < n; i++ {
		vc := newVCPU(i)
		vc.VSMP = v
		v.Vcpus[i] = vc
	}
	return v
}

// recomputeCounts recounts NRun/NWait/NIdle from the vcpu array; callers
// must hold mu. This keeps spec.md invariant 4 (nRun+nWait+nIdle ==
// |vcpus|) true by construction rather than by incremental bookkeeping
// that could drift.
func (v *VSMP) recomputeCounts() {
	v.NRun, v.NWait, v.NIdle = 0, 0, 0
	for _, vc := range v.Vcpus {
		switch vc.RunState {
		case RunRun:
			v.NRun++
		case RunWait, RunBusyWait:
			v.NWait++
		default:
			v.NIdle++
		}
	}
}

// SetVcpuRunState transitions vc to state s and recomputes the vsmp's
// aggregate counts and CoRunState under the vsmp lock.
func (v *VSMP) SetVcpuRunState(vc *VCPU, s RunState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vc.RunState = s
	v.recomputeCounts()
	v.recomputeCoRunStateLocked()
}

// recomputeCoRunStateLocked implements spec.md §4.3: under strict
// co-scheduling, if any vcpu is Run, every non-waiting sibling must be
// Run or ReadyCoRun (an idle vcpu may be plain Ready); a violation
// drives the vsmp into ReadyCoStop.
func (v *VSMP) recomputeCoRunStateLocked() {
	if !v.StrictCosched {
		v.CoRunState = CoNone
		return
	}
	anyRun := false
	violation := false
	for _, vc := range v.Vcpus {
		if vc.RunState == RunRun {
			anyRun = true
		}
	}
	if !anyRun {
		v.CoRunState = CoReady
		return
	}
	for _, vc := range v.Vcpus {
		switch vc.RunState {
		case RunRun, RunReadyCoRun:
		case RunWait, RunBusyWait, RunZombie:
			// waiting siblings never count against co-scheduling.
		case RunReady:
			if !vc.Idle {
				violation = true
			}
		default:
			violation = true
		}
	}
	if violation {
		v.CoRunState = CoStop
	} else {
		v.CoRunState = CoRun
	}
}

// ApplyCoStop marks every non-waiting sibling ReadyCoStop, matching the
// "violations trigger ReadyCoStop" rule; called by the cell scheduler
// once CoRunState has been observed as CoStop.
func (v *VSMP) ApplyCoStop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, vc := range v.Vcpus {
		if vc.RunState == RunRun || vc.RunState == RunReady || vc.RunState == RunReadyCoRun {
			vc.RunState = RunReadyCoStop
		}
	}
	v.recomputeCounts()
}

// RecomputeAffinity derives AffinityConstrained/JointAffinity from the
// current per-vcpu masks, substituting AffinityNone for any zero mask
// first (normalization, spec.md §4.3).
func (v *VSMP) RecomputeAffinity() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.Vcpus) == 0 {
		return
	}
	first := alloc.NormalizeAffinity(v.Vcpus[0].Affinity)
	v.Vcpus[0].Affinity = first
	joint := true
	constrained := first != alloc.AffinityNone
	for _, vc := range v.Vcpus[1:] {
		vc.Affinity = alloc.NormalizeAffinity(vc.Affinity)
		if vc.Affinity != first {
			joint = false
		}
		if vc.Affinity != alloc.AffinityNone {
			constrained = true
		}
	}
	v.JointAffinity = joint
	v.AffinityConstrained = constrained
}

// Quarantine marks the vsmp's HT sharing as quarantined after repeated
// pathological sharing, per spec.md §4.3.
func (v *VSMP) Quarantine(periods uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.HTQuarantine = true
	v.NumQuarantines++
	v.QuarantinePeriods += periods
	metrics.HTQuarantine.Inc()
}

// SampleSkew compares each vcpu's SkewIndex against threshold on a
// scheduling tick where more than one vcpu is runnable; vcpus ahead of
// threshold are marked ReadyCoStop on next reschedule (by the caller,
// via the returned AheadVcpus), vcpus behind are marked urgent (
// BehindVcpus), per spec.md §4.3.
type SkewResult struct {
	AheadVcpus  []*VCPU
	BehindVcpus []*VCPU
}

func (v *VSMP) SampleSkew(threshold int) SkewResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	runnable := 0
	for _, vc := range v.Vcpus {
		if vc.RunState == RunRun || vc.RunState == RunReady || vc.RunState == RunReadyCoRun {
			runnable++
		}
	}
	var res SkewResult
	if runnable <= 1 {
		v.Skew.Ignore++
		metrics.SkewSamples.WithLabelValues("ignore").Inc()
		return res
	}
	v.Skew.Samples++
	ok := true
	for _, vc := range v.Vcpus {
		if vc.RunState == RunWait || vc.RunState == RunBusyWait || vc.RunState == RunZombie {
			continue
		}
		v.Skew.IntraSkewSamples++
		switch {
		case vc.SkewIndex > threshold:
			res.AheadVcpus = append(res.AheadVcpus, vc)
			v.Skew.IntraSkewOut++
			ok = false
		case vc.SkewIndex < -threshold:
			res.BehindVcpus = append(res.BehindVcpus, vc)
			v.Skew.IntraSkewOut++
			ok = false
		}
	}
	if ok {
		v.Skew.Good++
		metrics.SkewSamples.WithLabelValues("good").Inc()
	} else {
		v.Skew.Bad++
		v.Skew.Resched++
		metrics.SkewSamples.WithLabelValues("bad").Inc()
		metrics.SkewSamples.WithLabelValues("resched").Inc()
	}
	return res
}

// ValidateCountInvariant asserts spec.md invariant 4 for tests.
func (v *VSMP) ValidateCountInvariant() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.NRun+v.NWait+v.NIdle == len(v.Vcpus)
}

// World is a schedulable thread: id, name, type flags, the scheduler
// client (vcpu, and vsmp if this world is a vsmp leader), and the
// group it currently belongs to in the C1 tree.
type World struct {
	mu sync.Mutex

	ID   tree.WorldID
	Name string
	Type WorldType

	GroupLeader tree.WorldID // the cartel's leading world, may be itself
	CartelID    tree.WorldID

	Group tree.GroupID

	VCPU *VCPU // nil for pure host worlds with no scheduling identity
	VSMP *VSMP // non-nil only if this world leads a vsmp

	Limbo bool // account-neutral: excluded from charge even if runnable

	DeathPending bool
	deathOnce    sync.Once
	deathCh      chan struct{}

	ActionWakeupMask uint32
}

// NewWorld constructs a World that leads its own cartel, with no VCPU or
// VSMP attached; callers set those fields afterwards.
func NewWorld(id tree.WorldID, name string, typ WorldType) *World {
	return &World{ID: id, Name: name, Type: typ, GroupLeader: id, CartelID: id, deathCh: make(chan struct{})}
}

// DeathNotify returns a channel closed exactly once, the moment
// MarkDeathPending is first called on this world. Wait points select on
// it alongside their wake/timeout channels so a pending cartel
// shutdown interrupts an in-progress wait immediately (spec.md §4.5).
func (w *World) DeathNotify() <-chan struct{} {
	return w.deathCh
}

// SetLimbo toggles the account-neutral flag.
func (w *World) SetLimbo(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Limbo = v
}

// IsLimbo reports the current limbo flag.
func (w *World) IsLimbo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Limbo
}

// MarkDeathPending sets the cancellation flag checked at every kernel
// boundary and every wait point (spec.md §4.5/§5).
func (w *World) MarkDeathPending() {
	w.mu.Lock()
	w.DeathPending = true
	w.mu.Unlock()
	w.deathOnce.Do(func() { close(w.deathCh) })
}

func (w *World) IsDeathPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.DeathPending
}

// NotifyAction sets bits in ActionWakeupMask; the wait engine consults
// this mask to decide whether an in-progress wait allows action
// wakeups (spec.md §4.5).
func (w *World) NotifyAction(bits uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ActionWakeupMask |= bits
	return w.ActionWakeupMask
}

func (w *World) ConsumeActionMask() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.ActionWakeupMask
	w.ActionWakeupMask = 0
	return m
}
