package cell

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/vsmp"
)

func newTestTree(t *testing.T) (*tree.Tree, tree.GroupID) {
	t.Helper()
	totals := tree.Totals{CPUPercent: 100, MemPages: 1000}
	tr, err := tree.New(totals, tree.DefaultPredefined())
	require.NoError(t, err)
	root, err := tr.LookupByName("root")
	require.NoError(t, err)
	return tr, root
}

func rawMin(min int64) alloc.RawBlock {
	return alloc.RawBlock{Min: min, Max: -1, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent}
}

func makeReadyVsmp(id int) *vsmp.VSMP {
	v := vsmp.New(tree.WorldID(id), 1, false)
	v.Vcpus[0].RunState = vsmp.RunReady
	return v
}

func TestDispatchOrdersByGroupVtime(t *testing.T) {
	tr, root := newTestTree(t)
	slow, err := tr.AddGroup("slow", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	fast, err := tr.AddGroup("fast", root, rawMin(0), rawMin(0))
	require.NoError(t, err)

	pathSlow, err := tr.JoinGroup(tree.WorldID(1), slow, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)
	pathFast, err := tr.JoinGroup(tree.WorldID(2), fast, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	tr.ChargeVtime(pathSlow, 1000) // slow group now "owes" more vtime

	c := New(0, []int{0}, tr, 1_000_000)
	vSlow := makeReadyVsmp(1)
	vFast := makeReadyVsmp(2)

	c.Enqueue(vSlow, slow, pathSlow, alloc.AffinityNone)
	c.Enqueue(vFast, fast, pathFast, alloc.AffinityNone)

	picked := c.Dispatch(0)
	require.NotNil(t, picked)
	require.Same(t, vFast, picked.VSMP)
}

func TestDispatchRespectsAffinity(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	path, err := tr.JoinGroup(tree.WorldID(1), g, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	c := New(0, []int{0, 1}, tr, 1_000_000)
	v := makeReadyVsmp(1)
	c.Enqueue(v, g, path, 1<<1) // only pcpu 1 permitted

	require.Nil(t, c.Dispatch(0))
	picked := c.Dispatch(1)
	require.NotNil(t, picked)
}

func TestDispatchAssignsEachVcpuToAtMostOnePCPU(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g", root, rawMin(0), rawMin(0))
	require.NoError(t, err)

	c := New(0, []int{0, 1, 2}, tr, 1_000_000)
	var vs []*vsmp.VSMP
	for i := 1; i <= 3; i++ {
		v := makeReadyVsmp(i)
		path, err := tr.JoinGroup(tree.WorldID(i), g, rawMin(0), rawMin(0), 1)
		require.NoError(t, err)
		c.Enqueue(v, g, path, alloc.AffinityNone)
		vs = append(vs, v)
	}

	seen := make(map[*vsmp.VCPU]int)
	for _, pcpu := range []int{0, 1, 2} {
		picked := c.Dispatch(pcpu)
		require.NotNil(t, picked)
		if other, ok := seen[picked]; ok {
			t.Fatalf("vcpu dispatched to both pcpu %d and pcpu %d", other, pcpu)
		}
		seen[picked] = pcpu
		require.Equal(t, vsmp.RunRun, picked.RunState)
		require.Equal(t, pcpu, picked.PhysCPU)
	}
	require.Len(t, seen, 3)
}

func TestDispatchReturnsNilWhenEmpty(t *testing.T) {
	tr, _ := newTestTree(t)
	c := New(0, []int{0}, tr, 1_000_000)
	require.Nil(t, c.Dispatch(0))
}

func TestHandoffOverridesNormalSelection(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g2", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	path, err := tr.JoinGroup(tree.WorldID(1), g, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	c := New(0, []int{0}, tr, 1_000_000)
	v := makeReadyVsmp(1)
	c.Enqueue(v, g, path, alloc.AffinityNone)

	handoffVsmp := makeReadyVsmp(2)
	c.SetHandoff(0, handoffVsmp.Vcpus[0])

	picked := c.Dispatch(0)
	require.Same(t, handoffVsmp.Vcpus[0], picked)

	// Second dispatch with no more handoff falls back to the queue.
	picked2 := c.Dispatch(0)
	require.Same(t, v, picked2.VSMP)
}

func TestChargePropagatesToTree(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g3", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	path, err := tr.JoinGroup(tree.WorldID(1), g, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	c := New(0, []int{0}, tr, 1_000_000)
	v := vsmp.New(tree.WorldID(1), 1, false)
	vc := v.Vcpus[0]
	vc.PhysCPU = 0

	c.Charge(vc, path, 1000, 1000)

	vt, err := tr.GroupVtime(g)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vt)
	require.Equal(t, uint64(1000), vc.ChargeCyclesTotal.Load())
}

func TestBoundLagClampsBothDirections(t *testing.T) {
	tr, _ := newTestTree(t)
	c := New(0, []int{0}, tr, 1_000_000)
	v := vsmp.New(tree.WorldID(1), 1, false)

	v.VtimeMain = 0
	c.BoundLag(v, 1000, 100)
	require.Equal(t, uint64(900), v.VtimeMain)
	require.Equal(t, uint64(1), c.BoundLagBehind)

	v.VtimeMain = 5000
	c.BoundLag(v, 1000, 100)
	require.Equal(t, uint64(1100), v.VtimeMain)
	require.Equal(t, uint64(1), c.BoundLagAhead)
	require.Equal(t, uint64(2), c.BoundLagTotal)
}

func TestTimerInterruptMarksRescheduleOnQuantumExpiry(t *testing.T) {
	tr, _ := newTestTree(t)
	c := New(0, []int{0}, tr, 1_000_000)
	vc := &vsmp.VCPU{QuantumDeadline: 100}

	c.TimerInterrupt(0, vc, 50)
	require.False(t, c.NeedsReschedule(0))

	c.TimerInterrupt(0, vc, 150)
	require.True(t, c.NeedsReschedule(0))
	require.False(t, c.NeedsReschedule(0)) // consumed
}

func TestForceWakeupBypassesWaitState(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g4", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	path, err := tr.JoinGroup(tree.WorldID(1), g, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	c := New(0, []int{0}, tr, 1_000_000)
	v := vsmp.New(tree.WorldID(1), 1, false)
	w := vsmp.NewWorld(tree.WorldID(1), "w", vsmp.WorldUser)
	w.VCPU = v.Vcpus[0]
	w.VCPU.RunState = vsmp.RunWait
	w.VCPU.WaitState = vsmp.WaitSemaphore

	c.ForceWakeup(w, g, path)
	require.Equal(t, vsmp.WaitNone, w.VCPU.WaitState)
	require.Equal(t, vsmp.RunReady, w.VCPU.RunState)

	picked := c.Dispatch(0)
	require.Same(t, w.VCPU, picked)
}

func TestMigrateCountsAndEnqueuesOnDestination(t *testing.T) {
	tr, root := newTestTree(t)
	g, err := tr.AddGroup("g5", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	path, err := tr.JoinGroup(tree.WorldID(1), g, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	src := New(0, []int{0}, tr, 1_000_000)
	dst := New(1, []int{1}, tr, 1_000_000)
	v := makeReadyVsmp(1)

	src.Migrate(dst, v, g, path, alloc.AffinityNone)
	require.Equal(t, uint64(1), src.CellMigrateCount)

	picked := dst.Dispatch(1)
	require.NotNil(t, picked)
}

func TestPreemptDisableEnableHistograms(t *testing.T) {
	vc := &vsmp.VCPU{}
	var hist vsmp.Meter
	PreemptDisable(vc, 100)
	require.Equal(t, uint64(100), vc.PreemptDisabledStart)
	PreemptEnable(vc, 250, &hist)
	require.Equal(t, uint64(0), vc.PreemptDisabledStart)
	require.Equal(t, uint64(1), hist.Count)
	require.Equal(t, uint64(150), hist.ElapsedNS)
}

func TestPreemptDisableEnableNestsViaRefcount(t *testing.T) {
	vc := &vsmp.VCPU{}
	var hist vsmp.Meter

	PreemptDisable(vc, 100) // outer
	PreemptDisable(vc, 120) // inner: timestamp untouched, refcount 2
	require.Equal(t, uint64(100), vc.PreemptDisabledStart)
	require.Equal(t, int32(2), vc.PreemptDisableCount)

	PreemptEnable(vc, 200, &hist) // inner release: still disabled
	require.Equal(t, int32(1), vc.PreemptDisableCount)
	require.Equal(t, uint64(100), vc.PreemptDisabledStart)
	require.Equal(t, uint64(0), hist.Count)

	PreemptEnable(vc, 260, &hist) // outer release: histograms full span
	require.Equal(t, int32(0), vc.PreemptDisableCount)
	require.Equal(t, uint64(0), vc.PreemptDisabledStart)
	require.Equal(t, uint64(1), hist.Count)
	require.Equal(t, uint64(160), hist.ElapsedNS)
}

func TestEffectiveStrideDivideByZeroGuard(t *testing.T) {
	require.Equal(t, StrideTotal, EffectiveStride(0))
	require.Equal(t, StrideTotal/2, EffectiveStride(2))
}
