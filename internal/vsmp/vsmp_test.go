package vsmp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/tree"
)

func TestCountInvariantHoldsAcrossTransitions(t *testing.T) {
	v := New(tree.WorldID(1), 4, true)
	require.True(t, v.ValidateCountInvariant())

	v.SetVcpuRunState(v.Vcpus[0], RunRun)
	require.True(t, v.ValidateCountInvariant())

	v.SetVcpuRunState(v.Vcpus[1], RunWait)
	require.True(t, v.ValidateCountInvariant())
	require.Equal(t, 1, v.NRun)
	require.Equal(t, 1, v.NWait)
	require.Equal(t, 2, v.NIdle)
}

func TestCoRunStateStopsOnViolation(t *testing.T) {
	v := New(tree.WorldID(2), 2, true)
	v.SetVcpuRunState(v.Vcpus[0], RunRun)
	v.Vcpus[1].Idle = false
	v.SetVcpuRunState(v.Vcpus[1], RunReady)
	require.Equal(t, CoStop, v.CoRunState)

	v.ApplyCoStop()
	require.Equal(t, RunReadyCoStop, v.Vcpus[1].RunState)
}

func TestCoRunStateOkWhenSiblingIdle(t *testing.T) {
	v := New(tree.WorldID(3), 2, true)
	v.SetVcpuRunState(v.Vcpus[0], RunRun)
	v.Vcpus[1].Idle = true
	v.SetVcpuRunState(v.Vcpus[1], RunReady)
	require.Equal(t, CoRun, v.CoRunState)
}

func TestRecomputeAffinityJointDetection(t *testing.T) {
	v := New(tree.WorldID(4), 3, false)
	v.Vcpus[0].Affinity = 0x3
	v.Vcpus[1].Affinity = 0x3
	v.Vcpus[2].Affinity = 0x3
	v.RecomputeAffinity()
	require.True(t, v.JointAffinity)
	require.True(t, v.AffinityConstrained)

	v.Vcpus[2].Affinity = 0x1
	v.RecomputeAffinity()
	require.False(t, v.JointAffinity)
}

func TestRecomputeAffinityUnconstrainedWhenAllZero(t *testing.T) {
	v := New(tree.WorldID(5), 2, false)
	v.Vcpus[0].Affinity = 0
	v.Vcpus[1].Affinity = 0
	v.RecomputeAffinity()
	require.False(t, v.AffinityConstrained)
	require.Equal(t, alloc.AffinityNone, v.Vcpus[0].Affinity)
}

func TestSampleSkewIgnoredWhenNotRunnable(t *testing.T) {
	v := New(tree.WorldID(6), 2, true)
	res := v.SampleSkew(5)
	require.Empty(t, res.AheadVcpus)
	require.Empty(t, res.BehindVcpus)
	require.Equal(t, uint64(1), v.Skew.Ignore)
}

func TestSampleSkewDetectsAheadAndBehind(t *testing.T) {
	v := New(tree.WorldID(7), 2, true)
	v.Vcpus[0].RunState = RunRun
	v.Vcpus[1].RunState = RunReady
	v.Vcpus[0].SkewIndex = 100
	v.Vcpus[1].SkewIndex = -100

	res := v.SampleSkew(10)
	require.Len(t, res.AheadVcpus, 1)
	require.Len(t, res.BehindVcpus, 1)
	require.Equal(t, uint64(1), v.Skew.Bad)
	require.Equal(t, uint64(1), v.Skew.Resched)
}

func TestWorldDeathPendingAndLimbo(t *testing.T) {
	w := NewWorld(tree.WorldID(8), "test-world", WorldUser)
	require.False(t, w.IsDeathPending())
	w.MarkDeathPending()
	require.True(t, w.IsDeathPending())

	require.False(t, w.IsLimbo())
	w.SetLimbo(true)
	require.True(t, w.IsLimbo())
}

func TestActionWakeupMaskConsume(t *testing.T) {
	w := NewWorld(tree.WorldID(9), "w", WorldUser)
	w.NotifyAction(0x1)
	w.NotifyAction(0x2)
	mask := w.ConsumeActionMask()
	require.Equal(t, uint32(0x3), mask)
	require.Equal(t, uint32(0), w.ConsumeActionMask())
}

func TestMeterRecordsHistogramBuckets(t *testing.T) {
	var m Meter
	m.Record(1)
	m.Record(1000)
	require.Equal(t, uint64(2), m.Count)
	require.Equal(t, uint64(1001), m.ElapsedNS)
	require.Equal(t, uint64(1), m.Histogram[0])
	require.Equal(t, uint64(1), m.Histogram[len(m.Histogram)-1])
}
