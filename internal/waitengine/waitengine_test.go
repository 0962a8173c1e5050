package waitengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
	"github.com/vmkernel-project/vmkernel/internal/vsmp"
)

func newTestWorld(id int) (*vsmp.World, *vsmp.VCPU) {
	v := vsmp.New(tree.WorldID(id), 1, false)
	w := vsmp.NewWorld(tree.WorldID(id), "w", vsmp.WorldUser)
	w.VCPU = v.Vcpus[0]
	return w, v.Vcpus[0]
}

func TestWaitWakeupBasic(t *testing.T) {
	e := NewEngine()
	w, vc := newTestWorld(1)

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(w, vc, 0xABCD, vsmp.WaitSleep, nil, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, e.Wakeup(0xABCD))
	require.NoError(t, <-done)
}

func TestWakeupNoWaitersIsNoop(t *testing.T) {
	e := NewEngine()
	require.Equal(t, 0, e.Wakeup(0x1))
}

func TestWaitTimeout(t *testing.T) {
	e := NewEngine()
	w, vc := newTestWorld(2)
	err := e.Wait(w, vc, 0x1, vsmp.WaitSleep, nil, 10*time.Millisecond)
	require.ErrorIs(t, err, vmkerrors.ErrTimeout)
}

func TestWaitDeathPendingInterrupts(t *testing.T) {
	e := NewEngine()
	w, vc := newTestWorld(3)

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(w, vc, 0x1, vsmp.WaitSleep, nil, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	w.MarkDeathPending()
	err := <-done
	require.ErrorIs(t, err, vmkerrors.ErrDeathPending)
}

func TestSemaphoreMutualExclusion(t *testing.T) {
	e := NewEngine()
	sem := NewSemaphore(e, "test-mutex", 1, Unranked)
	w1, vc1 := newTestWorld(4)
	w2, vc2 := newTestWorld(5)

	require.NoError(t, sem.Acquire(w1, vc1))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, sem.Acquire(w2, vc2))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, sem.Release(w1))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never woke")
	}
}

// TestRankedSemaphoreLIFORelease is spec.md's scenario S3: a world may
// not release a ranked semaphore that is not the top of its held stack.
func TestRankedSemaphoreLIFORelease(t *testing.T) {
	e := NewEngine()
	low := NewSemaphore(e, "low", 1, Rank(1))
	high := NewSemaphore(e, "high", 1, Rank(2))
	w, vc := newTestWorld(6)

	require.NoError(t, low.Acquire(w, vc))
	require.NoError(t, high.Acquire(w, vc))

	// Releasing out of order is rejected.
	err := low.Release(w)
	require.Error(t, err)
	require.ErrorIs(t, err, vmkerrors.ErrBusy)

	// Releasing the top of stack first succeeds, then low.
	require.NoError(t, high.Release(w))
	require.NoError(t, low.Release(w))
}

func TestRankedSemaphoreRejectsNonIncreasingRank(t *testing.T) {
	e := NewEngine()
	high := NewSemaphore(e, "high2", 1, Rank(5))
	low := NewSemaphore(e, "low2", 1, Rank(2))
	w, vc := newTestWorld(7)

	require.NoError(t, high.Acquire(w, vc))
	err := low.Acquire(w, vc)
	require.Error(t, err)
	require.NoError(t, high.Release(w))
}

func TestRWSemaphoreSharedAllowsMultiple(t *testing.T) {
	e := NewEngine()
	rw := NewRWSemaphore(e, "rw1")
	w1, vc1 := newTestWorld(8)
	w2, vc2 := newTestWorld(9)

	require.NoError(t, rw.AcquireShared(w1, vc1))
	require.NoError(t, rw.AcquireShared(w2, vc2))
	rw.ReleaseShared()
	rw.ReleaseShared()
}

func TestRWSemaphoreExclusiveExcludesShared(t *testing.T) {
	e := NewEngine()
	rw := NewRWSemaphore(e, "rw2")
	w1, vc1 := newTestWorld(10)
	w2, vc2 := newTestWorld(11)

	require.NoError(t, rw.AcquireExclusive(w1, vc1))

	gotShared := make(chan struct{})
	go func() {
		require.NoError(t, rw.AcquireShared(w2, vc2))
		close(gotShared)
	}()

	select {
	case <-gotShared:
		t.Fatal("shared acquire should have blocked behind exclusive holder")
	case <-time.After(20 * time.Millisecond):
	}

	rw.ReleaseExclusive()
	select {
	case <-gotShared:
	case <-time.After(time.Second):
		t.Fatal("shared acquire never woke")
	}
}

func TestRWSemaphoreUpgradeBusyWhenAlreadyPending(t *testing.T) {
	e := NewEngine()
	rw := NewRWSemaphore(e, "rw3")
	w1, vc1 := newTestWorld(12)
	w2, vc2 := newTestWorld(13)

	require.NoError(t, rw.AcquireShared(w1, vc1))
	require.NoError(t, rw.AcquireShared(w2, vc2))

	upgradeDone := make(chan struct{})
	go func() {
		require.NoError(t, rw.UpgradeFromShared(w1, vc1))
		close(upgradeDone)
	}()
	time.Sleep(20 * time.Millisecond)

	w3, vc3 := newTestWorld(14)
	require.NoError(t, rw.AcquireShared(w3, vc3))
	err := rw.UpgradeFromShared(w3, vc3)
	require.ErrorIs(t, err, vmkerrors.ErrBusy)
	rw.ReleaseShared()

	rw.ReleaseShared() // w2 releases, letting w1's upgrade complete
	select {
	case <-upgradeDone:
	case <-time.After(time.Second):
		t.Fatal("upgrade never completed")
	}
	rw.ReleaseExclusive()
}

func TestBarrierReleasesAllParticipants(t *testing.T) {
	n := 5
	b := NewBarrier(n)
	var wg sync.WaitGroup
	var counter int32
	var mu sync.Mutex
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			b.Wait()
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.EqualValues(t, n, counter)
}

func TestActionNotifyWakesAllowedWaiter(t *testing.T) {
	e := NewEngine()
	w, vc := newTestWorld(15)

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(w, vc, 0x42, vsmp.WaitUserWorld, nil, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	e.ActionNotify(w, 0x42, 0x1)
	require.NoError(t, <-done)
}
