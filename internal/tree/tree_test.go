package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
)

func newTestTree(t *testing.T) (*Tree, GroupID) {
	t.Helper()
	totals := Totals{CPUPercent: 100, MemPages: 1000}
	tr, err := New(totals, DefaultPredefined())
	require.NoError(t, err)
	root, err := tr.LookupByName("root")
	require.NoError(t, err)
	return tr, root
}

func rawMin(min int64) alloc.RawBlock {
	return alloc.RawBlock{Min: min, Max: -1, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent}
}

// TestS1ReparentPreservingReservation is spec.md's scenario S1.
func TestS1ReparentPreservingReservation(t *testing.T) {
	tr, root := newTestTree(t)

	a, err := tr.AddGroup("A", root, rawMin(30), rawMin(0))
	require.NoError(t, err)
	b, err := tr.AddGroup("B", root, rawMin(30), rawMin(0))
	require.NoError(t, err)

	var changed []WorldID
	tr.OnGroupChanged(func(w WorldID, _ GroupPath) { changed = append(changed, w) })

	path, err := tr.JoinGroup(WorldID(1), a, rawMin(20), rawMin(0), 1)
	require.NoError(t, err)
	require.Equal(t, a, path[1])

	err = tr.ChangeGroup(WorldID(1), b)
	require.NoError(t, err)

	newPath, err := tr.PathOf(WorldID(1))
	require.NoError(t, err)
	require.Equal(t, root, newPath[0])
	require.Equal(t, b, newPath[1])
	require.Equal(t, InvalidGroupID, newPath[2])

	snapA, err := tr.Describe(a)
	require.NoError(t, err)
	require.Empty(t, snapA.Members)

	snapB, err := tr.Describe(b)
	require.NoError(t, err)
	require.Len(t, snapB.Members, 1)

	require.Equal(t, []WorldID{1}, changed)
}

// TestS2AdmissionRejection is spec.md's scenario S2.
func TestS2AdmissionRejection(t *testing.T) {
	tr, root := newTestTree(t)

	a, err := tr.AddGroup("A", root, rawMin(30), rawMin(0))
	require.NoError(t, err)
	b, err := tr.AddGroup("B", root, rawMin(30), rawMin(0))
	require.NoError(t, err)

	cpuLimited := alloc.RawBlock{Min: 0, Max: 50, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent, HardMax: 50}
	bLimited, err := tr.AddGroup("B2", root, cpuLimited, rawMin(0))
	require.NoError(t, err)
	_ = b

	_, err = tr.JoinGroup(WorldID(1), a, rawMin(20), rawMin(0), 1)
	require.NoError(t, err)

	_, err = tr.JoinGroup(WorldID(2), bLimited, rawMin(40), rawMin(0), 1)
	require.NoError(t, err)

	before, err := tr.PathOf(WorldID(1))
	require.NoError(t, err)

	err = tr.ChangeGroup(WorldID(1), bLimited)
	require.Error(t, err)

	after, err := tr.PathOf(WorldID(1))
	require.NoError(t, err)
	require.Equal(t, before, after)

	snapA, err := tr.Describe(a)
	require.NoError(t, err)
	require.Len(t, snapA.Members, 1)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	tr, root := newTestTree(t)

	id, err := tr.AddGroup("tmp", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	require.NoError(t, tr.RemoveGroup(id))

	_, err = tr.LookupByName("tmp")
	require.Error(t, err)

	// Re-adding the same name succeeds. Removal bumped the freed slot's
	// reincarnation counter, so the allocator, which prefers the slot
	// with the smallest counter, issues a never-used slot at generation 0.
	id2, err := tr.AddGroup("tmp", root, rawMin(0), rawMin(0))
	require.NoError(t, err)
	require.NotEqual(t, id.Slot, id2.Slot)
	require.Equal(t, id.Gen, id2.Gen)
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	tr, root := newTestTree(t)
	a, err := tr.AddGroup("A", root, rawMin(0), rawMin(0))
	require.NoError(t, err)

	p1, err := tr.JoinGroup(WorldID(9), a, rawMin(10), rawMin(0), 1)
	require.NoError(t, err)
	require.NoError(t, tr.LeaveGroup(WorldID(9)))

	p2, err := tr.JoinGroup(WorldID(9), a, rawMin(10), rawMin(0), 1)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestMoveGroupIdentity(t *testing.T) {
	tr, root := newTestTree(t)
	a, err := tr.AddGroup("A", root, rawMin(10), rawMin(0))
	require.NoError(t, err)

	require.NoError(t, tr.MoveGroup(a, root))
	require.NoError(t, tr.ValidateInvariants())
}

func TestRejectPredefinedMutations(t *testing.T) {
	tr, root := newTestTree(t)
	idle, err := tr.LookupByName("idle")
	require.NoError(t, err)

	require.Error(t, tr.RemoveGroup(idle))
	require.Error(t, tr.RenameGroup(idle, "renamed"))
	require.Error(t, tr.MoveGroup(idle, root))
}

func TestReservedNamePrefixRejected(t *testing.T) {
	tr, root := newTestTree(t)
	_, err := tr.AddGroup("anon.evil", root, rawMin(0), rawMin(0))
	require.Error(t, err)
}

func TestDepthInvariant(t *testing.T) {
	tr, root := newTestTree(t)
	cur := root
	var lastErr error
	for i := 0; i < PathLen+2; i++ {
		next, err := tr.AddGroup(string(rune('a'+i)), cur, rawMin(0), rawMin(0))
		if err != nil {
			lastErr = err
			break
		}
		cur = next
	}
	require.Error(t, lastErr)
	require.NoError(t, tr.ValidateInvariants())
}

func TestChargeVtimePropagatesUpPath(t *testing.T) {
	tr, root := newTestTree(t)
	a, err := tr.AddGroup("chargeA", root, rawMin(0), rawMin(0))
	require.NoError(t, err)

	path, err := tr.JoinGroup(WorldID(42), a, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)

	tr.ChargeVtime(path, 100)
	tr.ChargeVtime(path, 50)

	vtA, err := tr.GroupVtime(a)
	require.NoError(t, err)
	require.Equal(t, uint64(150), vtA)

	vtRoot, err := tr.GroupVtime(root)
	require.NoError(t, err)
	require.Equal(t, uint64(150), vtRoot)
}

func TestSelfDestructGroupReapedWhenEmptied(t *testing.T) {
	tr, root := newTestTree(t)
	tr.mu.Lock()
	id, err := tr.addGroupLocked("", root, rawMin(0), rawMin(0), tr.totals, FlagSelfDestruct, false)
	tr.mu.Unlock()
	require.NoError(t, err)

	_, err = tr.JoinGroup(WorldID(5), id, rawMin(0), rawMin(0), 1)
	require.NoError(t, err)
	require.NoError(t, tr.LeaveGroup(WorldID(5)))

	_, err = tr.LookupByID(id)
	require.Error(t, err)
}
