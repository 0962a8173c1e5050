// Package tree implements the scheduler tree (C1): hierarchical
// administrative groups, the tagged Group/Vm/Invalid node variants,
// GroupPath identity for VM leaves, reference counting, and the single
// IRQ-disabling lock that guards all structural changes and lookups.
//
// Grounded on the teacher's virtcontainers/sandbox.go (embedded
// sync.Mutex, logrus subsystem logger, map-of-children-by-id bookkeeping)
// and virtcontainers/persist.go (fixed-capacity, slot-reuse bookkeeping).
package tree

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/metrics"
	"github.com/vmkernel-project/vmkernel/internal/vatomic"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

var treeLog = logrus.WithField("subsystem", "tree")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := treeLog.Data
	treeLog = logger.WithFields(fields)
}

// Table capacities and depth bound, per spec.md §4.1 / §9.
const (
	MaxGroups = 512
	MaxNodes  = 1024
	// PathLen is the capacity of a GroupPath; the deepest legal node has
	// depth PathLen-1 (root included), matching spec.md's "design value
	// 7: path length of 8 including root".
	PathLen = 8

	// AnonPrefix is reserved; user-requested names may not use it.
	AnonPrefix = "anon."
)

// GroupID is a slot/generation handle: Slot indexes the fixed-capacity
// group table, Gen is the reincarnation counter of that slot at the time
// the ID was issued. Two IDs with the same Slot but different Gen never
// compare equal, which is what lets slots be recycled without ABA.
type GroupID struct {
	Slot int32
	Gen  uint32
}

// InvalidGroupID (slot -1) terminates a GroupPath. It is not the zero
// value: GroupID{} names slot 0.
var InvalidGroupID = GroupID{Slot: -1}

func (id GroupID) Valid() bool { return id.Slot >= 0 }

func (id GroupID) String() string {
	if !id.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%d.%d", id.Slot, id.Gen)
}

// WorldID identifies a world (thread); owned here because the Vm node
// variant references a world leader. See internal/vsmp for the full
// World/VCPU/VSMP model built on top of this id.
type WorldID uint32

// GroupPath is a root-to-leaf array of group IDs, terminated by
// InvalidGroupID. A VM node at the maximum legal depth (PathLen-1) has
// PathLen-1 ancestor groups, so the terminator always fits.
type GroupPath [PathLen]GroupID

// Flag is a bit in a Group's flag set.
type Flag uint32

const (
	FlagPredefined Flag = 1 << iota
	FlagLeaf
	FlagSelfDestruct
	FlagIsVM
	FlagMemschedClient
	FlagSystem
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// nodeKind tags a Node's variant.
type nodeKind int

const (
	nodeInvalid nodeKind = iota
	nodeGroup
	nodeVm
)

// node is a tree element: a tagged Group/Vm/Invalid variant plus a
// parent back-pointer. Groups and VMs live in the same tree; each is a
// child of exactly one parent, or is the unique Root.
type node struct {
	inUse  bool
	kind   nodeKind
	parent int32 // index into nodes, -1 for the Root

	groupSlot int32 // valid when kind == nodeGroup

	worldLeader WorldID    // valid when kind == nodeVm
	vmCPU       alloc.Block
	vmMem       alloc.Block
}

// group is the administrative unit: identity, attributes, lifecycle.
type group struct {
	inUse bool
	gen   uint32

	name  string
	node  int32 // the node index that represents this group in the tree
	flags Flag

	members []int32 // owning refs to child node indices

	cpuRaw alloc.RawBlock
	memRaw alloc.RawBlock
	cpu    alloc.Block
	mem    alloc.Block

	removed  bool
	refCount int32

	// vtime/vtimeLimit are the cell scheduler's per-group virtual-time
	// accumulators (spec.md §4.4). vtimeVersioned mirrors vtime for
	// off-tree-lock reads via the versioned protocol: the cell charges
	// under the tree lock (it is already held during GroupPath charge
	// propagation) and stores into vtimeVersioned after each update so
	// scheduling-hot-path readers never need to block on the tree lock.
	vtime         uint64
	vtimeLimit    uint64
	vtimeVersioned vatomic.Versioned64
}

// Totals carries the resolved (post-probe) resource capacities used to
// resolve negative min/max sentinels, per original_source/sched/sched.c.
type Totals struct {
	CPUPercent int64 // e.g. 100 * nPCPUs
	MemPages   int64
}

// PredefinedSpec describes one entry of the startup predefined-group
// table (spec.md §4.1 "Predefined groups").
type PredefinedSpec struct {
	Name       string
	ParentName string // "" names the Root itself
	CPU        alloc.RawBlock
	Mem        alloc.RawBlock
	Flags      Flag
}

// DefaultPredefined is the standard ESX-derived table: ROOT, IDLE,
// SYSTEM, LOCAL, CLUSTER, UW_NURSERY, HELPER, DRIVERS.
func DefaultPredefined() []PredefinedSpec {
	unbounded := alloc.RawBlock{Min: 0, Max: -1, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent}
	return []PredefinedSpec{
		{Name: "root", ParentName: "", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
		{Name: "idle", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
		{Name: "system", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
		{Name: "local", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined},
		{Name: "cluster", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined},
		{Name: "uw-nursery", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
		{Name: "helper", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
		{Name: "drivers", ParentName: "root", CPU: unbounded, Mem: unbounded, Flags: FlagPredefined | FlagSystem},
	}
}

// SubtreeChangedHook is notified when a group subtree's membership
// changes (create/remove/reparent). Only the signature is in scope; the
// memory sub-model is an external collaborator (spec.md §1).
type SubtreeChangedHook func(g GroupID)

// GroupChangedHook is notified once per affected world when a move or
// change_group completes; the CPU and memory schedulers both register
// one of these.
type GroupChangedHook func(world WorldID, path GroupPath)

// Tree is the scheduler tree. A single mutex plays the role of the
// original IRQ-disabling spinlock: every structural change and every
// lookup acquires it. Simulating the original's "save/restore interrupt
// enable state" is not meaningful in a user-space Go process; the
// invariant we actually preserve is the rank-ordering documented in
// spec.md §5 (TREE above CELL, below MODULE_LOADER) which callers in
// other packages must respect when nesting locks.
type Tree struct {
	mu sync.Mutex

	groups [MaxGroups]group
	nodes  [MaxNodes]node

	byName map[string]int32 // name -> group slot

	rootNode int32
	totals   Totals

	onSubtreeChanged []SubtreeChangedHook
	onGroupChanged   []GroupChangedHook
}

// New builds a tree and initializes the predefined groups from specs,
// resolving negative min/max sentinels against totals.
func New(totals Totals, predefined []PredefinedSpec) (*Tree, error) {
	t := &Tree{byName: make(map[string]int32, MaxGroups), totals: totals}
	for i := range t.nodes {
		t.nodes[i].inUse = false
	}
	t.rootNode = -1

	nameToGroupID := make(map[string]GroupID, len(predefined))
	for _, spec := range predefined {
		var parentID GroupID
		if spec.ParentName == "" {
			parentID = InvalidGroupID
		} else {
			id, ok := nameToGroupID[spec.ParentName]
			if !ok {
				return nil, errors.Errorf("predefined group %q names unknown parent %q", spec.Name, spec.ParentName)
			}
			parentID = id
		}

		var id GroupID
		var err error
		if spec.ParentName == "" {
			id, err = t.addRootGroup(spec, totals)
		} else {
			id, err = t.addGroupLocked(spec.Name, parentID, spec.CPU, spec.Mem, totals, spec.Flags|FlagPredefined, true)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "initializing predefined group %q", spec.Name)
		}
		nameToGroupID[spec.Name] = id
	}
	return t, nil
}

func (t *Tree) addRootGroup(spec PredefinedSpec, totals Totals) (GroupID, error) {
	slot, gen, err := t.allocGroupSlot()
	if err != nil {
		return InvalidGroupID, err
	}
	nidx, err := t.allocNodeSlot()
	if err != nil {
		t.freeGroupSlot(slot)
		return InvalidGroupID, err
	}

	t.nodes[nidx] = node{inUse: true, kind: nodeGroup, parent: -1, groupSlot: slot}
	t.rootNode = nidx

	cpu := alloc.Normalize(spec.CPU, totals.CPUPercent, 1)
	mem := alloc.Normalize(spec.Mem, totals.MemPages, 1)
	t.groups[slot] = group{
		inUse: true, gen: gen, name: spec.Name, node: nidx,
		flags: spec.Flags | FlagPredefined,
		cpuRaw: spec.CPU, memRaw: spec.Mem, cpu: cpu, mem: mem,
	}
	t.byName[spec.Name] = slot
	return GroupID{Slot: slot, Gen: gen}, nil
}

// allocGroupSlot performs the linear scan for a free slot, preferring
// the one with the smallest reincarnation counter, per spec.md §4.1.
func (t *Tree) allocGroupSlot() (slot int32, gen uint32, err error) {
	best := int32(-1)
	var bestGen uint32
	for i := range t.groups {
		if t.groups[i].inUse {
			continue
		}
		if best == -1 || t.groups[i].gen < bestGen {
			best = int32(i)
			bestGen = t.groups[i].gen
		}
	}
	if best == -1 {
		return 0, 0, errors.Wrap(vmkerrors.ErrLimitExceeded, "group table full")
	}
	return best, bestGen, nil
}

func (t *Tree) freeGroupSlot(slot int32) {
	t.groups[slot] = group{gen: t.groups[slot].gen + 1}
}

func (t *Tree) allocNodeSlot() (int32, error) {
	for i := range t.nodes {
		if !t.nodes[i].inUse {
			return int32(i), nil
		}
	}
	return -1, errors.Wrap(vmkerrors.ErrLimitExceeded, "node table full")
}

func (t *Tree) freeNodeSlot(idx int32) {
	t.nodes[idx] = node{}
}

func (t *Tree) depthOf(nidx int32) int {
	d := 0
	for nidx != -1 {
		nidx = t.nodes[nidx].parent
		d++
	}
	return d - 1
}

func (t *Tree) groupByID(id GroupID) (*group, error) {
	if id.Slot < 0 || id.Slot >= MaxGroups {
		return nil, errors.Wrap(vmkerrors.ErrNotFound, "group id out of range")
	}
	g := &t.groups[id.Slot]
	if !g.inUse || g.gen != id.Gen {
		return nil, errors.Wrap(vmkerrors.ErrNotFound, "stale or unknown group id")
	}
	return g, nil
}

func isReservedName(name string) bool {
	if name == "" {
		return false
	}
	return strings.HasPrefix(name, AnonPrefix)
}

// OnSubtreeChanged registers a hook invoked when a group's subtree
// membership changes.
func (t *Tree) OnSubtreeChanged(h SubtreeChangedHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSubtreeChanged = append(t.onSubtreeChanged, h)
}

// OnGroupChanged registers a hook invoked once per affected world when
// a move/change_group completes successfully.
func (t *Tree) OnGroupChanged(h GroupChangedHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onGroupChanged = append(t.onGroupChanged, h)
}

func (t *Tree) notifySubtreeChanged(id GroupID) {
	for _, h := range t.onSubtreeChanged {
		h(id)
	}
}

func (t *Tree) notifyGroupChanged(world WorldID, path GroupPath) {
	for _, h := range t.onGroupChanged {
		h(world, path)
	}
}

// LookupByName returns the id of the group with the given name.
func (t *Tree) LookupByName(name string) (GroupID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.byName[name]
	if !ok {
		return InvalidGroupID, errors.Wrapf(vmkerrors.ErrNotFound, "group %q", name)
	}
	return GroupID{Slot: slot, Gen: t.groups[slot].gen}, nil
}

// LookupByID validates id and returns the group's current name/flags.
func (t *Tree) LookupByID(id GroupID) (name string, flags Flag, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return "", 0, err
	}
	return g.name, g.flags, nil
}

// AddGroup creates a new administrative group under parent.
func (t *Tree) AddGroup(name string, parent GroupID, cpu, mem alloc.RawBlock) (GroupID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addGroupLocked(name, parent, cpu, mem, t.totals, 0, false)
}

// addGroupLocked is the shared group-creation path for user-requested
// groups, predefined bootstrap groups, and ChangeGroup's temporary
// holding group. allowPredefinedName gates the AnonPrefix collision
// check: bootstrap callers (New, for the non-root predefined groups)
// pass true since a predefined name is never user-supplied and cannot
// collide with an anon.<slot> the tree itself mints later, while every
// other caller passes false so a user can never name a group into the
// anon.* namespace.
func (t *Tree) addGroupLocked(name string, parent GroupID, cpu, mem alloc.RawBlock, totals Totals, flags Flag, allowPredefinedName bool) (GroupID, error) {
	if name != "" && !allowPredefinedName && isReservedName(name) {
		return InvalidGroupID, errors.Wrapf(vmkerrors.ErrBadParam, "name %q uses reserved prefix %q", name, AnonPrefix)
	}

	pg, err := t.groupByID(parent)
	if err != nil {
		return InvalidGroupID, errors.Wrap(err, "looking up parent")
	}
	if pg.flags.Has(FlagLeaf) {
		return InvalidGroupID, errors.Wrap(vmkerrors.ErrBadParam, "parent is a leaf group")
	}
	if t.depthOf(pg.node)+1 > PathLen-1 {
		return InvalidGroupID, errors.Wrap(vmkerrors.ErrLimitExceeded, "max tree depth exceeded")
	}

	if name == "" {
		// Slot is allocated below; synthesize anon.<id> once we know it.
	} else if _, exists := t.byName[name]; exists {
		return InvalidGroupID, errors.Wrapf(vmkerrors.ErrExists, "group %q", name)
	}

	slot, gen, err := t.allocGroupSlot()
	if err != nil {
		return InvalidGroupID, err
	}
	nidx, err := t.allocNodeSlot()
	if err != nil {
		t.freeGroupSlot(slot)
		return InvalidGroupID, err
	}

	if name == "" {
		name = fmt.Sprintf("%s%d", AnonPrefix, slot)
	}

	t.nodes[nidx] = node{inUse: true, kind: nodeGroup, parent: pg.node, groupSlot: slot}
	pg.members = append(pg.members, nidx)

	cpuNorm := alloc.Normalize(cpu, totals.CPUPercent, 1)
	memNorm := alloc.Normalize(mem, totals.MemPages, 1)
	t.groups[slot] = group{
		inUse: true, gen: gen, name: name, node: nidx, flags: flags,
		cpuRaw: cpu, memRaw: mem, cpu: cpuNorm, mem: memNorm,
	}
	t.byName[name] = slot

	id := GroupID{Slot: slot, Gen: gen}
	t.notifySubtreeChanged(parent)
	return id, nil
}

// RemoveGroup removes an empty, non-predefined group, deferring the
// actual slot reap to the last ReleaseReference if refCount > 0.
func (t *Tree) RemoveGroup(id GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	if g.flags.Has(FlagPredefined) {
		return errors.Wrap(vmkerrors.ErrBadParam, "cannot remove a predefined group")
	}
	if len(g.members) != 0 {
		return errors.Wrap(vmkerrors.ErrBusy, "group has members")
	}

	parentNode := t.nodes[g.node].parent
	t.detachFromParent(g.node)
	t.freeNodeSlot(g.node)
	delete(t.byName, g.name)
	g.removed = true

	if parentNode != -1 {
		pg := &t.groups[t.nodes[parentNode].groupSlot]
		t.notifySubtreeChanged(GroupID{Slot: t.nodes[parentNode].groupSlot, Gen: pg.gen})
		t.maybeSelfDestruct(pg)
	}

	if g.refCount == 0 {
		t.reapLocked(id.Slot)
	}
	return nil
}

func (t *Tree) reapLocked(slot int32) {
	t.freeGroupSlot(slot)
}

// AddReference / ReleaseReference implement the Group refcount
// discipline: a removed group with nonzero refcount remains allocated
// but invisible; the last Release reaps it.
func (t *Tree) AddReference(id GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	g.refCount++
	return nil
}

func (t *Tree) ReleaseReference(id GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	if g.refCount <= 0 {
		return errors.Wrap(vmkerrors.ErrBadParam, "refcount underflow")
	}
	g.refCount--
	if g.refCount == 0 && g.removed {
		t.reapLocked(id.Slot)
	}
	return nil
}

// RenameGroup is atomic under the tree lock.
func (t *Tree) RenameGroup(id GroupID, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	if g.flags.Has(FlagPredefined) {
		return errors.Wrap(vmkerrors.ErrBadParam, "cannot rename a predefined group")
	}
	if isReservedName(newName) {
		return errors.Wrapf(vmkerrors.ErrBadParam, "name %q uses reserved prefix", newName)
	}
	if _, exists := t.byName[newName]; exists {
		return errors.Wrapf(vmkerrors.ErrExists, "group %q", newName)
	}
	delete(t.byName, g.name)
	g.name = newName
	t.byName[newName] = id.Slot
	return nil
}

// SetAlloc re-normalizes id's cpu/mem AllocBlocks from new raw sentinel
// values, admission-checked against the parent's capacity and id's
// siblings' aggregated min the way MoveGroup/JoinGroup check a new
// member; a rejected request leaves the group's existing blocks
// untouched.
func (t *Tree) SetAlloc(id GroupID, cpu, mem alloc.RawBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	if g.flags.Has(FlagPredefined) && g.name == "root" {
		return errors.Wrap(vmkerrors.ErrBadParam, "cannot re-allocate the root group")
	}

	parent := t.nodes[g.node].parent
	if parent == -1 {
		return errors.Wrap(vmkerrors.ErrBadParam, "group has no parent to admit against")
	}
	pg := &t.groups[t.nodes[parent].groupSlot]

	cpuNorm := alloc.Normalize(cpu, t.totals.CPUPercent, 1)
	memNorm := alloc.Normalize(mem, t.totals.MemPages, 1)

	siblingMin := t.siblingMinExcluding(pg, g.node)
	if admitErr := alloc.AdmitReparent(cpuNorm.Min, siblingMin.cpu, pg.cpu.EffectiveMax(t.totals.CPUPercent)); admitErr != nil {
		return admitErr
	}
	if admitErr := alloc.AdmitReparent(memNorm.Min, siblingMin.mem, pg.mem.EffectiveMax(t.totals.MemPages)); admitErr != nil {
		return admitErr
	}

	g.cpuRaw, g.memRaw = cpu, mem
	g.cpu, g.mem = cpuNorm, memNorm
	t.notifySubtreeChanged(id)
	return nil
}

// siblingMinExcluding sums Min across g's members other than excluded,
// the same aggregation aggregateMemberMin performs for a detached
// subject, generalized to exclude an in-place member instead.
func (t *Tree) siblingMinExcluding(g *group, excluded int32) minPair {
	var out minPair
	for _, nidx := range g.members {
		if nidx == excluded {
			continue
		}
		n := &t.nodes[nidx]
		switch n.kind {
		case nodeGroup:
			sib := &t.groups[n.groupSlot]
			out.cpu += sib.cpu.Min
			out.mem += sib.mem.Min
		case nodeVm:
			out.cpu += n.vmCPU.Min
			out.mem += n.vmMem.Min
		}
	}
	return out
}

// isDescendant reports whether candidate node is nidx itself or a
// descendant of it.
func (t *Tree) isDescendant(nidx, candidate int32) bool {
	for candidate != -1 {
		if candidate == nidx {
			return true
		}
		candidate = t.nodes[candidate].parent
	}
	return false
}

func (t *Tree) detachFromParent(nidx int32) {
	parent := t.nodes[nidx].parent
	if parent == -1 {
		return
	}
	pg := &t.groups[t.nodes[parent].groupSlot]
	for i, m := range pg.members {
		if m == nidx {
			pg.members = append(pg.members[:i], pg.members[i+1:]...)
			break
		}
	}
}

func (t *Tree) attachToParent(nidx, parent int32) {
	t.nodes[nidx].parent = parent
	pg := &t.groups[t.nodes[parent].groupSlot]
	pg.members = append(pg.members, nidx)
}

// MoveGroup reparents subject under newParent, after rejecting
// predefined/leaf/cycle/UW-nursery moves and running admission checks
// in both resource sub-models; a failing check reverts the detach
// exactly. On success, every VM descendant's GroupPath is recomputed
// and groupChanged hooks fire once per affected world.
func (t *Tree) MoveGroup(subject, newParent GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sg, err := t.groupByID(subject)
	if err != nil {
		return err
	}
	if sg.flags.Has(FlagPredefined) {
		return errors.Wrap(vmkerrors.ErrBadParam, "cannot move a predefined group")
	}
	npg, err := t.groupByID(newParent)
	if err != nil {
		return errors.Wrap(err, "looking up new parent")
	}
	if npg.flags.Has(FlagLeaf) {
		return errors.Wrap(vmkerrors.ErrBadParam, "new parent is a leaf group")
	}
	if npg.name == "uw-nursery" {
		return errors.Wrap(vmkerrors.ErrBadParam, "cannot move a group under the userworld nursery")
	}
	if t.isDescendant(sg.node, npg.node) {
		return errors.Wrap(vmkerrors.ErrBadParam, "move would create a cycle")
	}
	if t.depthOf(npg.node)+1+t.subtreeHeight(sg.node) > PathLen-1 {
		return errors.Wrap(vmkerrors.ErrLimitExceeded, "move would exceed max tree depth")
	}

	oldParent := t.nodes[sg.node].parent
	t.detachFromParent(sg.node)

	siblingMin := t.aggregateMemberMin(npg)
	if admitErr := alloc.AdmitReparent(sg.cpu.Min, siblingMin.cpu, npg.cpu.EffectiveMax(t.totals.CPUPercent)); admitErr != nil {
		t.attachToParent(sg.node, oldParent)
		return admitErr
	}
	if admitErr := alloc.AdmitReparent(sg.mem.Min, siblingMin.mem, npg.mem.EffectiveMax(t.totals.MemPages)); admitErr != nil {
		t.attachToParent(sg.node, oldParent)
		return admitErr
	}

	t.attachToParent(sg.node, npg.node)

	var affected []WorldID
	t.collectDescendantWorlds(sg.node, &affected)
	for _, w := range affected {
		path := t.computePath(t.findWorldNode(w))
		t.notifyGroupChanged(w, path)
	}

	if oldParent != -1 {
		opg := &t.groups[t.nodes[oldParent].groupSlot]
		t.notifySubtreeChanged(GroupID{Slot: t.nodes[oldParent].groupSlot, Gen: opg.gen})
	}
	t.notifySubtreeChanged(newParent)
	return nil
}

type minPair struct{ cpu, mem int64 }

// aggregateMemberMin sums Min across a group's existing members. The
// caller is expected to have already detached the subject (if it was a
// member of g) before calling this, so the subject's own reservation is
// never double-counted.
func (t *Tree) aggregateMemberMin(g *group) minPair {
	var out minPair
	for _, nidx := range g.members {
		n := &t.nodes[nidx]
		switch n.kind {
		case nodeGroup:
			mg := &t.groups[n.groupSlot]
			out.cpu += mg.cpu.Min
			out.mem += mg.mem.Min
		case nodeVm:
			out.cpu += n.vmCPU.Min
			out.mem += n.vmMem.Min
		}
	}
	return out
}

func (t *Tree) subtreeHeight(nidx int32) int {
	n := &t.nodes[nidx]
	if n.kind != nodeGroup {
		return 0
	}
	g := &t.groups[n.groupSlot]
	best := 0
	for _, m := range g.members {
		if h := t.subtreeHeight(m) + 1; h > best {
			best = h
		}
	}
	return best
}

func (t *Tree) collectDescendantWorlds(nidx int32, out *[]WorldID) {
	n := &t.nodes[nidx]
	if n.kind == nodeVm {
		*out = append(*out, n.worldLeader)
		return
	}
	if n.kind != nodeGroup {
		return
	}
	g := &t.groups[n.groupSlot]
	for _, m := range g.members {
		t.collectDescendantWorlds(m, out)
	}
}

func (t *Tree) findWorldNode(w WorldID) int32 {
	for i := range t.nodes {
		if t.nodes[i].inUse && t.nodes[i].kind == nodeVm && t.nodes[i].worldLeader == w {
			return int32(i)
		}
	}
	return -1
}

// computePath walks parent links from a VM node to the Root and inverts
// them into a root-to-leaf GroupPath.
func (t *Tree) computePath(vmNode int32) GroupPath {
	var path GroupPath
	for i := range path {
		path[i] = InvalidGroupID
	}
	if vmNode == -1 {
		return path
	}
	var rev []GroupID
	n := t.nodes[vmNode].parent
	for n != -1 {
		slot := t.nodes[n].groupSlot
		rev = append(rev, GroupID{Slot: slot, Gen: t.groups[slot].gen})
		n = t.nodes[n].parent
	}
	for i := 0; i < len(rev) && i < PathLen; i++ {
		path[i] = rev[len(rev)-1-i]
	}
	return path
}

// JoinGroup attaches a freshly allocated VM node to a group's member
// list and stamps the world's group id and path.
func (t *Tree) JoinGroup(leader WorldID, id GroupID, cpu, mem alloc.RawBlock, nVcpus int) (GroupPath, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := t.groupByID(id)
	if err != nil {
		return GroupPath{}, err
	}
	if t.depthOf(g.node)+1 > PathLen-1 {
		return GroupPath{}, errors.Wrap(vmkerrors.ErrLimitExceeded, "max tree depth exceeded")
	}

	nidx, err := t.allocNodeSlot()
	if err != nil {
		return GroupPath{}, err
	}

	cpuNorm := alloc.Normalize(cpu, t.totals.CPUPercent, nVcpus)
	memNorm := alloc.Normalize(mem, t.totals.MemPages, nVcpus)

	siblingMin := t.aggregateMemberMin(g)
	if err := alloc.AdmitReparent(cpuNorm.Min, siblingMin.cpu, g.cpu.EffectiveMax(t.totals.CPUPercent)); err != nil {
		t.freeNodeSlot(nidx)
		return GroupPath{}, err
	}
	if err := alloc.AdmitReparent(memNorm.Min, siblingMin.mem, g.mem.EffectiveMax(t.totals.MemPages)); err != nil {
		t.freeNodeSlot(nidx)
		return GroupPath{}, err
	}

	t.nodes[nidx] = node{inUse: true, kind: nodeVm, parent: g.node, worldLeader: leader, vmCPU: cpuNorm, vmMem: memNorm}
	g.members = append(g.members, nidx)

	path := t.computePath(nidx)
	t.notifySubtreeChanged(id)
	return path, nil
}

// LeaveGroup reverses JoinGroup. If the parent has the self-destruct
// flag and becomes empty, the group is transitively removed.
func (t *Tree) LeaveGroup(leader WorldID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	nidx := t.findWorldNode(leader)
	if nidx == -1 {
		return errors.Wrapf(vmkerrors.ErrNotFound, "world %d is not joined to any group", leader)
	}
	parent := t.nodes[nidx].parent
	t.detachFromParent(nidx)
	t.freeNodeSlot(nidx)

	if parent != -1 {
		pg := &t.groups[t.nodes[parent].groupSlot]
		pid := GroupID{Slot: t.nodes[parent].groupSlot, Gen: pg.gen}
		t.notifySubtreeChanged(pid)
		t.maybeSelfDestruct(pg)
	}
	return nil
}

// maybeSelfDestruct reaps a self-destruct group whose last VM just left.
// Predefined groups never carry FlagSelfDestruct (spec.md §9), so no
// guard against predefined groups is required here.
func (t *Tree) maybeSelfDestruct(g *group) {
	if !g.flags.Has(FlagSelfDestruct) {
		return
	}
	if len(g.members) != 0 {
		return
	}
	ownSlot := t.nodes[g.node].groupSlot
	parentNode := t.nodes[g.node].parent
	t.detachFromParent(g.node)
	t.freeNodeSlot(g.node)
	delete(t.byName, g.name)
	g.removed = true
	if g.refCount == 0 {
		t.reapLocked(ownSlot)
	}
	if parentNode != -1 {
		pg := &t.groups[t.nodes[parentNode].groupSlot]
		t.maybeSelfDestruct(pg)
	}
}

// ChangeGroup moves a VM between groups without losing its reservation:
// it admission-checks the VM's min against the new parent's capacity and
// the new parent's other members' aggregated min, creates a temporary
// anonymous group under the new parent sized to the VM's current
// allocation, then detaches/reattaches the VM directly under the new
// parent and removes the temp group. Any failed step reverts the
// previous ones.
func (t *Tree) ChangeGroup(leader WorldID, newParent GroupID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	vmNode := t.findWorldNode(leader)
	if vmNode == -1 {
		return errors.Wrapf(vmkerrors.ErrNotFound, "world %d is not joined to any group", leader)
	}
	npg, err := t.groupByID(newParent)
	if err != nil {
		return errors.Wrap(err, "looking up new parent")
	}
	if npg.flags.Has(FlagLeaf) {
		return errors.Wrap(vmkerrors.ErrBadParam, "new parent is a leaf group")
	}

	n := &t.nodes[vmNode]
	vmCPU, vmMem := n.vmCPU, n.vmMem

	siblingMin := t.siblingMinExcluding(npg, vmNode)
	if admitErr := alloc.AdmitReparent(vmCPU.Min, siblingMin.cpu, npg.cpu.EffectiveMax(t.totals.CPUPercent)); admitErr != nil {
		return admitErr
	}
	if admitErr := alloc.AdmitReparent(vmMem.Min, siblingMin.mem, npg.mem.EffectiveMax(t.totals.MemPages)); admitErr != nil {
		return admitErr
	}

	tmpCPURaw := alloc.RawBlock{Min: vmCPU.Min, Max: vmCPU.Max, ShareLevel: alloc.SharesCustom, Shares: vmCPU.Shares, Units: vmCPU.Units}
	tmpMemRaw := alloc.RawBlock{Min: vmMem.Min, Max: vmMem.Max, ShareLevel: alloc.SharesCustom, Shares: vmMem.Shares, Units: vmMem.Units}

	tmpID, err := t.addGroupLocked("", newParent, tmpCPURaw, tmpMemRaw, t.totals, 0, false)
	if err != nil {
		return errors.Wrap(err, "reserving temporary group")
	}

	oldParent := n.parent
	t.detachFromParent(vmNode)
	t.attachToParent(vmNode, npg.node)

	tmpg, err := t.groupByID(tmpID)
	if err != nil {
		// Should not happen: we just created it.
		t.attachToParent(vmNode, oldParent)
		return err
	}
	t.removeGroupLockedNoCheck(tmpg)

	path := t.computePath(vmNode)
	t.notifyGroupChanged(leader, path)
	if oldParent != -1 {
		opg := &t.groups[t.nodes[oldParent].groupSlot]
		t.notifySubtreeChanged(GroupID{Slot: t.nodes[oldParent].groupSlot, Gen: opg.gen})
	}
	t.notifySubtreeChanged(newParent)
	return nil
}

// removeGroupLockedNoCheck removes the (empty, non-predefined, internal
// temporary) group g assuming the tree lock is already held and the
// caller has already verified it is safe to remove.
func (t *Tree) removeGroupLockedNoCheck(g *group) {
	ownSlot := t.nodes[g.node].groupSlot
	t.detachFromParent(g.node)
	t.freeNodeSlot(g.node)
	delete(t.byName, g.name)
	g.removed = true
	if g.refCount == 0 {
		t.reapLocked(ownSlot)
	}
}

// Snapshot is a read-only view of one group's current state, used by
// procfs and tests; it copies out of the tree under the lock.
type Snapshot struct {
	ID       GroupID
	Name     string
	Parent   GroupID
	Flags    Flag
	Removed  bool
	RefCount int32
	CPU      alloc.Block
	Mem      alloc.Block
	Members  []string // child names, both groups and "vm:<leader>"
}

func (t *Tree) Describe(id GroupID) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		ID: id, Name: g.name, Flags: g.flags, Removed: g.removed,
		RefCount: g.refCount, CPU: g.cpu, Mem: g.mem,
	}
	if parent := t.nodes[g.node].parent; parent != -1 {
		pslot := t.nodes[parent].groupSlot
		snap.Parent = GroupID{Slot: pslot, Gen: t.groups[pslot].gen}
	} else {
		snap.Parent = InvalidGroupID
	}
	for _, m := range g.members {
		mn := &t.nodes[m]
		if mn.kind == nodeGroup {
			snap.Members = append(snap.Members, t.groups[mn.groupSlot].name)
		} else {
			snap.Members = append(snap.Members, fmt.Sprintf("vm:%d", mn.worldLeader))
		}
	}
	return snap, nil
}

// PathOf returns the current GroupPath of a joined world.
func (t *Tree) PathOf(leader WorldID) (GroupPath, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nidx := t.findWorldNode(leader)
	if nidx == -1 {
		return GroupPath{}, errors.Wrapf(vmkerrors.ErrNotFound, "world %d", leader)
	}
	return t.computePath(nidx), nil
}

// WalkGroups applies fn to every in-use group under the tree lock, as
// the "iteration helpers take a closure under the tree lock" contract
// requires.
func (t *Tree) WalkGroups(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for slot := range t.groups {
		if !t.groups[slot].inUse {
			continue
		}
		g := &t.groups[slot]
		id := GroupID{Slot: int32(slot), Gen: g.gen}
		snap, err := t.describeLocked(id)
		if err == nil {
			fn(snap)
		}
	}
}

func (t *Tree) describeLocked(id GroupID) (Snapshot, error) {
	g, err := t.groupByID(id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{ID: id, Name: g.name, Flags: g.flags, Removed: g.removed, RefCount: g.refCount, CPU: g.cpu, Mem: g.mem}
	if parent := t.nodes[g.node].parent; parent != -1 {
		pslot := t.nodes[parent].groupSlot
		snap.Parent = GroupID{Slot: pslot, Gen: t.groups[pslot].gen}
	} else {
		snap.Parent = InvalidGroupID
	}
	return snap, nil
}

// ValidateInvariants is used by tests to assert the universal
// invariants of spec.md §8 (items 1, 5, 7) hold over the whole tree.
// GroupPath consistency (item 2) is not checked here.
func (t *Tree) ValidateInvariants() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result error
	for slot := range t.groups {
		g := &t.groups[slot]
		if !g.inUse {
			continue
		}
		for _, m := range g.members {
			if t.nodes[m].parent != g.node {
				result = multierror.Append(result, errors.Errorf("group %q member node %d has mismatched parent", g.name, m))
			}
		}
		if g.removed && g.refCount == 0 {
			result = multierror.Append(result, errors.Errorf("group %q removed+refcount0 but slot still in use (not reaped)", g.name))
		}
	}
	for i := range t.nodes {
		if !t.nodes[i].inUse {
			continue
		}
		if d := t.depthOf(int32(i)); d > PathLen-1 {
			result = multierror.Append(result, errors.Errorf("node %d has depth %d > %d", i, d, PathLen-1))
		}
	}
	return result
}

// ChargeVtime propagates a scheduling charge up a VM's GroupPath,
// adding cyclesPerEffectiveShare to each ancestor group's vtime, per
// spec.md §4.4 ("propagated up the GroupPath by cycles / effective_shares
// additions to each group's vtime"). The caller (the cell scheduler)
// computes cyclesPerEffectiveShare once per dispatch using its own
// effective-shares figure for the charged vsmp; this function only does
// the path walk and the under-lock publication.
func (t *Tree) ChargeVtime(path GroupPath, cyclesPerEffectiveShare uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, gid := range path {
		if gid == InvalidGroupID {
			break
		}
		g, err := t.groupByID(gid)
		if err != nil {
			continue
		}
		g.vtime += cyclesPerEffectiveShare
		g.vtimeVersioned.Store(g.vtime)
		metrics.GroupVtime.WithLabelValues(g.name).Set(float64(g.vtime))
	}
}

// GroupVtime reads a group's current vtime via the versioned protocol,
// without acquiring the tree lock, matching spec.md §5 ("reads of group
// vtime for scheduling use the versioned protocol").
func (t *Tree) GroupVtime(id GroupID) (uint64, error) {
	slot := id.Slot
	if slot < 0 || int(slot) >= len(t.groups) || t.groups[slot].gen != id.Gen || !t.groups[slot].inUse {
		return 0, errors.Wrap(vmkerrors.ErrNotFound, "group vtime: no such group")
	}
	return t.groups[slot].vtimeVersioned.Load(), nil
}

// SetVtimeLimit sets a group's bonus-drain ceiling (vtimeLimit); used
// by the cell scheduler's bonus/lag bounding pass.
func (t *Tree) SetVtimeLimit(id GroupID, limit uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.groupByID(id)
	if err != nil {
		return err
	}
	g.vtimeLimit = limit
	return nil
}
