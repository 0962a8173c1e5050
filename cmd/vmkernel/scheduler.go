package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/vmkernel-project/vmkernel/internal/alloc"
	"github.com/vmkernel-project/vmkernel/internal/cell"
	"github.com/vmkernel-project/vmkernel/internal/resourcecontrol"
	"github.com/vmkernel-project/vmkernel/internal/tree"
	"github.com/vmkernel-project/vmkernel/internal/userboundary"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
	"github.com/vmkernel-project/vmkernel/internal/vsmp"
	"github.com/vmkernel-project/vmkernel/internal/waitengine"
)

// demoVM is one scheduler-driven VM: a single-vcpu VSMP joined to the
// "local" predefined group and enqueued on one cell, backed by its own
// cgroup handle.
type demoVM struct {
	world    *vsmp.World
	vm       *vsmp.VSMP
	cell     *cell.Cell
	groupID  tree.GroupID
	path     tree.GroupPath
	affinity uint64
	group    resourcecontrol.Group
}

// scheduler is the driven runtime built over a booted kernel: one demo
// VM enqueued per cell, an idle world per pcpu, a wait engine carrying
// one heartbeat waiter, and a cartel wired to the kernel's event bus so
// shutdown actually reaches PostEvent. Grounded on the teacher's
// sandbox-as-a-goroutine-pool shape (virtcontainers' vm.go), adapted
// from one goroutine per vcpu thread to one ticking dispatch loop per
// pcpu plus an explicit wait/wakeup demo, since this binary has no real
// guest threads to own that loop.
type scheduler struct {
	k      *kernel
	engine *waitengine.Engine
	cartel *userboundary.Cartel

	vms     []*demoVM
	byVCPU  map[*vsmp.VCPU]*demoVM
	running map[int]*demoVM // pcpu -> demo VM currently dispatched there, nil if idle

	nextWorldID uint32
	heartbeat   uint32 // event id the demo waiter blocks on
}

// newScheduler constructs one demo VM per booted cell, joins it to the
// "local" predefined group, opens its cgroup, and enqueues it, leaving
// every PCPU's idle world registered so Reschedule always has a
// fallback.
func newScheduler(k *kernel) (*scheduler, error) {
	localID, err := k.tree.LookupByName("local")
	if err != nil {
		return nil, errors.Wrap(err, "scheduler: looking up local group")
	}

	s := &scheduler{
		k:         k,
		engine:    waitengine.NewEngine(),
		byVCPU:    make(map[*vsmp.VCPU]*demoVM),
		running:   make(map[int]*demoVM),
		heartbeat: 1,
	}

	unbounded := alloc.RawBlock{Min: 0, Max: alloc.NoMax, ShareLevel: alloc.SharesNormal, Units: alloc.UnitsPercent}
	totals := resourcecontrol.Totals{CPUPercent: k.cfg.Totals.CPUPercent, MemPages: k.cfg.Totals.MemPages, PageSize: pageSizeBytes}

	var leaders []*vsmp.World
	for _, cl := range k.cells {
		s.nextWorldID++
		leader := tree.WorldID(s.nextWorldID)

		vm := vsmp.New(leader, 1, false)
		vm.SetVcpuRunState(vm.Vcpus[0], vsmp.RunReady)

		path, err := k.tree.JoinGroup(leader, localID, unbounded, unbounded, 1)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: joining cell %d's demo vm to local", cl.ID)
		}

		world := vsmp.NewWorld(leader, fmt.Sprintf("demo-vm/%d", leader), vsmp.WorldUser)
		world.VSMP = vm
		world.VCPU = vm.Vcpus[0]
		world.Group = localID

		group, err := k.enforcer.Open(fmt.Sprintf("vm-%d", leader))
		if err != nil {
			vmkLog.WithError(err).WithField("vm", leader).Warn("cgroup open failed, demo vm runs unmanaged")
		} else {
			cpuBlock := alloc.Normalize(unbounded, totals.CPUPercent, 1)
			memBlock := alloc.Normalize(unbounded, totals.MemPages, 1)
			if err := group.Update(cpuBlock, memBlock, totals); err != nil {
				vmkLog.WithError(err).WithField("vm", leader).Debug("cgroup update failed, continuing with defaults")
			}
			if err := group.AddPID(os.Getpid()); err != nil {
				vmkLog.WithError(err).WithField("vm", leader).Debug("cgroup AddPID failed, continuing unattached")
			}
		}

		dv := &demoVM{world: world, vm: vm, cell: cl, groupID: localID, path: path, affinity: alloc.AffinityNone, group: group}
		s.vms = append(s.vms, dv)
		s.byVCPU[vm.Vcpus[0]] = dv
		leaders = append(leaders, world)

		cl.Enqueue(vm, localID, path, dv.affinity)

		for _, pcpu := range cl.PCPUs {
			s.nextWorldID++
			idleVC := &vsmp.VCPU{PhysCPU: pcpu, HandoffCPU: -1, Affinity: alloc.AffinityNone, PerPCPURunTime: make(map[int]uint64)}
			idleWorld := vsmp.NewWorld(tree.WorldID(s.nextWorldID), fmt.Sprintf("idle/%d", pcpu), vsmp.WorldIdle)
			idleWorld.VCPU = idleVC
			cl.SetIdleWorld(pcpu, idleWorld)
		}
	}

	s.cartel = userboundary.NewCartel(leaders...)
	return s, nil
}

// pageSizeBytes matches the scheduler-page convention config.Load
// probes memory totals against.
const pageSizeBytes = 4096

// tick drives one scheduling quantum across every cell/pcpu pair: the
// running vcpu (if any) is charged and quantum-checked, a reschedule is
// performed whenever the quantum expired or the pcpu was idle, and the
// new occupant's quantum deadline is stamped.
func (s *scheduler) tick(nowCycles uint64) {
	quantum := s.k.cfg.QuantumCycles
	for _, cl := range s.k.cells {
		for _, pcpu := range cl.PCPUs {
			cur := s.running[pcpu]
			var vc *vsmp.VCPU
			if cur != nil {
				vc = cur.vm.Vcpus[0]
				cl.TimerInterrupt(pcpu, vc, nowCycles)
				cl.Charge(vc, cur.path, quantum, s.effectiveShares(cur.groupID))
			}

			if cur == nil || cl.NeedsReschedule(pcpu) {
				var groupID tree.GroupID
				var path tree.GroupPath
				affinity := alloc.AffinityNone
				if cur != nil {
					groupID, path, affinity = cur.groupID, cur.path, cur.affinity
				}
				next := cl.Reschedule(pcpu, groupID, path, affinity)
				cur = s.byVCPU[next]
				s.running[pcpu] = cur
				if cur != nil {
					cur.vm.Vcpus[0].QuantumDeadline = nowCycles + quantum
				}
			}
		}
	}
}

// effectiveShares reads back the bshares the tree resolved for a
// group's own allocation, falling back to the normal-share default if
// the lookup fails (the group was concurrently removed).
func (s *scheduler) effectiveShares(id tree.GroupID) int64 {
	snap, err := s.k.tree.Describe(id)
	if err != nil {
		return 1000
	}
	return snap.CPU.Shares
}

// run drives tick on a ticker paced by the configured cell frequency
// and runs the heartbeat wait/wakeup demo, until ctx is cancelled.
func (s *scheduler) run(ctx context.Context) {
	hz := s.k.cfg.CellHz
	if hz <= 0 {
		hz = 100
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	go s.heartbeatWaiter(ctx)

	var nowCycles uint64
	var ticks int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowCycles += s.k.cfg.QuantumCycles
			s.tick(nowCycles)
			ticks++
			if ticks%hz == 0 {
				s.engine.Wakeup(s.heartbeat)
			}
		}
	}
}

// heartbeatWaiter exercises the wait engine from a world untied to any
// cell's ready queue: it blocks on Wait until run's ticker wakes it (or
// its own timeout fires), demonstrating a real suspend/resume round
// trip reachable from the binary rather than only from tests.
func (s *scheduler) heartbeatWaiter(ctx context.Context) {
	world := vsmp.NewWorld(0, "heartbeat", vsmp.WorldSystem)
	vc := &vsmp.VCPU{HandoffCPU: -1, Affinity: alloc.AffinityNone, PerPCPURunTime: make(map[int]uint64)}
	world.VCPU = vc

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := s.engine.Wait(world, vc, s.heartbeat, vsmp.WaitSleep, nil, 5*time.Second)
		if err != nil && !vmkerrors.Is(err, vmkerrors.ErrTimeout) {
			return
		}
	}
}

// shutdown posts PreExit on the kernel's event bus and marks every demo
// world's cartel membership death-pending.
func (s *scheduler) shutdown() {
	s.cartel.Shutdown(s.k.bus, 0, false, 0, nil)
}
