// Package userboundary implements UserBoundary (C6): fault-restart
// copy_in/copy_out across the user/kernel boundary, exception vector
// dispatch, and cartel-wide shutdown.
//
// Real page faults and longjmp-style frame redirection have no
// faithful Go analogue inside a single process, so the fault-restart
// protocol is modeled explicitly: a UserMemory accessor simulates the
// segment-limited load/store and reports faults as errors instead of
// raising a CPU exception, and CopyBoundary tracks the same
// in-progress/status state machine the original longJumpPC/
// userCopyStatus pair does, guarding against re-entrant copies.
//
// Grounded on the teacher's context-based cancellation idiom
// (virtcontainers propagates a context.Context and checks ctx.Err() at
// call boundaries) generalized to the spec's explicit per-world
// deathPending flag, and on virtcontainers/pkg/signals.go's vector-to-
// handler dispatch table shape for exception dispatch.
package userboundary

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmkernel-project/vmkernel/internal/eventbus"
	"github.com/vmkernel-project/vmkernel/internal/metrics"
	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
	"github.com/vmkernel-project/vmkernel/internal/vsmp"
)

var ubLog = logrus.WithField("subsystem", "userboundary")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := ubLog.Data
	ubLog = logger.WithFields(fields)
}

// CopyStatus is the per-world userCopyStatus cell.
type CopyStatus int

const (
	CopyStatusNone CopyStatus = iota
	CopyStatusInvalidAddress
	CopyStatusNoAccess
)

// UserMemory performs the segment-limited load/store a real copy_in/out
// would; Read/Write return vmkerrors.ErrInvalidAddress or ErrNoAccess to
// simulate a page or protection fault caught inside the copy.
type UserMemory interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, buf []byte) error
}

// boundaryState is one world's CopyBoundary: whether a copy is
// currently in flight and the status left behind by the last fault.
type boundaryState struct {
	active bool
	status CopyStatus
}

// Boundary tracks one CopyBoundary per world, guarding against
// re-entrant copies (spec.md §4.6: "Re-entrant copies are forbidden").
type Boundary struct {
	mu     sync.Mutex
	states map[*vsmp.World]*boundaryState
}

// New builds an empty copy-boundary tracker.
func New() *Boundary {
	return &Boundary{states: make(map[*vsmp.World]*boundaryState)}
}

func (b *Boundary) stateFor(w *vsmp.World) *boundaryState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[w]
	if !ok {
		s = &boundaryState{}
		b.states[w] = s
	}
	return s
}

// enter marks a copy in-flight for w, failing if one is already active.
func (b *Boundary) enter(w *vsmp.World) (*boundaryState, error) {
	s := b.stateFor(w)
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.active {
		return nil, errors.Wrap(vmkerrors.ErrBadParam, "copy_in/copy_out: re-entrant copy")
	}
	s.active = true
	s.status = CopyStatusNone
	return s, nil
}

func (b *Boundary) leave(s *boundaryState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.active = false
}

// translateFault maps a UserMemory error to the copy-fault status cell
// value and the error returned to the caller, per spec.md §4.6's
// "observes longJumpPC is set... sets userCopyStatus to the translated
// error" redirect.
func translateFault(err error) (CopyStatus, error) {
	switch {
	case err == nil:
		return CopyStatusNone, nil
	case vmkerrors.Is(err, vmkerrors.ErrInvalidAddress):
		metrics.CopyFaults.WithLabelValues("invalid_address").Inc()
		return CopyStatusInvalidAddress, vmkerrors.ErrInvalidAddress
	case vmkerrors.Is(err, vmkerrors.ErrNoAccess):
		metrics.CopyFaults.WithLabelValues("no_access").Inc()
		return CopyStatusNoAccess, vmkerrors.ErrNoAccess
	default:
		metrics.CopyFaults.WithLabelValues("no_access").Inc()
		return CopyStatusNoAccess, errors.Wrap(vmkerrors.ErrNoAccess, err.Error())
	}
}

// CopyIn copies len(dst) bytes from srcUser in mem into dst.
func (b *Boundary) CopyIn(w *vsmp.World, mem UserMemory, dst []byte, srcUser uint64) error {
	s, err := b.enter(w)
	if err != nil {
		return err
	}
	defer b.leave(s)

	if err := mem.Read(srcUser, dst); err != nil {
		status, translated := translateFault(err)
		b.mu.Lock()
		s.status = status
		b.mu.Unlock()
		return translated
	}
	return nil
}

// CopyOut copies src into len(src) bytes at dstUser in mem.
func (b *Boundary) CopyOut(w *vsmp.World, mem UserMemory, dstUser uint64, src []byte) error {
	s, err := b.enter(w)
	if err != nil {
		return err
	}
	defer b.leave(s)

	if err := mem.Write(dstUser, src); err != nil {
		status, translated := translateFault(err)
		b.mu.Lock()
		s.status = status
		b.mu.Unlock()
		return translated
	}
	return nil
}

// CopyInString copies up to max bytes (including the terminator) from
// srcUser until a zero byte, returning ErrLimitExceeded if no
// terminator was found within max bytes.
func (b *Boundary) CopyInString(w *vsmp.World, mem UserMemory, srcUser uint64, max int) (string, error) {
	s, err := b.enter(w)
	if err != nil {
		return "", err
	}
	defer b.leave(s)

	buf := make([]byte, 1)
	out := make([]byte, 0, max)
	for i := 0; i < max; i++ {
		if err := mem.Read(srcUser+uint64(i), buf); err != nil {
			status, translated := translateFault(err)
			b.mu.Lock()
			s.status = status
			b.mu.Unlock()
			return "", translated
		}
		if buf[0] == 0 {
			return string(out), nil
		}
		out = append(out, buf[0])
	}
	return "", errors.Wrap(vmkerrors.ErrLimitExceeded, "copy_in_string: unterminated within max")
}

// LastStatus returns the status left by the most recent faulted copy
// for w (CopyStatusNone if the last copy succeeded or none has run).
func (b *Boundary) LastStatus(w *vsmp.World) CopyStatus {
	s := b.stateFor(w)
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.status
}

// ExceptionVector identifies a trapped exception.
type ExceptionVector int

const (
	VectorPageFault ExceptionVector = iota
	VectorProtectionFault
	VectorDeviceNotAvailable
	VectorOther
)

// Outcome describes what the exception dispatcher decided to do.
type Outcome int

const (
	OutcomeResumed Outcome = iota
	OutcomeSignalDelivered
	OutcomeDebuggerTrap
	OutcomeCartelShutdown
)

// Dispatcher implements the exception-dispatch decision tree of
// spec.md §4.6.
type Dispatcher struct {
	Boundary *Boundary

	// DemandMap attempts to service a page fault by mapping the faulting
	// page; returns true if it succeeded.
	DemandMap func(w *vsmp.World, addr uint64) bool

	// TSWindowActive reports whether the NMI/TS save/restore window is
	// active, making a spurious device-not-available fault benign.
	TSWindowActive func(w *vsmp.World) bool

	// SignalHandlerRegistered reports whether a user handler exists for
	// vector v and, if so, rewrites the user frame to dispatch to it.
	SignalHandlerRegistered func(w *vsmp.World, v ExceptionVector) bool

	DebuggerAttached bool

	// Shutdown is invoked when no other disposition applies; code is
	// SYSERR_BASE + translated_signal.
	Shutdown func(w *vsmp.World, code int)
}

const sysErrBase = 0x1000

// Dispatch implements the six-step decision list verbatim.
func (d *Dispatcher) Dispatch(w *vsmp.World, v ExceptionVector, addr uint64, translatedSignal int) Outcome {
	if v == VectorPageFault && d.DemandMap != nil && d.DemandMap(w, addr) {
		return OutcomeResumed
	}
	if d.Boundary != nil && d.Boundary.stateFor(w).active {
		status, _ := translateFault(vmkerrors.ErrInvalidAddress)
		if v == VectorProtectionFault {
			status, _ = translateFault(vmkerrors.ErrNoAccess)
		}
		s := d.Boundary.stateFor(w)
		d.Boundary.mu.Lock()
		s.status = status
		s.active = false
		d.Boundary.mu.Unlock()
		return OutcomeResumed
	}
	if v == VectorDeviceNotAvailable && d.TSWindowActive != nil && d.TSWindowActive(w) {
		return OutcomeResumed
	}
	if d.SignalHandlerRegistered != nil && d.SignalHandlerRegistered(w, v) {
		return OutcomeSignalDelivered
	}
	if d.DebuggerAttached {
		return OutcomeDebuggerTrap
	}
	if d.Shutdown != nil {
		d.Shutdown(w, sysErrBase+translatedSignal)
	}
	w.MarkDeathPending()
	return OutcomeCartelShutdown
}

// EventSink matches the external event-bus post_event contract
// (spec.md §6); *eventbus.Bus satisfies this directly, so a real
// Cartel can post straight to the configured bus. userboundary only
// ever posts KindPreExit.
type EventSink interface {
	PostEvent(kind eventbus.Kind, payload any)
}

// Cartel is the set of worlds that terminate together.
type Cartel struct {
	mu      sync.Mutex
	ID      vsmp.WorldType // informational tag, not used for identity
	Members []*vsmp.World
}

// NewCartel groups the given worlds for joint shutdown.
func NewCartel(members ...*vsmp.World) *Cartel {
	return &Cartel{Members: members}
}

// AddMember adds a world to the cartel after construction (e.g. a
// clone joining).
func (c *Cartel) AddMember(w *vsmp.World) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Members = append(c.Members, w)
}

// Shutdown terminates every member of the cartel: posts PreExit, then
// sets deathPending on every peer. If vicious, survivors that have not
// exited within grace are forcibly killed via forceKill.
func (c *Cartel) Shutdown(sink EventSink, exitCode int, vicious bool, grace time.Duration, forceKill func(*vsmp.World)) {
	c.mu.Lock()
	members := append([]*vsmp.World(nil), c.Members...)
	c.mu.Unlock()

	if sink != nil {
		sink.PostEvent(eventbus.KindPreExit, exitCode)
	}
	for _, w := range members {
		w.MarkDeathPending()
	}
	metrics.CartelShutdowns.WithLabelValues(strconv.FormatBool(vicious)).Inc()
	ubLog.WithFields(logrus.Fields{"exitCode": exitCode, "vicious": vicious, "members": len(members)}).
		Info("cartel shutdown requested")

	if !vicious || forceKill == nil {
		return
	}
	go func() {
		time.Sleep(grace)
		for _, w := range members {
			forceKill(w)
		}
	}()
}
