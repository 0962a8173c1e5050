// Package eventbus implements the fire-and-forget post_event(kind,
// payload) external interface (spec.md §6): a one-way notification to
// whatever proxy is listening, with no acknowledgement and no back-
// pressure on the caller.
//
// Grounded on the teacher's fifo-backed stream plumbing
// (virtcontainers/fc.go's fifo.OpenFifo, containerd-shim-v2/stream.go):
// when a fifo path is configured the bus opens it once, non-blocking,
// write-only, and JSON-encodes one line per event; callers that never
// configure a path get a sink that only logs, which keeps post_event
// safe to call from code paths that run in tests with no proxy at all.
package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"syscall"

	"github.com/containerd/fifo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var busLog = logrus.WithField("subsystem", "eventbus")

// SetLogger lets the embedding binary inject its own base logger.
func SetLogger(logger *logrus.Entry) {
	fields := busLog.Data
	busLog = logger.WithFields(fields)
}

// Kind enumerates the post_event kinds spec.md §6 names. The core only
// carries the tag; interpreting the payload is the proxy's concern.
type Kind string

const (
	KindVmkLoad             Kind = "VmkLoad"
	KindModuleLoad          Kind = "ModuleLoad"
	KindNetwork             Kind = "Network"
	KindVmfs                Kind = "Vmfs"
	KindAlert               Kind = "Alert"
	KindUpdateDisks         Kind = "UpdateDisks"
	KindMigrateProgress     Kind = "MigrateProgress"
	KindCommitDone          Kind = "CommitDone"
	KindRequestVmmCoredump  Kind = "RequestVmmCoredump"
	KindRequestTclCmd       Kind = "RequestTclCmd"
	KindExit                Kind = "Exit"
	KindPanic               Kind = "Panic"
	KindRequestVmxCoredump  Kind = "RequestVmxCoredump"

	// KindPreExit is the cartel-shutdown status message spec.md §4.4
	// names by this literal term ("posts a PreExit status message to
	// the external proxy"), distinct from the post_event kind catalog
	// above.
	KindPreExit Kind = "PreExit"
)

// Event is one posted notification.
type Event struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload,omitempty"`
}

// Bus posts events to a configured sink without blocking callers on
// a slow or absent reader.
type Bus struct {
	mu   sync.Mutex
	sink io.Writer
	enc  *json.Encoder
}

// NewLogOnlySink builds a Bus whose post_event calls only log; used
// when no fifo_path is configured.
func NewLogOnlySink() *Bus {
	return &Bus{}
}

// OpenFifo opens (creating if absent) a named pipe at path in
// non-blocking write-only mode and returns a Bus backed by it. The
// fifo is opened once and kept for the Bus's lifetime; a reader that
// disappears mid-stream surfaces write errors that PostEvent logs and
// swallows, consistent with post_event's fire-and-forget contract.
func OpenFifo(ctx context.Context, path string) (*Bus, error) {
	f, err := fifo.OpenFifo(ctx, path, syscall.O_CREAT|syscall.O_WRONLY|syscall.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "eventbus: opening fifo %q", path)
	}
	b := &Bus{sink: f}
	b.enc = json.NewEncoder(f)
	busLog.WithField("path", path).Info("opened event fifo")
	return b, nil
}

// Close releases the underlying sink, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if closer, ok := b.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// PostEvent posts kind/payload. It never blocks the caller on a slow
// reader beyond acquiring its own mutex, and never returns an error:
// a failed write is logged and dropped, matching spec.md §6's "only
// the signature matters for the core" framing.
func (b *Bus) PostEvent(kind Kind, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink == nil {
		busLog.WithFields(logrus.Fields{"kind": kind, "payload": payload}).Debug("post_event (no sink configured)")
		return
	}
	if err := b.enc.Encode(Event{Kind: kind, Payload: payload}); err != nil {
		busLog.WithError(err).WithField("kind", kind).Warn("post_event write failed")
	}
}
