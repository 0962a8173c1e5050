// Debugger transport: the byte-stream capability set spec.md §6 names
// (start, stop, get_char, put_char, poll_char, flush, cleanup,
// listening_on) plus the semver-based hello handshake, with two
// concrete transports.
//
// Grounded on the teacher's vsock-based agent transport
// (pkg/agent/protocols/client/client.go's vsock.Dial) for the
// over-vsock implementation, and its local console plumbing
// (cli/kata-exec.go's console.Current/SetRaw/Reset) for the pty
// implementation; the version handshake mirrors cli/release.go's
// semver-based compatibility checks.
package userboundary

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/blang/semver/v4"
	"github.com/containerd/console"
	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"

	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

func vsockDescriptor(cid, port uint32) string {
	return fmt.Sprintf("vsock:%d:%d", cid, port)
}

// DebuggerTransport is a byte-stream connection the core supplies and
// consumes for the kernel debugger protocol. The core only moves
// bytes; packet grammar above this is the debugger module's concern.
type DebuggerTransport interface {
	Start() error
	Stop() error
	GetChar() (byte, error)
	PutChar(b byte) error
	PollChar() (bool, error)
	Flush() error
	Cleanup() error
	ListeningOn() string
}

// ProtocolVersion is this build's debugger wire version, checked
// against the peer's hello packet.
var ProtocolVersion = semver.MustParse("1.0.0")

// Handshake reads a newline-terminated semver string from r and
// confirms peer major version compatibility with ProtocolVersion,
// returning a wrapped vmkerrors.VersionMismatchError on mismatch.
func Handshake(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "userboundary: reading debugger hello")
	}
	peer, err := semver.Parse(trimNewline(line))
	if err != nil {
		return errors.Wrap(vmkerrors.ErrBadParam, "userboundary: malformed debugger hello")
	}
	if peer.Major != ProtocolVersion.Major {
		return errors.Wrap(&vmkerrors.VersionMismatchError{
			WantMajor: ProtocolVersion.Major, WantMinor: ProtocolVersion.Minor,
			GotMajor: peer.Major, GotMinor: peer.Minor,
		}, "userboundary: debugger version mismatch")
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// VsockTransport carries the debugger protocol over AF_VSOCK, the
// transport a nested-VM debugger typically uses to reach its host.
type VsockTransport struct {
	cid, port uint32
	conn      net.Conn
	reader    *bufio.Reader
}

// NewVsockTransport builds a transport that will dial (cid, port) on
// Start.
func NewVsockTransport(cid, port uint32) *VsockTransport {
	return &VsockTransport{cid: cid, port: port}
}

func (t *VsockTransport) Start() error {
	conn, err := vsock.Dial(t.cid, t.port, nil)
	if err != nil {
		return errors.Wrapf(err, "userboundary: dialing vsock cid=%d port=%d", t.cid, t.port)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *VsockTransport) Stop() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *VsockTransport) GetChar() (byte, error) {
	if t.reader == nil {
		return 0, errors.Wrap(vmkerrors.ErrNotReady, "userboundary: vsock transport not started")
	}
	b, err := t.reader.ReadByte()
	if err != nil {
		return 0, errors.Wrap(err, "userboundary: vsock get_char")
	}
	return b, nil
}

func (t *VsockTransport) PutChar(b byte) error {
	if t.conn == nil {
		return errors.Wrap(vmkerrors.ErrNotReady, "userboundary: vsock transport not started")
	}
	_, err := t.conn.Write([]byte{b})
	return err
}

func (t *VsockTransport) PollChar() (bool, error) {
	return t.reader != nil && t.reader.Buffered() > 0, nil
}

func (t *VsockTransport) Flush() error { return nil }

func (t *VsockTransport) Cleanup() error { return t.Stop() }

func (t *VsockTransport) ListeningOn() string {
	return vsockDescriptor(t.cid, t.port)
}

// ConsoleTransport carries the debugger protocol over the process's
// local pty/console, the transport an interactively attached debugger
// uses.
type ConsoleTransport struct {
	con    console.Console
	reader *bufio.Reader
	w      io.Writer
}

// NewConsoleTransport wraps an already-acquired console.Console (the
// caller typically passes console.Current()).
func NewConsoleTransport(con console.Console) *ConsoleTransport {
	return &ConsoleTransport{con: con}
}

func (t *ConsoleTransport) Start() error {
	if err := t.con.SetRaw(); err != nil {
		return errors.Wrap(err, "userboundary: setting console raw mode")
	}
	t.reader = bufio.NewReader(t.con)
	t.w = t.con
	return nil
}

func (t *ConsoleTransport) Stop() error {
	return t.con.Reset()
}

func (t *ConsoleTransport) GetChar() (byte, error) {
	if t.reader == nil {
		return 0, errors.Wrap(vmkerrors.ErrNotReady, "userboundary: console transport not started")
	}
	return t.reader.ReadByte()
}

func (t *ConsoleTransport) PutChar(b byte) error {
	if t.w == nil {
		return errors.Wrap(vmkerrors.ErrNotReady, "userboundary: console transport not started")
	}
	_, err := t.w.Write([]byte{b})
	return err
}

func (t *ConsoleTransport) PollChar() (bool, error) {
	return t.reader != nil && t.reader.Buffered() > 0, nil
}

func (t *ConsoleTransport) Flush() error { return nil }

func (t *ConsoleTransport) Cleanup() error { return t.Stop() }

func (t *ConsoleTransport) ListeningOn() string { return "console" }
