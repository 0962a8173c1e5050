package userboundary

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel-project/vmkernel/internal/vmkerrors"
)

func TestHandshakeAcceptsMatchingMajorVersion(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("1.3.0\n"))
	require.NoError(t, Handshake(r))
}

func TestHandshakeRejectsMismatchedMajorVersion(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("2.0.0\n"))
	err := Handshake(r)
	require.Error(t, err)
	require.True(t, vmkerrors.Is(err, vmkerrors.ErrVersionMismatch))
}

func TestHandshakeRejectsMalformedHello(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not-a-version\n"))
	err := Handshake(r)
	require.Error(t, err)
	require.True(t, vmkerrors.Is(err, vmkerrors.ErrBadParam))
}

func TestVsockTransportListeningOnBeforeStart(t *testing.T) {
	tr := NewVsockTransport(3, 1026)
	require.Equal(t, "vsock:3:1026", tr.ListeningOn())
}

func TestVsockTransportGetCharFailsBeforeStart(t *testing.T) {
	tr := NewVsockTransport(3, 1026)
	_, err := tr.GetChar()
	require.Error(t, err)
	require.True(t, vmkerrors.Is(err, vmkerrors.ErrNotReady))
}
