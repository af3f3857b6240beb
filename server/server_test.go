package server

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
	"github.com/ledgermesh/p2pnode/identity"
	"github.com/ledgermesh/p2pnode/peer"
	"github.com/ledgermesh/p2pnode/registry"
	"github.com/ledgermesh/p2pnode/unl"
)

type recordingDispatcher struct {
	received chan envelope.Envelope
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{received: make(chan envelope.Envelope, 8)}
}

func (d *recordingDispatcher) Handle(s *peer.Session, e envelope.Envelope) {
	d.received <- e
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

func newTestServer(t *testing.T, authority unl.Authority) (*Server, *identity.Identity, uint16) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	port := freePort(t)
	reg := registry.New(t.TempDir())
	srv := New(id, authority, reg, "127.0.0.1", port, testLog())
	srv.SetDispatcher(newRecordingDispatcher())
	require.NoError(t, srv.Listen())
	t.Cleanup(srv.Stop)
	return srv, id, port
}

func TestConnectRejectsNonUNLPeer(t *testing.T) {
	// other's own authority is irrelevant here; what matters is that srv's
	// authority does not include other's id, so srv's own Connect check
	// rejects the peer it just handshook with.
	_, otherID, otherPort := newTestServer(t, unl.NewStaticList())

	srvID, err := identity.Generate()
	require.NoError(t, err)
	srv := New(srvID, unl.NewStaticList(), registry.New(t.TempDir()), "127.0.0.1", freePort(t), testLog())
	srv.SetDispatcher(newRecordingDispatcher())
	require.NoError(t, srv.Listen())
	defer srv.Stop()

	err = srv.Connect("127.0.0.1", otherPort)
	assert.ErrorIs(t, err, errs.ErrNotUNL)
	assert.Equal(t, 0, srv.PeerCount())
	_ = otherID
}

func TestConnectAdmitsUNLPeerAndDuplicateRejected(t *testing.T) {
	srvAID, err := identity.Generate()
	require.NoError(t, err)
	srvBID, err := identity.Generate()
	require.NoError(t, err)

	unlBoth := unl.NewStaticList(srvAID.ID(), srvBID.ID())

	portB := freePort(t)
	srvB := New(srvBID, unlBoth, registry.New(t.TempDir()), "127.0.0.1", portB, testLog())
	srvB.SetDispatcher(newRecordingDispatcher())
	require.NoError(t, srvB.Listen())
	defer srvB.Stop()

	srvA := New(srvAID, unlBoth, registry.New(t.TempDir()), "127.0.0.1", freePort(t), testLog())
	srvA.SetDispatcher(newRecordingDispatcher())
	require.NoError(t, srvA.Listen())
	defer srvA.Stop()

	require.NoError(t, srvA.Connect("127.0.0.1", portB))
	assert.Eventually(t, func() bool { return srvA.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return srvB.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	err = srvA.Connect("127.0.0.1", portB)
	assert.ErrorIs(t, err, errs.ErrAlreadyConnected)
}

func TestBroadcastSignsOnceAndDeliversVerifiably(t *testing.T) {
	srvAID, err := identity.Generate()
	require.NoError(t, err)
	srvBID, err := identity.Generate()
	require.NoError(t, err)
	unlBoth := unl.NewStaticList(srvAID.ID(), srvBID.ID())

	dispB := newRecordingDispatcher()
	portB := freePort(t)
	srvB := New(srvBID, unlBoth, registry.New(t.TempDir()), "127.0.0.1", portB, testLog())
	srvB.SetDispatcher(dispB)
	require.NoError(t, srvB.Listen())
	defer srvB.Stop()

	srvA := New(srvAID, unlBoth, registry.New(t.TempDir()), "127.0.0.1", freePort(t), testLog())
	srvA.SetDispatcher(newRecordingDispatcher())
	require.NoError(t, srvA.Listen())
	defer srvA.Stop()

	require.NoError(t, srvA.Connect("127.0.0.1", portB))
	assert.Eventually(t, func() bool { return srvA.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	signed := srvA.Broadcast(envelope.Envelope{envelope.KeyAction: "sendmefullblock"}, nil)
	assert.NotEmpty(t, signed.Signature())
	assert.Equal(t, srvAID.ID(), signed.ID())

	select {
	case got := <-dispB.received:
		assert.Equal(t, "sendmefullblock", got.Action())
		assert.Equal(t, signed.Signature(), got.Signature())
		assert.NoError(t, identity.Verify(got))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast was not delivered")
	}
}

func TestStopClosesListenerAndIsIdempotent(t *testing.T) {
	srv, _, port := newTestServer(t, unl.NewStaticList())
	srv.Stop()
	srv.Stop()

	_, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 200*time.Millisecond)
	assert.Error(t, err)
}
