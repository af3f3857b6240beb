package router

import (
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/identity"
	"github.com/ledgermesh/p2pnode/peer"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testSession() *peer.Session {
	_, serverConn := net.Pipe()
	return peer.New(serverConn, "127.0.0.1", 1, "id", nil, nil, testLog())
}

func TestHandleDispatchesToRegisteredAction(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	signed, err := id.Sign(envelope.Envelope{envelope.KeyAction: "sendmefullblock"})
	require.NoError(t, err)

	r := New(testLog())
	var called bool
	r.Register("sendmefullblock", func(sess *peer.Session, e envelope.Envelope) {
		called = true
	})

	r.Handle(testSession(), signed)
	assert.True(t, called)
}

func TestHandleDropsUnknownAction(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	signed, err := id.Sign(envelope.Envelope{envelope.KeyAction: "nosuchaction"})
	require.NoError(t, err)

	r := New(testLog())
	var called bool
	r.Register("sendmefullblock", func(sess *peer.Session, e envelope.Envelope) {
		called = true
	})

	r.Handle(testSession(), signed)
	assert.False(t, called)
}

func TestHandleDropsInvalidSignature(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	signed, err := id.Sign(envelope.Envelope{envelope.KeyAction: "sendmefullblock"})
	require.NoError(t, err)
	signed["extra"] = "tampered"

	r := New(testLog())
	var called bool
	r.Register("sendmefullblock", func(sess *peer.Session, e envelope.Envelope) {
		called = true
	})

	r.Handle(testSession(), signed)
	assert.False(t, called)
}
