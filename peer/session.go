// Package peer implements PeerSession: the per-connection state and
// receive loop that the server owns for every live peer.
package peer

import (
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/envelope"
)

// Dispatcher is the non-owning handle a Session uses to hand inbound
// envelopes off for processing. Sessions never hold a concrete
// *server.Server back-reference, avoiding a cyclic ownership between the
// two; they only know how to call Handle.
type Dispatcher interface {
	Handle(s *Session, e envelope.Envelope)
}

// Session owns one connected remote peer: its socket, its receive loop,
// and the per-round candidate-block/candidate-block-hash state the
// consensus engine reads off of it.
type Session struct {
	conn net.Conn
	Host string
	Port uint16
	ID   string

	dispatcher Dispatcher
	onClose    func(*Session)
	closeOnce  sync.Once
	done       chan struct{}

	writeMu sync.Mutex

	stateMu            sync.Mutex
	candidateBlock     envelope.Envelope
	candidateBlockHash envelope.Envelope

	log *logrus.Entry
}

// New creates a Session around an already-handshaken connection. It does
// not start the receive loop; call Run for that (typically in its own
// goroutine).
func New(conn net.Conn, host string, port uint16, id string, dispatcher Dispatcher, onClose func(*Session), log *logrus.Entry) *Session {
	return &Session{
		conn:       conn,
		Host:       host,
		Port:       port,
		ID:         id,
		dispatcher: dispatcher,
		onClose:    onClose,
		done:       make(chan struct{}),
		log:        log.WithFields(logrus.Fields{"peer_host": host, "peer_port": port}),
	}
}

// Addr renders host:port for logging and live-set keys.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// Run reads newline-framed envelopes until the socket errors, hits EOF, or
// Stop is called, handing each decoded envelope to the dispatcher. On
// exit it removes itself via onClose, idempotently, and closes the
// socket.
func (s *Session) Run() {
	defer s.close()
	r := envelope.NewReader(s.conn)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		e, err := r.ReadEnvelope()
		if err != nil {
			s.log.WithError(err).Info("session: read loop ended")
			return
		}
		s.dispatcher.Handle(s, e)
	}
}

// Send writes e as a newline-framed JSON envelope. Concurrent callers
// (broadcast, bulk transfer, direct replies) are serialized behind
// writeMu so a single socket write never interleaves two envelopes.
func (s *Session) Send(e envelope.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return envelope.WriteEnvelope(s.conn, e)
}

// Stop requests the receive loop to exit and closes the socket to unblock
// a blocking Read. It is safe to call multiple times.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// close runs on read-loop exit: it closes the socket (via Stop, so a
// concurrent explicit Stop() is a no-op) and removes the session from
// whatever live set owns it. onClose itself must be idempotent against
// being called from both a local Stop() and a remote-initiated read
// error racing each other; server.Server's removal satisfies this by
// deleting from a map, which is a no-op on a missing key.
func (s *Session) close() {
	s.Stop()
	if s.onClose != nil {
		s.onClose(s)
	}
}

// SetCandidateBlock records the latest candidate block advertised by this
// peer for the current round.
func (s *Session) SetCandidateBlock(e envelope.Envelope) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.candidateBlock = e
}

// CandidateBlock returns the last candidate block recorded for this peer.
func (s *Session) CandidateBlock() envelope.Envelope {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.candidateBlock
}

// SetCandidateBlockHash records the latest candidate block hash
// advertised by this peer for the current round.
func (s *Session) SetCandidateBlockHash(e envelope.Envelope) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.candidateBlockHash = e
}

// CandidateBlockHash returns the last candidate block hash recorded for
// this peer.
func (s *Session) CandidateBlockHash() envelope.Envelope {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.candidateBlockHash
}
