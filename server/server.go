// Package server implements the connection lifecycle: listening,
// accepting and dialing peers, the live peer set, broadcast/directed send,
// and the shutdown sequence. It keeps a mutex-protected peer set, a
// logrus.Entry threaded through every log line, and a running flag paired
// with a WaitGroup join on Stop.
package server

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
	"github.com/ledgermesh/p2pnode/identity"
	"github.com/ledgermesh/p2pnode/peer"
	"github.com/ledgermesh/p2pnode/registry"
	"github.com/ledgermesh/p2pnode/unl"
)

const (
	// acceptTimeout bounds each Accept() call so the accept loop can
	// observe the running flag even with no inbound traffic.
	acceptTimeout = 10 * time.Second
	// dialTimeout bounds outbound connect and both handshake reads.
	dialTimeout = 10 * time.Second
	// acceptLoopIdle is slept between accept-loop iterations to avoid a
	// busy spin on frequent timeouts.
	acceptLoopIdle = 10 * time.Millisecond
	// handshakeReadLimit bounds the raw id exchange; ids are short PEM
	// blocks and never approach this size.
	handshakeReadLimit = 4096
	// shutdownGrace is paused between signalling sessions to stop and
	// joining their reader goroutines, giving in-flight writes a chance
	// to flush.
	shutdownGrace = 1 * time.Second
)

// Network is the outbound half of *Server as an interface: broadcast to
// every live session but an optional exclusion, or send to one session.
// The announce and bulk packages declare their own copies of these methods
// (announce.Network, bulk.Sender) so they need not import server.
type Network interface {
	Broadcast(e envelope.Envelope, except *peer.Session) envelope.Envelope
	SendTo(s *peer.Session, e envelope.Envelope, alreadySigned bool) error
}

type liveKey struct {
	host string
	port uint16
}

// Server owns the listening socket, the live peer set, and every
// connection-lifecycle operation.
type Server struct {
	identity *identity.Identity
	authority unl.Authority
	reg      *registry.Registry
	log      *logrus.Entry

	host string
	port uint16

	mu      sync.Mutex
	running bool
	peers   map[liveKey]*peer.Session
	ln      *net.TCPListener

	dispatcher peer.Dispatcher

	wg sync.WaitGroup
}

// New builds a Server. SetDispatcher must be called before Listen so
// inbound sessions have somewhere to route envelopes.
func New(id *identity.Identity, authority unl.Authority, reg *registry.Registry, host string, port uint16, log *logrus.Entry) *Server {
	return &Server{
		identity:  id,
		authority: authority,
		reg:       reg,
		host:      host,
		port:      port,
		peers:     make(map[liveKey]*peer.Session),
		log:       log.WithField("component", "server"),
	}
}

// SetDispatcher wires the router that every session hands inbound
// envelopes to. It must be called once, before Listen.
func (s *Server) SetDispatcher(d peer.Dispatcher) {
	s.dispatcher = d
}

// Listen binds the configured host:port with address reuse and starts the
// accept loop in a background goroutine.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(int(s.port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "server: listen %s", addr)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("server: listener is not a TCP listener")
	}

	s.mu.Lock()
	s.ln = tcpLn
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for s.isRunning() {
		s.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(acceptLoopIdle)
				continue
			}
			if !s.isRunning() {
				return
			}
			s.log.WithError(err).Warn("server: accept error")
			time.Sleep(acceptLoopIdle)
			continue
		}
		s.handleInbound(conn)
		time.Sleep(acceptLoopIdle)
	}
}

// handleInbound performs the inbound handshake: reject duplicate
// (host,port), send our id, read theirs, admit only UNL members, and
// persist the registry entry on success.
func (s *Server) handleInbound(conn net.Conn) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Close()
		return
	}
	port := uint16(portNum)
	key := liveKey{host: host, port: port}

	s.mu.Lock()
	_, connected := s.peers[key]
	s.mu.Unlock()
	if connected {
		s.log.WithField("addr", conn.RemoteAddr()).Info("server: already connected, closing")
		conn.Close()
		return
	}

	if _, err := conn.Write(s.identity.IDBytes()); err != nil {
		s.log.WithError(err).Info("server: failed to send id to inbound peer")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	peerID, err := readHandshakeID(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.log.WithError(err).Info("server: handshake read failed")
		conn.Close()
		return
	}
	if !s.authority.IsUNL(peerID) {
		s.log.WithField("addr", conn.RemoteAddr()).Info("server: rejecting non-unl peer")
		conn.Close()
		return
	}

	sess := s.newSession(conn, host, port, peerID)
	s.addSession(key, sess)

	if s.reg != nil {
		if err := s.reg.Save(registry.Entry{ID: peerID, Host: host, Port: port}); err != nil {
			s.log.WithError(err).Warn("server: failed to persist registry entry")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run()
	}()
}

// Connect dials host:port, performs the outbound handshake and, if the
// peer is a UNL member, admits it. It deliberately does not persist a
// registry entry: only the accept path does, preserving the asymmetry
// between dialing out and being dialed.
func (s *Server) Connect(host string, port uint16) error {
	key := liveKey{host: host, port: port}
	s.mu.Lock()
	_, connected := s.peers[key]
	s.mu.Unlock()
	if connected {
		return errs.ErrAlreadyConnected
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "server: dial %s", addr)
	}

	if _, err := conn.Write(s.identity.IDBytes()); err != nil {
		conn.Close()
		return errors.Wrap(err, "server: send id")
	}
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	peerID, err := readHandshakeID(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return errs.ErrIOTimeout
		}
		return err
	}
	if !s.authority.IsUNL(peerID) {
		conn.Close()
		return errs.ErrNotUNL
	}

	sess := s.newSession(conn, host, port, peerID)
	s.addSession(key, sess)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run()
	}()
	return nil
}

func (s *Server) newSession(conn net.Conn, host string, port uint16, id string) *peer.Session {
	key := liveKey{host: host, port: port}
	return peer.New(conn, host, port, id, s.dispatcher, func(closed *peer.Session) {
		s.removeSession(key, closed)
	}, s.log)
}

func (s *Server) addSession(key liveKey, sess *peer.Session) {
	s.mu.Lock()
	s.peers[key] = sess
	s.mu.Unlock()
}

// removeSession deletes sess from the live set iff it is still the
// session registered under key, making removal idempotent and safe to
// call from both Stop() and a session's own read-loop teardown.
func (s *Server) removeSession(key liveKey, sess *peer.Session) {
	s.mu.Lock()
	if cur, ok := s.peers[key]; ok && cur == sess {
		delete(s.peers, key)
	}
	s.mu.Unlock()
}

// snapshotPeers returns the current live sessions under lock, safe to
// range over without holding the lock for the duration of I/O.
func (s *Server) snapshotPeers() []*peer.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Session, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast signs e once and writes it to every live session except the
// optional excluded one. A write failure on one peer does not abort
// delivery to the rest. It returns the signed envelope.
func (s *Server) Broadcast(e envelope.Envelope, except *peer.Session) envelope.Envelope {
	signed, err := s.identity.Sign(e)
	if err != nil {
		s.log.WithError(err).Error("server: failed to sign outbound broadcast")
		return e
	}
	for _, p := range s.snapshotPeers() {
		if p == except {
			continue
		}
		if err := p.Send(signed); err != nil {
			s.log.WithError(err).WithField("peer", p.Addr()).Warn("server: broadcast write failed")
		}
	}
	return signed
}

// SendTo writes e to a single session, signing it first unless the caller
// indicates it is already signed.
func (s *Server) SendTo(sess *peer.Session, e envelope.Envelope, alreadySigned bool) error {
	out := e
	if !alreadySigned {
		signed, err := s.identity.Sign(e)
		if err != nil {
			return errors.Wrap(err, "server: sign directed message")
		}
		out = signed
	}
	return sess.Send(out)
}

// ReconnectAll dials every entry in the peer registry. It is the startup
// routine that restores previously known connections after a restart.
func (s *Server) ReconnectAll() {
	if s.reg == nil {
		return
	}
	entries, err := s.reg.LoadAll()
	if err != nil {
		s.log.WithError(err).Warn("server: failed to load peer registry")
		return
	}
	for _, e := range entries {
		if err := s.Connect(e.Host, e.Port); err != nil {
			s.log.WithError(err).WithField("peer", e.ID).Info("server: reconnect failed")
		}
	}
}

// Stop sets running=false, self-connects once to unblock a pending
// Accept, stops every session, waits a grace period for in-flight I/O,
// joins every goroutine, then closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	host, port := s.host, s.port
	s.mu.Unlock()

	if conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), time.Second); err == nil {
		conn.Close()
	}

	for _, p := range s.snapshotPeers() {
		p.Stop()
	}

	time.Sleep(shutdownGrace)
	s.wg.Wait()

	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()
}

// PeerCount returns the number of live sessions.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func readHandshakeID(conn net.Conn) (string, error) {
	buf := make([]byte, handshakeReadLimit)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
