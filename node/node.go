// Package node assembles Identity, UNL authority, registry, Server,
// Router, bulk Engine, StateStore and ConsensusScheduler into one running
// participant, wiring them through an explicit, constructible Handle
// instead of a package-level singleton.
package node

import (
	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/announce"
	"github.com/ledgermesh/p2pnode/bulk"
	"github.com/ledgermesh/p2pnode/consensus"
	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/identity"
	"github.com/ledgermesh/p2pnode/peer"
	"github.com/ledgermesh/p2pnode/registry"
	"github.com/ledgermesh/p2pnode/router"
	"github.com/ledgermesh/p2pnode/server"
	"github.com/ledgermesh/p2pnode/statestore"
	"github.com/ledgermesh/p2pnode/unl"
)

// Config is every external dependency and setting a Handle needs at
// construction. Identity, Authority and Store have no useful zero value
// and must be supplied by the caller. RegistryDir and BulkPaths are used
// as given; New applies no defaults to them. A nil Log falls back to
// logrus's standard logger.
type Config struct {
	Identity    *identity.Identity
	Authority   unl.Authority
	Store       statestore.Store
	Scheduler   consensus.Scheduler
	Host        string
	Port        uint16
	RegistryDir string
	BulkPaths   bulk.Paths
	Trigger     func()
	Log         *logrus.Entry
}

// Handle is one running node: its connection layer, its message router,
// and its bulk-transfer engine, wired together and ready to Start.
type Handle struct {
	Server *server.Server
	Router *router.Router
	Bulk   *bulk.Engine
	Store  statestore.Store

	reg *registry.Registry
	log *logrus.Entry
}

// New builds a Handle from cfg. It registers every inbound action the
// subsystem understands but does not open the listening socket; call Start
// for that.
func New(cfg Config) *Handle {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reg := registry.New(cfg.RegistryDir)
	srv := server.New(cfg.Identity, cfg.Authority, reg, cfg.Host, cfg.Port, log)
	rtr := router.New(log)
	engine := bulk.NewEngine(cfg.BulkPaths, cfg.Store, cfg.Scheduler, cfg.Trigger, log)

	h := &Handle{
		Server: srv,
		Router: rtr,
		Bulk:   engine,
		Store:  cfg.Store,
		reg:    reg,
		log:    log,
	}

	srv.SetDispatcher(rtr)
	h.registerHandlers()
	return h
}

// registerHandlers wires every action the protocol defines to its
// handler: the four bulk artifact streams (ingest, keyed off the
// envelope's own id field as the sender), the full-resend request, and
// the three consensus announcement actions.
func (h *Handle) registerHandlers() {
	h.Router.Register("sendmefullblock", h.handleSendMeFullBlock)

	h.Router.Register(bulk.Block.Action(), h.ingestHandler(bulk.Block))
	h.Router.Register(bulk.Accounts.Action(), h.ingestHandler(bulk.Accounts))
	h.Router.Register(bulk.BlocksHash.Action(), h.ingestHandler(bulk.BlocksHash))
	h.Router.Register(bulk.BlocksHashPart.Action(), h.ingestHandler(bulk.BlocksHashPart))

	h.Router.Register("myblock", announce.HandleCandidateBlock(h.Store, h.log))
	h.Router.Register("myblockhash", announce.HandleCandidateBlockHash(h.Store))
	h.Router.Register("transactionrequest", announce.HandleTransactionRequest(h.Server, h.Store))
}

// handleSendMeFullBlock answers a peer's request for the full artifact
// set by streaming all four of them directly back to the requester.
func (h *Handle) handleSendMeFullBlock(sess *peer.Session, e envelope.Envelope) {
	if err := bulk.SendAll(h.Server, sess, h.Bulk.Paths()); err != nil {
		h.log.WithError(err).WithField("peer", sess.Addr()).Warn("node: full send failed")
	}
}

// ingestHandler closes over kind and feeds every inbound chunk for it to
// the bulk engine, using the envelope's own id as the claimed sender for
// the single-writer gate.
func (h *Handle) ingestHandler(kind bulk.StreamKind) router.HandlerFunc {
	return func(sess *peer.Session, e envelope.Envelope) {
		if err := h.Bulk.Ingest(kind, e.ID(), e); err != nil {
			h.log.WithError(err).WithField("peer", sess.Addr()).Debug("node: bulk ingest dropped chunk")
		}
	}
}

// Start opens the listening socket, reconnects every peer in the
// registry, and arms the background accept loop. Callers that want to
// originate candidate blocks, candidate hashes or transactions do so
// directly through the announce package using h.Server and h.Store.
func (h *Handle) Start() error {
	if err := h.Server.Listen(); err != nil {
		return err
	}
	h.Server.ReconnectAll()
	return nil
}

// Stop gracefully shuts down the connection layer.
func (h *Handle) Stop() {
	h.Server.Stop()
}
