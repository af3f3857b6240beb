// Package router validates inbound envelopes and dispatches them to a
// per-action handler keyed on the envelope's action discriminator.
package router

import (
	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
	"github.com/ledgermesh/p2pnode/identity"
	"github.com/ledgermesh/p2pnode/peer"
)

// HandlerFunc processes one verified inbound envelope from the given
// session.
type HandlerFunc func(sess *peer.Session, e envelope.Envelope)

// Router validates every inbound envelope through identity.Verify, then
// dispatches on the envelope's action field to exactly one registered
// handler. Unknown actions are dropped silently.
type Router struct {
	handlers map[string]HandlerFunc
	log      *logrus.Entry
}

// New returns an empty Router; use Register to wire up actions.
func New(log *logrus.Entry) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      log.WithField("component", "router"),
	}
}

// Register installs the handler for action. Registering the same action
// twice replaces the previous handler.
func (r *Router) Register(action string, h HandlerFunc) {
	r.handlers[action] = h
}

// Handlers returns the set of currently registered actions, keyed by
// action name. Intended for introspection and tests; callers must not
// rely on iteration order.
func (r *Router) Handlers() map[string]HandlerFunc {
	out := make(map[string]HandlerFunc, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Handle implements peer.Dispatcher. It verifies e's signature; on
// failure the envelope is dropped and logged, and the session is kept
// open. On success it dispatches to the registered handler for e's
// action, if any.
func (r *Router) Handle(sess *peer.Session, e envelope.Envelope) {
	if err := identity.Verify(e); err != nil {
		r.log.WithError(err).WithField("peer", sess.Addr()).Info("router: dropping unverifiable envelope")
		return
	}
	action := e.Action()
	h, ok := r.handlers[action]
	if !ok {
		r.log.WithError(errs.ErrUnknownAction).WithField("action", action).Debug("router: unknown action, dropping")
		return
	}
	h(sess, e)
}
