// Package announce builds and broadcasts the outbound voting artifacts
// (candidate block, candidate block hash) and relays pending transactions.
package announce

import (
	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
	"github.com/ledgermesh/p2pnode/peer"
	"github.com/ledgermesh/p2pnode/statestore"
)

// Network is the outbound handle announcers use. It holds only the
// Broadcast method of server.Network / bulk.Sender; kept as its own type
// here so this package does not import server and create a cycle.
type Network interface {
	Broadcast(e envelope.Envelope, except *peer.Session) envelope.Envelope
}

// SerializedTransaction is one validating-list transaction as carried in
// a "myblock" envelope's transaction field. Serialization of the
// underlying transaction type is owned by the external StateStore
// collaborator; this subsystem only carries the already-serialized form.
type SerializedTransaction = string

// CandidateBlock emits {"action":"myblock", "transaction":[...],
// "sequance_number":...} when the local block is in round 1 pre-commit
// (round1 && !round2). It is a no-op outside that window.
func CandidateBlock(net Network, store statestore.Store, txs []SerializedTransaction) {
	block := store.CurrentBlock()
	if !block.Round1 || block.Round2 {
		return
	}
	net.Broadcast(envelope.Envelope{
		envelope.KeyAction: "myblock",
		"transaction":      txs,
		"sequance_number":  block.SequenceNumber,
	}, nil)
}

// CandidateBlockHash emits {"action":"myblockhash", "hash":...,
// "sequance_number":...} under the same round1-pre-commit window as
// CandidateBlock.
func CandidateBlockHash(net Network, store statestore.Store) {
	block := store.CurrentBlock()
	if !block.Round1 || block.Round2 {
		return
	}
	net.Broadcast(envelope.Envelope{
		envelope.KeyAction: "myblockhash",
		"hash":             block.Hash,
		"sequance_number":  block.SequenceNumber,
	}, nil)
}

// HandleCandidateBlock is the router handler for the "myblock" action. It
// rejects (drops, with a log line) any candidate whose sequence number
// does not match the current round; otherwise it records the candidate on
// the sending session.
func HandleCandidateBlock(store statestore.Store, log *logrus.Entry) func(sess *peer.Session, e envelope.Envelope) {
	return func(sess *peer.Session, e envelope.Envelope) {
		seq, err := sequenceNumber(e)
		if err != nil || seq != store.CurrentBlock().SequenceNumber {
			log.WithError(errs.ErrStaleSequenceNumber).WithField("peer", sess.Addr()).Info("announce: dropping candidate block for wrong round")
			return
		}
		sess.SetCandidateBlock(e)
	}
}

// HandleCandidateBlockHash is the router handler for the "myblockhash"
// action. It applies the same round-equality rule as HandleCandidateBlock
// but drops silently on mismatch. On acceptance it stamps "sender" with
// the originating session's id before recording it.
func HandleCandidateBlockHash(store statestore.Store) func(sess *peer.Session, e envelope.Envelope) {
	return func(sess *peer.Session, e envelope.Envelope) {
		seq, err := sequenceNumber(e)
		if err != nil || seq != store.CurrentBlock().SequenceNumber {
			return
		}
		stamped := e.Clone()
		stamped["sender"] = sess.ID
		sess.SetCandidateBlockHash(stamped)
	}
}

// HandleTransactionRequest is the router handler for "transactionrequest".
// It reconstructs the transaction, applies it against the current block,
// and — only if the store accepts it — rebroadcasts to every peer except
// the sender and persists the block.
func HandleTransactionRequest(net Network, store statestore.Store) func(sess *peer.Session, e envelope.Envelope) {
	return func(sess *peer.Session, e envelope.Envelope) {
		tx, ok := parseTransaction(e)
		if !ok {
			return
		}
		block := store.CurrentBlock()
		if !store.ApplyTransaction(block, tx) {
			return
		}
		net.Broadcast(e.WithoutSignature(), sess)
		store.SaveBlock(block)
	}
}

func sequenceNumber(e envelope.Envelope) (int64, error) {
	switch v := e["sequance_number"].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, errs.ErrMalformedEnvelope
	}
}

func parseTransaction(e envelope.Envelope) (statestore.Transaction, bool) {
	seq, err := sequenceNumber(e)
	if err != nil {
		return statestore.Transaction{}, false
	}
	sig, _ := e["txsignature"].(string)
	from, _ := e["fromUser"].(string)
	to, _ := e["to_user"].(string)
	data, _ := e["data"].(string)
	amount, _ := e["amount"].(string)
	fee, _ := e["transaction_fee"].(string)
	var txTime int64
	switch v := e["transaction_time"].(type) {
	case int64:
		txTime = v
	case float64:
		txTime = int64(v)
	}
	return statestore.Transaction{
		SequenceNumber: seq,
		Signature:      sig,
		FromUser:       from,
		ToUser:         to,
		Data:           data,
		Amount:         amount,
		Fee:            fee,
		Time:           txTime,
	}, true
}

// RelayTransaction builds and broadcasts a transactionrequest envelope
// for tx, excluding except (typically the peer the local node first
// received the transaction from, or nil for a locally originated one).
func RelayTransaction(net Network, tx statestore.Transaction, except *peer.Session) {
	net.Broadcast(envelope.Envelope{
		envelope.KeyAction:  "transactionrequest",
		"sequance_number":   tx.SequenceNumber,
		"txsignature":       tx.Signature,
		"fromUser":          tx.FromUser,
		"to_user":           tx.ToUser,
		"data":              tx.Data,
		"amount":            tx.Amount,
		"transaction_fee":   tx.Fee,
		"transaction_time":  tx.Time,
	}, except)
}
