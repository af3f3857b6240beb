// Package bulk implements the chunked send/receive of the four artifact
// streams (block, accounts, blockshash, blockshash-part), including the
// single-writer ingest gate and the termination sentinel.
package bulk

import (
	"encoding/base64"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ledgermesh/p2pnode/consensus"
	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
	"github.com/ledgermesh/p2pnode/peer"
	"github.com/ledgermesh/p2pnode/statestore"
)

// StreamKind identifies one of the four artifact streams.
type StreamKind int

const (
	Block StreamKind = iota
	Accounts
	BlocksHash
	BlocksHashPart
)

// Action returns the envelope action string used on the wire for kind.
func (k StreamKind) Action() string {
	switch k {
	case Block:
		return "fullblock"
	case Accounts:
		return "fullaccounts"
	case BlocksHash:
		return "fullblockshash"
	case BlocksHashPart:
		return "fullblockshash_part"
	default:
		return ""
	}
}

// endMarker is the sentinel value of the "byte" field signalling the end
// of a stream.
const endMarker = "end"

// chunkSize is the maximum number of raw bytes per chunk.
const chunkSize = 1024

// StreamPaths is the pair of filesystem paths backing one artifact
// stream: loading is the append target for in-flight chunks, temp is the
// committed target that "end" atomically renames loading onto.
type StreamPaths struct {
	Loading string
	Temp    string
}

// Paths configures the filesystem location of all four artifact streams.
type Paths struct {
	Block          StreamPaths
	Accounts       StreamPaths
	BlocksHash     StreamPaths
	BlocksHashPart StreamPaths
}

func (p Paths) of(kind StreamKind) StreamPaths {
	switch kind {
	case Block:
		return p.Block
	case Accounts:
		return p.Accounts
	case BlocksHash:
		return p.BlocksHash
	case BlocksHashPart:
		return p.BlocksHashPart
	default:
		return StreamPaths{}
	}
}

var allKinds = []StreamKind{Block, Accounts, BlocksHash, BlocksHashPart}

// Engine sends and receives the four artifact streams. Each stream has
// its own lock enforcing the single-writer invariant: only one sender may
// append to a stream's loading file at a time.
type Engine struct {
	paths   Paths
	store   statestore.Store
	sched   consensus.Scheduler
	trigger func()
	log     *logrus.Entry

	mu           sync.Mutex
	streamMu     map[StreamKind]*sync.Mutex
	truncateNext map[StreamKind]bool
}

// NewEngine builds an Engine over the given stream paths, backed by store
// for the ingest-gate and BLOCK-completion side effects, and sched for
// arming the post-ingest consensus timer. trigger is the round-trigger
// callback the external consensus engine wants invoked periodically once
// armed; it may be nil, in which case the timer still arms but does
// nothing on fire.
func NewEngine(paths Paths, store statestore.Store, sched consensus.Scheduler, trigger func(), log *logrus.Entry) *Engine {
	e := &Engine{
		paths:        paths,
		store:        store,
		sched:        sched,
		trigger:      trigger,
		log:          log.WithField("component", "bulk"),
		streamMu:     make(map[StreamKind]*sync.Mutex),
		truncateNext: make(map[StreamKind]bool),
	}
	for _, k := range allKinds {
		e.streamMu[k] = &sync.Mutex{}
	}
	return e
}

// Paths returns the stream paths this engine was configured with, so
// callers can pass them straight to SendAll/SendStream without keeping a
// second copy around.
func (e *Engine) Paths() Paths {
	return e.paths
}

func (e *Engine) lockFor(kind StreamKind) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamMu[kind]
}

// SendAll streams all four artifacts, in the order block, accounts,
// blockshash, blockshash-part. If sess is nil, each chunk is broadcast to
// every live peer; otherwise it is sent directly to sess.
func SendAll(net Sender, sess *peer.Session, paths Paths) error {
	for _, k := range allKinds {
		if err := SendStream(net, sess, k, paths.of(k)); err != nil {
			return errors.Wrapf(err, "bulk: send %d", k)
		}
	}
	return nil
}

// Sender is the narrow outbound handle the bulk engine needs: broadcast
// to everyone but an optional exclusion, or send directly to one session.
type Sender interface {
	Broadcast(e envelope.Envelope, except *peer.Session) envelope.Envelope
	SendTo(s *peer.Session, e envelope.Envelope, alreadySigned bool) error
}

// SendStream reads sp.Temp in chunkSize chunks, base64-encoding each as
// the envelope's "byte" field, then emits one terminating envelope with
// byte == "end". Base64 keeps the chunk payload bit-exact across the
// newline-delimited JSON framing regardless of what byte values the
// underlying artifact file happens to contain.
func SendStream(net Sender, sess *peer.Session, kind StreamKind, sp StreamPaths) error {
	f, err := os.Open(sp.Temp)
	if err != nil {
		return errors.Wrapf(err, "bulk: open %s", sp.Temp)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := envelope.Envelope{
				envelope.KeyAction: kind.Action(),
				"byte":             base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if sendErr := send(net, sess, chunk); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "bulk: read %s", sp.Temp)
		}
	}

	endEnv := envelope.Envelope{
		envelope.KeyAction: kind.Action(),
		"byte":             endMarker,
	}
	return send(net, sess, endEnv)
}

func send(net Sender, sess *peer.Session, e envelope.Envelope) error {
	if sess == nil {
		net.Broadcast(e, nil)
		return nil
	}
	return net.SendTo(sess, e, false)
}

// Ingest processes one inbound chunk envelope for kind from senderID. It
// enforces the single-writer gate: ingestion is allowed only if the
// stream's temp file does not yet exist, or senderID is the store's
// current download source. Chunks failing the gate are dropped and
// reported as errs.ErrIngestGateClosed so a caller that wants to log the
// drop can check the returned error explicitly. An "end" that follows no
// accepted chunk commits an empty temp file.
func (e *Engine) Ingest(kind StreamKind, senderID string, payload envelope.Envelope) error {
	sp := e.paths.of(kind)
	lock := e.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	tempExists := fileExists(sp.Temp)
	if tempExists && senderID != e.store.CurrentBlock().DownloadSourceID {
		return errs.ErrIngestGateClosed
	}

	byteField, _ := payload["byte"].(string)
	if byteField == endMarker {
		if !fileExists(sp.Loading) {
			f, err := os.OpenFile(sp.Loading, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return errors.Wrapf(err, "bulk: open %s", sp.Loading)
			}
			f.Close()
		}
		if err := os.Rename(sp.Loading, sp.Temp); err != nil {
			return errors.Wrapf(err, "bulk: commit %s", sp.Temp)
		}
		e.mu.Lock()
		e.truncateNext[kind] = true
		e.mu.Unlock()

		if kind == Block {
			e.onBlockComplete()
		}
		return nil
	}

	chunk, err := base64.StdEncoding.DecodeString(byteField)
	if err != nil {
		return errs.ErrMalformedChunk
	}

	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	e.mu.Lock()
	if e.truncateNext[kind] {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
		e.truncateNext[kind] = false
	}
	e.mu.Unlock()

	f, err := os.OpenFile(sp.Loading, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "bulk: open %s", sp.Loading)
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		return errors.Wrapf(err, "bulk: append %s", sp.Loading)
	}
	return nil
}

// onBlockComplete runs the BLOCK-stream-only side effects of a completed
// commit: mark the block newly received, trigger fee adjustment, clear
// excluded validators, arm the consensus timer, and persist.
func (e *Engine) onBlockComplete() {
	block := e.store.CurrentBlock()
	block.Newly = true
	e.store.ChangeTransactionFee()
	block.ExcludeValidators = nil
	if e.sched != nil {
		trigger := e.trigger
		if trigger == nil {
			trigger = func() {}
		}
		e.sched.Arm(time.Duration(block.ConsensusTimer)*time.Second, trigger)
	}
	e.store.SaveBlock(block)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
