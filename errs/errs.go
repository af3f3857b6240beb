// Package errs defines the recoverable error kinds produced by the
// networking subsystem, so callers can classify a failure with errors.Is
// without parsing log strings. Plain socket read/write failures have no
// sentinel of their own: they surface as the underlying net error.
package errs

import "github.com/pkg/errors"

var (
	// ErrInvalidSignature means an envelope's signature did not verify
	// against the canonical form of its own fields.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNotUNL means a handshake peer id is not a member of the UNL.
	ErrNotUNL = errors.New("peer is not a unl member")

	// ErrAlreadyConnected means a live session already exists for a
	// (host, port) pair.
	ErrAlreadyConnected = errors.New("already connected to peer")

	// ErrIOTimeout covers accept/connect/handshake-read deadlines.
	ErrIOTimeout = errors.New("i/o timeout")

	// ErrMalformedEnvelope covers JSON parse failures and envelopes
	// missing a reserved field.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownAction means the envelope's action has no registered
	// handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrIngestGateClosed means a bulk chunk arrived from a sender that
	// is not the designated download source while a temp file exists.
	ErrIngestGateClosed = errors.New("ingest gate closed for sender")

	// ErrStaleSequenceNumber means a candidate block/hash referenced a
	// round other than the current one.
	ErrStaleSequenceNumber = errors.New("stale sequence number")

	// ErrMalformedChunk means a bulk-transfer envelope's "byte" field was
	// not valid base64.
	ErrMalformedChunk = errors.New("malformed bulk chunk")
)
