// Package envelope defines the wire message exchanged between peers and
// the newline-delimited JSON framing used to send and receive it. Messages
// are delimited explicitly so peers agree on where one envelope ends and
// the next begins regardless of how the kernel chooses to coalesce or
// split TCP segments.
package envelope

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/ledgermesh/p2pnode/errs"
)

// Reserved envelope keys.
const (
	KeyAction    = "action"
	KeyID        = "id"
	KeySignature = "signature"
)

// Envelope is the JSON object exchanged between peers. It is a plain map
// because the set of action-specific fields is open-ended and dispatch
// happens purely on the "action" key.
type Envelope map[string]any

// Action returns the envelope's action discriminator, or "" if absent or
// not a string.
func (e Envelope) Action() string {
	s, _ := e[KeyAction].(string)
	return s
}

// ID returns the envelope's sender id (PEM public key), or "" if absent.
func (e Envelope) ID() string {
	s, _ := e[KeyID].(string)
	return s
}

// Signature returns the envelope's base64 signature, or "" if absent.
func (e Envelope) Signature() string {
	s, _ := e[KeySignature].(string)
	return s
}

// Clone returns a shallow copy of e. Values are not deep-copied; callers
// that mutate nested slices/maps after cloning must take care.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// WithoutSignature returns a clone of e with the signature key removed.
// This is the scope that gets signed and verified.
func (e Envelope) WithoutSignature() Envelope {
	out := e.Clone()
	delete(out, KeySignature)
	return out
}

// Canonicalize produces the deterministic byte form of e used for signing
// and verification. encoding/json sorts map keys alphabetically and emits
// compact output by default, which is frozen here as the one canonical
// form; Sign and Verify must both call this function and no other.
func Canonicalize(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Reader reads newline-framed JSON envelopes off a stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r with a generous max-token-size scanner; bulk transfer
// chunks are base64 of at most 1024 raw bytes plus JSON overhead, so the
// default buffer is sized well above that.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	buf := make([]byte, 0, 8*1024)
	s.Buffer(buf, 1<<20)
	return &Reader{scanner: s}
}

// ReadEnvelope reads the next newline-delimited JSON object and decodes
// it into an Envelope. It returns io.EOF when the stream ends cleanly.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := r.scanner.Bytes()
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, errs.ErrMalformedEnvelope
	}
	if _, ok := e[KeyAction]; !ok {
		return nil, errs.ErrMalformedEnvelope
	}
	if _, ok := e[KeySignature]; !ok {
		return nil, errs.ErrMalformedEnvelope
	}
	return e, nil
}

// WriteEnvelope encodes e as compact JSON followed by a newline and writes
// it to w in a single Write call, so that concurrent writers to the same
// connection cannot interleave partial frames.
func WriteEnvelope(w io.Writer, e Envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
