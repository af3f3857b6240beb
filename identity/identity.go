// Package identity loads a node's stable public/private keypair and
// performs the ECDSA signing and verification that every envelope on the
// wire is subject to.
//
// Keys are secp256k1, using go-ethereum's crypto package for key
// generation, signing and verification. The public key is rendered as PEM
// so it can travel as the envelope's "id" field and as the raw handshake
// payload.
package identity

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/ledgermesh/p2pnode/envelope"
	"github.com/ledgermesh/p2pnode/errs"
)

// pemBlockType is the PEM block type used to wrap the raw secp256k1 public
// key bytes. It is not an X.509 structure; the envelope only needs a
// stable, self-delimiting text rendering of the key, not interoperability
// with other PKI tooling.
const pemBlockType = "NODE PUBLIC KEY"

// Identity is a node's stable cryptographic identity: a public key (PEM
// form) and the private key used to sign outgoing envelopes. It is
// immutable after construction and safe for concurrent use.
type Identity struct {
	id     string
	signer *ecdsa.PrivateKey
}

// New builds an Identity around an existing private key.
func New(signer *ecdsa.PrivateKey) *Identity {
	pub := PublicKeyToPEM(&signer.PublicKey)
	return &Identity{id: pub, signer: signer}
}

// Generate creates a fresh random identity. Intended for tests and
// single-shot tooling; production nodes load a persisted key via an
// external wallet/key-loading component.
func Generate() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "identity: generate key")
	}
	return New(key), nil
}

// ID returns the node's public key in PEM form.
func (i *Identity) ID() string {
	return i.id
}

// IDBytes returns the raw UTF-8 bytes of the PEM id, as sent unframed
// during the handshake.
func (i *Identity) IDBytes() []byte {
	return []byte(i.id)
}

// PublicKeyToPEM renders a secp256k1 public key as a PEM block.
func PublicKeyToPEM(pub *ecdsa.PublicKey) string {
	block := &pem.Block{
		Type:  pemBlockType,
		Bytes: crypto.FromECDSAPub(pub),
	}
	return string(pem.EncodeToMemory(block))
}

// PublicKeyFromPEM parses a PEM-encoded public key back into its
// secp256k1 form.
func PublicKeyFromPEM(s string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(s)))
	if block == nil {
		return nil, errors.New("identity: not a valid PEM block")
	}
	pub, err := crypto.UnmarshalPubkey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "identity: unmarshal public key")
	}
	return pub, nil
}

// Sign stamps e's "id" field with this identity and computes a signature
// over the canonical form of e with the signature key absent, then stamps
// the base64-encoded signature onto e. It mutates and returns the same
// envelope.
func (i *Identity) Sign(e envelope.Envelope) (envelope.Envelope, error) {
	e[envelope.KeyID] = i.id
	digest, err := canonicalDigest(e.WithoutSignature())
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, i.signer)
	if err != nil {
		return nil, errors.Wrap(err, "identity: sign")
	}
	e[envelope.KeySignature] = base64.StdEncoding.EncodeToString(sig)
	return e, nil
}

// Verify recomputes the canonical form of e (signature key absent) and
// checks the base64 ECDSA signature against the public key carried in e's
// own "id" field. Any failure — missing fields, bad base64, a key that
// doesn't parse, or a signature mismatch — is reported uniformly as
// errs.ErrInvalidSignature so callers drop the message without needing to
// distinguish the cause.
func Verify(e envelope.Envelope) error {
	sigB64 := e.Signature()
	idStr := e.ID()
	if sigB64 == "" || idStr == "" {
		return errs.ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != crypto.SignatureLength {
		return errs.ErrInvalidSignature
	}
	pub, err := PublicKeyFromPEM(idStr)
	if err != nil {
		return errs.ErrInvalidSignature
	}
	digest, err := canonicalDigest(e.WithoutSignature())
	if err != nil {
		return errs.ErrInvalidSignature
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest, sig[:crypto.SignatureLength-1]) {
		return errs.ErrInvalidSignature
	}
	return nil
}

// canonicalDigest hashes the canonical encoding of e with Keccak256, the
// same digest go-ethereum's crypto.Sign/VerifySignature expect.
func canonicalDigest(e envelope.Envelope) ([]byte, error) {
	canonical, err := envelope.Canonicalize(e)
	if err != nil {
		return nil, errors.Wrap(err, "identity: canonicalize")
	}
	return crypto.Keccak256(canonical), nil
}
