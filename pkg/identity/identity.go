// Package identity implements event signing for federation. Signatures are
// compact recoverable ECDSA over secp256k1, so the signer's public identity
// can be recovered from signature plus message and no prior key exchange is
// needed between instances.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"commune/pkg/types"
)

// ErrNoSigningKey is returned when signing is requested but no private key
// has been configured. Receiving and verifying do not require a key.
var ErrNoSigningKey = errors.New("no signing key configured")

// Signer holds this instance's private signing key.
type Signer struct {
	priv *secp256k1.PrivateKey
}

// GenerateKey creates a Signer with a fresh random key.
func GenerateKey() (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// FromHex loads a Signer from a hex-encoded 32-byte private key.
func FromHex(keyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key encoding: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid signing key length: got %d bytes, want 32", len(raw))
	}
	return &Signer{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// KeyHex returns the hex-encoded private key.
func (s *Signer) KeyHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// Identity returns the public identity derived from the signing key: the
// hex-encoded compressed public key.
func (s *Signer) Identity() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// SigningPayload builds the canonical byte sequence a signature covers:
// type, origin, timestamp and the canonical form of the content object,
// joined in that exact order. Verifiers must reproduce it byte for byte.
func SigningPayload(ev *types.FederationEvent) ([]byte, error) {
	obj, err := canonicalObject(ev.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize object: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(string(ev.Type))
	buf.WriteByte('|')
	buf.WriteString(ev.Origin)
	buf.WriteByte('|')
	buf.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteByte('|')
	buf.Write(obj)
	return buf.Bytes(), nil
}

// canonicalObject re-encodes raw JSON so the result is independent of the
// sender's whitespace and key order (encoding/json sorts map keys).
func canonicalObject(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Sign computes the signature over the event's canonical payload and returns
// it hex-encoded. A Signer without a key returns ErrNoSigningKey.
func (s *Signer) Sign(ev *types.FederationEvent) (string, error) {
	if s == nil || s.priv == nil {
		return "", ErrNoSigningKey
	}
	payload, err := SigningPayload(ev)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	sig := ecdsa.SignCompact(s.priv, digest[:], true)
	return hex.EncodeToString(sig), nil
}

// Verify recovers the signer identity from the event's signature. It returns
// the empty string, never an error, when the signature is missing, malformed
// or does not match the canonical payload, so callers can reject gracefully.
func Verify(ev *types.FederationEvent) string {
	if ev == nil || ev.Signature == "" {
		return ""
	}
	sig, err := hex.DecodeString(ev.Signature)
	if err != nil {
		return ""
	}
	payload, err := SigningPayload(ev)
	if err != nil {
		return ""
	}
	digest := sha256.Sum256(payload)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return ""
	}
	return hex.EncodeToString(pub.SerializeCompressed())
}
