// Package identity holds the principal representation used by all medchain
// engines. A principal is an Ed25519 public key; proofs attached to
// submissions and decryption results are Schnorr signatures by that key.
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain"
)

// ID is the marshalled Ed25519 point of a principal. It is the form stored
// in the database and passed through every engine API.
type ID []byte

// Equal returns true if both IDs represent the same principal.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// IsNull returns true for a zero-length ID.
func (id ID) IsNull() bool {
	return len(id) == 0
}

// String returns the string representation of the identity.
func (id ID) String() string {
	if id.IsNull() {
		return "ed25519:-"
	}
	return fmt.Sprintf("ed25519:%s", hex.EncodeToString(id))
}

// Point unmarshals the identity back into a kyber point.
func (id ID) Point() (kyber.Point, error) {
	p := medchain.Suite.Point()
	if err := p.UnmarshalBinary(id); err != nil {
		return nil, xerrors.Errorf("unmarshalling identity point: %v", err)
	}
	return p, nil
}

// Verify returns nil if sig is a valid Schnorr signature on msg by this
// identity.
func (id ID) Verify(msg, sig []byte) error {
	p, err := id.Point()
	if err != nil {
		return err
	}
	if err := schnorr.Verify(medchain.Suite, p, msg, sig); err != nil {
		return xerrors.Errorf("verifying signature: %v", err)
	}
	return nil
}

// ParseID decodes the "ed25519:hex" string form.
func ParseID(s string) (ID, error) {
	const prefix = "ed25519:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return nil, xerrors.New("identity must have the form ed25519:hex")
	}
	buf, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, xerrors.Errorf("decoding identity: %v", err)
	}
	return ID(buf), nil
}

// Signer is a keypair that can produce proofs accepted by the engines.
type Signer struct {
	Point  kyber.Point
	Secret kyber.Scalar
}

// NewSigner creates a signer with a fresh keypair.
func NewSigner() *Signer {
	kp := key.NewKeyPair(medchain.Suite)
	return &Signer{Point: kp.Public, Secret: kp.Private}
}

// Identity returns the marshalled public key of the signer.
func (s *Signer) Identity() ID {
	buf, err := s.Point.MarshalBinary()
	if err != nil {
		// An Ed25519 point always marshals.
		panic("marshalling public key: " + err.Error())
	}
	return ID(buf)
}

// Sign creates a Schnorr signature on the message.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return schnorr.Sign(medchain.Suite, s.Secret, msg)
}
