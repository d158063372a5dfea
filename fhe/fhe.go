// Package fhe defines the homomorphic-computation capability consumed by the
// medchain engines. The engines never decrypt: they combine ciphertexts with
// the primitives below and only ever expose plaintext through the explicit
// two-phase decryption protocol of the query engine.
//
// The package also ships TestEngine, a plaintext stand-in that tracks an
// access-control list per ciphertext, so the core logic is testable without
// real cryptography.
package fhe

import (
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/identity"
)

// Width is the bit width of an encrypted integer.
type Width int

// Supported widths. WBool is the width of comparison results.
const (
	WBool Width = 1
	W8    Width = 8
	W16   Width = 16
	W32   Width = 32
	W64   Width = 64
)

// Sentinel is the null marker of a width: the encryption layer has no null
// representation, so an absent field carries the maximum representable
// integer of its width.
func Sentinel(w Width) uint64 {
	return 1<<uint(w) - 1
}

// Ciphertext is an opaque handle on an encrypted scalar. Only the engine
// that issued it can interpret it.
type Ciphertext []byte

// IsNull returns true for the zero handle.
func (c Ciphertext) IsNull() bool {
	return len(c) == 0
}

// ErrNoAccess is returned when a principal asks for a plaintext it was
// never granted.
var ErrNoAccess = xerrors.New("no decrypt access on this ciphertext")

// ErrRequireFailed is returned by Require when the encrypted claim does not
// hold.
var ErrRequireFailed = xerrors.New("encrypted requirement not satisfied")

// Engine is the injected primitive set. All operations return a new
// ciphertext; none of them reveals plaintext. A principal can read a
// derived ciphertext only if it could read every encrypted operand it was
// derived from.
type Engine interface {
	// Const returns a trivial encryption of a public constant. Everybody
	// may read it.
	Const(w Width, v uint64) (Ciphertext, error)

	// Add returns a+b. Both operands must have the same width.
	Add(a, b Ciphertext) (Ciphertext, error)

	// Eq, Ge and Le return an encrypted boolean comparing a against b.
	Eq(a, b Ciphertext) (Ciphertext, error)
	Ge(a, b Ciphertext) (Ciphertext, error)
	Le(a, b Ciphertext) (Ciphertext, error)

	// And and Or combine encrypted booleans.
	And(a, b Ciphertext) (Ciphertext, error)
	Or(a, b Ciphertext) (Ciphertext, error)

	// Select returns a if cond holds, else b.
	Select(cond, a, b Ciphertext) (Ciphertext, error)

	// Require aborts with ErrRequireFailed unless the encrypted claim
	// holds. This is the only way the engines act on an encrypted
	// predicate during validation.
	Require(cond Ciphertext) error

	// GrantAccess gives the principal decrypt-capability on c.
	GrantAccess(c Ciphertext, to identity.ID) error

	// DecryptBool reveals an encrypted boolean to a principal holding
	// decrypt-capability on it. It is used by the individual-record query
	// filter and nowhere else.
	DecryptBool(caller identity.ID, cond Ciphertext) (bool, error)

	// AllowPublicDecryption marks c as publicly decryptable, feeding the
	// out-of-core decryption channel.
	AllowPublicDecryption(c Ciphertext) error

	// VerifyDecryption checks that plain and proof form a valid public
	// decryption of c. It only succeeds after AllowPublicDecryption.
	VerifyDecryption(c Ciphertext, plain uint64, proof []byte) error
}
