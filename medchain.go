// Package medchain implements a privacy-preserving health-data ledger: data
// contributors register encrypted clinical records, analysts run aggregate
// and individual-record queries over them without ever seeing plaintext, and
// an economic layer (stake, attestation, slashing, reputation) maintains a
// per-contributor trust signal.
//
// The homomorphic primitives themselves are an injected capability (see the
// fhe package); the ledger substrate is a local bbolt database where every
// public operation commits or aborts atomically (see the state package).
package medchain

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the Ed25519 suite used for all identities and proof signatures.
var Suite = suites.MustFind("Ed25519")
