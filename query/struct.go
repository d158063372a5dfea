package query

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/record"
)

// ID is the 32-byte identifier of a query.
type ID []byte

// String returns the hex form of the id.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

func deriveID(seq uint64) ID {
	h := sha256.New()
	h.Write([]byte("query"))
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, seq)
	h.Write(buf)
	return ID(h.Sum(nil))
}

// Kind tells which family a query belongs to.
type Kind int

const (
	// KindAverage is an aggregate query whose decrypted result is
	// sum/count of the filtered values.
	KindAverage Kind = iota
	// KindCount is an aggregate query counting the filtered records.
	KindCount
	// KindIndividual is an individual-record query gated by k-anonymity.
	KindIndividual
)

// DecryptionState is the one-way state machine of the two-phase decryption
// protocol.
type DecryptionState int

const (
	// NotRequested: the accumulators are only readable by the analyst
	// through the homomorphic engine.
	NotRequested DecryptionState = iota
	// Requested: the accumulators are marked publicly decryptable and the
	// out-of-core channel is doing its work. There is no timeout; the
	// query stays here until a result is submitted.
	Requested
	// Completed: the plaintext result is stored.
	Completed
)

// Query is one stored query. Everything except the decryption state and the
// plaintext result is immutable after creation, and only the issuing
// analyst may read it.
type Query struct {
	Analyst   identity.ID
	Kind      Kind
	CreatedAt int64

	// MatchCount is the matching record count actually used. For an
	// individual query this is the true count of qualifying records, even
	// when fewer ids are exposed.
	MatchCount int

	// Touched lists the record ids the query used: every record the
	// aggregate accumulators saw, or the exposed ids of an individual
	// query.
	Touched []record.ID

	// Skipped counts records excluded because the access grant inside the
	// query loop failed.
	Skipped int

	// KAnonymityMet is false when an individual query matched fewer
	// consenting records than the threshold; Touched is then empty.
	KAnonymityMet bool

	// EncSum and EncCount are the homomorphic accumulators of an
	// aggregate query.
	EncSum   fhe.Ciphertext
	EncCount fhe.Ciphertext

	State      DecryptionState
	PlainSum   uint64
	PlainCount uint64
}

// Result is the decoded outcome of an aggregate query.
type Result struct {
	Sum     uint64
	Count   uint64
	Average uint64
	Ready   bool
}
