package verify

import (
	"go.dedis.ch/medchain/coin"
	"go.dedis.ch/medchain/identity"
)

// Status is the verification state of a record. Slashed is terminal.
type Status int

const (
	// Unverified: no verification was requested yet.
	Unverified Status = iota
	// Pending: the owner requested verification and the automated
	// verifier has not answered yet.
	Pending
	// AIVerified: the automated verifier confirmed the record with a
	// confidence at or above the threshold.
	AIVerified
	// ProviderAttested: a registered provider attested the record.
	ProviderAttested
	// Flagged: the record was reported, or the automated verifier scored
	// it below the threshold.
	Flagged
	// Slashed: the stake was forfeited. No transition leaves this state.
	Slashed
)

func (s Status) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Pending:
		return "pending"
	case AIVerified:
		return "ai-verified"
	case ProviderAttested:
		return "provider-attested"
	case Flagged:
		return "flagged"
	case Slashed:
		return "slashed"
	}
	return "invalid"
}

// EvidenceType tags the kind of document backing a verification request.
type EvidenceType int

const (
	// EvidenceNone is the null tag and is rejected on requests.
	EvidenceNone EvidenceType = iota
	EvidenceDocument
	EvidenceLabReport
	EvidenceImaging
	EvidencePrescription
)

// Verification is the per-record verification state.
type Verification struct {
	Status       Status
	Evidence     EvidenceType
	DocumentHash []byte
	// Confidence is the automated verifier's score, 0-100.
	Confidence int
	// Provider is set when a registered provider attested the record.
	Provider identity.ID
	// Stake is non-zero only between deposit and return/slash.
	Stake coin.Coin
	// Deposited stays true forever after the first deposit; a second
	// deposit on the same record is rejected.
	Deposited  bool
	VerifiedAt int64
}

// Reputation is the per-contributor trust history. The counters only ever
// increment; the score moves by fixed deltas and clamps to [0, ScoreMax].
type Reputation struct {
	Submissions uint64
	Verified    uint64
	Flagged     uint64
	Slashed     uint64
	Score       int64
	// Initialized becomes true on the contributor's first-ever stake or
	// first scoring event, whichever comes first; the score then starts
	// from ScoreInit and only ever moves by the fixed deltas.
	Initialized bool
}

// Provider is a registered third-party attester. Immutable once
// registered.
type Provider struct {
	Registered   bool
	Name         string
	License      string
	Attestations uint64
}

// Reputation score bounds and deltas.
const (
	ScoreInit     = 500
	ScoreMax      = 1000
	ScorePositive = 10
	ScoreNegative = 50
)

// applyScore moves the score by delta and clamps it at the bounds. A
// contributor's first scoring event starts from ScoreInit.
func (r *Reputation) applyScore(delta int64) {
	if !r.Initialized {
		r.Initialized = true
		r.Score = ScoreInit
	}
	r.Score += delta
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > ScoreMax {
		r.Score = ScoreMax
	}
}
