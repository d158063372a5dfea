// Package verify maintains the economic authenticity layer: stake
// deposit/return/slash per record, automated and third-party attestation, a
// bounded per-contributor reputation and the composite trust score derived
// from all three. It influences, but never gates, query eligibility.
package verify

import (
	"fmt"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/coin"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/journal"
	"go.dedis.ch/medchain/record"
	"go.dedis.ch/medchain/state"
)

var verificationBucket = []byte("verifications")
var reputationBucket = []byte("reputations")
var providerBucket = []byte("providers")
var balanceBucket = []byte("verify_balances")
var metaBucket = []byte("verify_meta")
var retainedKey = []byte("retained")

// Failure reasons surfaced to callers.
var (
	ErrStakeBounds    = xerrors.New("stake outside the configured bounds")
	ErrAlreadyStaked  = xerrors.New("record already carries a stake")
	ErrNotStaked      = xerrors.New("record carries no stake")
	ErrBadEvidence    = xerrors.New("evidence type must not be the null tag")
	ErrBadStatus      = xerrors.New("record is not in the required status")
	ErrSlashedFinal   = xerrors.New("record is slashed; the status is terminal")
	ErrNotAIVerifier  = xerrors.New("caller is not the automated-verification principal")
	ErrNotProvider    = xerrors.New("caller is not a registered provider")
	ErrNotAdmin       = xerrors.New("caller is not the privileged principal")
	ErrReRegistration = xerrors.New("provider is already registered")
	ErrBadConfidence  = xerrors.New("confidence must lie in [0,100]")
	ErrDisputeWindow  = xerrors.New("dispute window has not elapsed")
	ErrEmptyReason    = xerrors.New("flag reason must not be empty")
)

// Config bounds the engine.
type Config struct {
	// MinStake and MaxStake bound the deposit per record.
	MinStake uint64
	MaxStake uint64
	// ConfidenceThreshold separates AIVerified from Flagged.
	ConfidenceThreshold int
	// DisputeWindow is the minimum elapsed time after verification before
	// a stake may be returned.
	DisputeWindow time.Duration
	// AIVerifier is the designated automated-verification principal.
	AIVerifier identity.ID
	// Admin is the privileged principal allowed to slash.
	Admin identity.ID
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(aiVerifier, admin identity.ID) Config {
	return Config{
		MinStake:            10,
		MaxStake:            10000,
		ConfidenceThreshold: 70,
		DisputeWindow:       7 * 24 * time.Hour,
		AIVerifier:          aiVerifier,
		Admin:               admin,
	}
}

// Engine is the verification and reputation engine.
type Engine struct {
	db    *state.DB
	store *record.Store
	jrnl  *journal.Journal
	cfg   Config

	// Now is the clock, replaceable from tests.
	Now func() time.Time
}

// NewEngine creates an engine sharing the record store's database.
func NewEngine(store *record.Store, jrnl *journal.Journal, cfg Config) *Engine {
	if cfg.MinStake == 0 {
		cfg.MinStake = 10
	}
	if cfg.MaxStake == 0 {
		cfg.MaxStake = 10000
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 70
	}
	if cfg.DisputeWindow == 0 {
		cfg.DisputeWindow = 7 * 24 * time.Hour
	}
	return &Engine{
		db:    store.DB(),
		store: store,
		jrnl:  jrnl,
		cfg:   cfg,
		Now:   time.Now,
	}
}

func (e *Engine) getVerification(tx state.Tx, id record.ID) (*Verification, error) {
	var v Verification
	err := tx.Get(verificationBucket, id, &v)
	if xerrors.Is(err, state.ErrKeyNotSet) {
		return &Verification{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (e *Engine) getReputation(tx state.Tx, contributor identity.ID) (*Reputation, error) {
	var r Reputation
	err := tx.Get(reputationBucket, contributor, &r)
	if xerrors.Is(err, state.ErrKeyNotSet) {
		return &Reputation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Submitted implements record.Notifier: it increments the contributor's
// submission counter in the submitting transaction.
func (e *Engine) Submitted(tx state.Tx, id record.ID, owner identity.ID, when int64) error {
	rep, err := e.getReputation(tx, owner)
	if err != nil {
		return err
	}
	rep.Submissions++
	return tx.Put(reputationBucket, owner, rep)
}

// DepositStake stakes amount on a record. Only the record owner, only once
// per record; the amount must lie in [MinStake, MaxStake]. A contributor's
// first-ever stake initializes its reputation score.
func (e *Engine) DepositStake(caller identity.ID, id record.ID, amount coin.Coin) error {
	if amount.Value < e.cfg.MinStake || amount.Value > e.cfg.MaxStake {
		return ErrStakeBounds
	}
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return record.ErrNotOwner
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Deposited {
			return ErrAlreadyStaked
		}
		v.Deposited = true
		v.Stake = amount

		rep, err := e.getReputation(tx, caller)
		if err != nil {
			return err
		}
		if !rep.Initialized {
			rep.Initialized = true
			rep.Score = ScoreInit
		}
		if err := tx.Put(reputationBucket, caller, rep); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s stake=%d", id, amount.Value)
			return e.jrnl.Append(tx, "stake-deposit", msg)
		}
		return nil
	})
}

// RequestVerification asks for automated verification of a staked record.
// Owner only; the evidence type must not be the null tag.
func (e *Engine) RequestVerification(caller identity.ID, id record.ID,
	documentHash []byte, evidence EvidenceType) error {
	if evidence == EvidenceNone {
		return ErrBadEvidence
	}
	if len(documentHash) == 0 {
		return xerrors.New("empty document fingerprint")
	}
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return record.ErrNotOwner
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if !v.Deposited {
			return ErrNotStaked
		}
		if v.Status != Unverified {
			return ErrBadStatus
		}
		v.Status = Pending
		v.Evidence = evidence
		v.DocumentHash = documentHash
		return tx.Put(verificationBucket, id, v)
	})
}

// SubmitVerification is called by the automated-verification principal with
// its confidence score. At or above the threshold the record becomes
// AIVerified and the contributor's reputation rises; below it the record is
// flagged and the reputation falls.
func (e *Engine) SubmitVerification(caller identity.ID, id record.ID,
	confidence int, summary string) error {
	if !caller.Equal(e.cfg.AIVerifier) {
		return ErrNotAIVerifier
	}
	if confidence < 0 || confidence > 100 {
		return ErrBadConfidence
	}
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status != Pending {
			return ErrBadStatus
		}
		v.Confidence = confidence
		v.VerifiedAt = e.Now().Unix()

		rep, err := e.getReputation(tx, rec.Owner)
		if err != nil {
			return err
		}
		if confidence >= e.cfg.ConfidenceThreshold {
			v.Status = AIVerified
			rep.Verified++
			rep.applyScore(ScorePositive)
		} else {
			v.Status = Flagged
			rep.Flagged++
			rep.applyScore(-ScoreNegative)
		}
		if err := tx.Put(reputationBucket, rec.Owner, rep); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s status=%s confidence=%d", id, v.Status, confidence)
			return e.jrnl.Append(tx, "verification", msg)
		}
		return nil
	})
}

// RegisterProvider registers a third-party attester. A provider is
// immutable once registered.
func (e *Engine) RegisterProvider(caller identity.ID, name, license string) error {
	if name == "" || license == "" {
		return xerrors.New("provider name and license are required")
	}
	return e.db.Update(func(tx state.Tx) error {
		var p Provider
		err := tx.Get(providerBucket, caller, &p)
		if err == nil && p.Registered {
			return ErrReRegistration
		}
		if err != nil && !xerrors.Is(err, state.ErrKeyNotSet) {
			return err
		}
		p = Provider{Registered: true, Name: name, License: license}
		return tx.Put(providerBucket, caller, &p)
	})
}

// Attest lets a registered provider vouch for a record. Allowed from any
// non-slashed status; always a positive reputation event.
func (e *Engine) Attest(caller identity.ID, id record.ID) error {
	return e.db.Update(func(tx state.Tx) error {
		var p Provider
		err := tx.Get(providerBucket, caller, &p)
		if xerrors.Is(err, state.ErrKeyNotSet) || (err == nil && !p.Registered) {
			return ErrNotProvider
		}
		if err != nil {
			return err
		}
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status == Slashed {
			return ErrSlashedFinal
		}
		v.Status = ProviderAttested
		v.Provider = caller
		v.VerifiedAt = e.Now().Unix()

		rep, err := e.getReputation(tx, rec.Owner)
		if err != nil {
			return err
		}
		rep.Verified++
		rep.applyScore(ScorePositive)
		if err := tx.Put(reputationBucket, rec.Owner, rep); err != nil {
			return err
		}

		p.Attestations++
		if err := tx.Put(providerBucket, caller, &p); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s provider=%s", id, caller)
			return e.jrnl.Append(tx, "attestation", msg)
		}
		return nil
	})
}

func (e *Engine) creditBalance(tx state.Tx, to identity.ID, amount uint64) error {
	var bal coin.Coin
	err := tx.Get(balanceBucket, to, &bal)
	if err != nil && !xerrors.Is(err, state.ErrKeyNotSet) {
		return err
	}
	if err := bal.SafeAdd(amount); err != nil {
		return err
	}
	return tx.Put(balanceBucket, to, &bal)
}

// ReturnStake pays the stake back to the owner's withdrawable balance.
// Only from AIVerified or ProviderAttested, and only after the dispute
// window has elapsed since verification.
func (e *Engine) ReturnStake(caller identity.ID, id record.ID) error {
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return record.ErrNotOwner
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status != AIVerified && v.Status != ProviderAttested {
			return ErrBadStatus
		}
		if v.Stake.IsZero() {
			return ErrNotStaked
		}
		if e.Now().Unix()-v.VerifiedAt < int64(e.cfg.DisputeWindow/time.Second) {
			return ErrDisputeWindow
		}
		amount := v.Stake.Value
		if err := v.Stake.SafeSub(amount); err != nil {
			return err
		}
		if err := e.creditBalance(tx, caller, amount); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s stake=%d", id, amount)
			return e.jrnl.Append(tx, "stake-return", msg)
		}
		return nil
	})
}

// Flag reports a record. Any caller, with a mandatory non-empty reason;
// rejected only when the record is already slashed.
func (e *Engine) Flag(caller identity.ID, id record.ID, reason string) error {
	if reason == "" {
		return ErrEmptyReason
	}
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status == Slashed {
			return ErrSlashedFinal
		}
		v.Status = Flagged

		rep, err := e.getReputation(tx, rec.Owner)
		if err != nil {
			return err
		}
		rep.Flagged++
		if err := tx.Put(reputationBucket, rec.Owner, rep); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s reporter=%s reason=%q", id, caller, reason)
			return e.jrnl.Append(tx, "flag", msg)
		}
		return nil
	})
}

// Slash forfeits the stake of a flagged record. Privileged caller only.
// Half the stake is credited to the reporter's withdrawable balance, the
// other half is retained by the system; the status becomes terminal.
func (e *Engine) Slash(caller identity.ID, id record.ID, reporter identity.ID) error {
	if !caller.Equal(e.cfg.Admin) {
		return ErrNotAdmin
	}
	if reporter.IsNull() {
		return xerrors.New("zero-value reporter identity")
	}
	return e.db.Update(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status != Flagged {
			return ErrBadStatus
		}
		amount := v.Stake.Value
		reward := amount / 2
		if err := v.Stake.SafeSub(amount); err != nil {
			return err
		}
		v.Status = Slashed
		if reward > 0 {
			if err := e.creditBalance(tx, reporter, reward); err != nil {
				return err
			}
		}

		var retained coin.Coin
		err = tx.Get(metaBucket, retainedKey, &retained)
		if err != nil && !xerrors.Is(err, state.ErrKeyNotSet) {
			return err
		}
		if err := retained.SafeAdd(amount - reward); err != nil {
			return err
		}
		if err := tx.Put(metaBucket, retainedKey, &retained); err != nil {
			return err
		}

		rep, err := e.getReputation(tx, rec.Owner)
		if err != nil {
			return err
		}
		rep.Slashed++
		rep.applyScore(-ScoreNegative)
		if err := tx.Put(reputationBucket, rec.Owner, rep); err != nil {
			return err
		}
		if err := tx.Put(verificationBucket, id, v); err != nil {
			return err
		}
		log.Lvl2("slashed record", id.String())
		if e.jrnl != nil {
			msg := fmt.Sprintf("record=%s stake=%d reporter=%s", id, amount, reporter)
			return e.jrnl.Append(tx, "slash", msg)
		}
		return nil
	})
}

// WithdrawReward pays out and zeroes the caller's withdrawable balance.
func (e *Engine) WithdrawReward(caller identity.ID) (coin.Coin, error) {
	var out coin.Coin
	err := e.db.Update(func(tx state.Tx) error {
		var bal coin.Coin
		err := tx.Get(balanceBucket, caller, &bal)
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return nil
		}
		if err != nil {
			return err
		}
		out = bal
		return tx.Put(balanceBucket, caller, &coin.Coin{})
	})
	if err != nil {
		return coin.Coin{}, err
	}
	return out, nil
}

// Balance returns the caller's withdrawable balance without touching it.
func (e *Engine) Balance(caller identity.ID) (coin.Coin, error) {
	var bal coin.Coin
	err := e.db.View(func(tx state.Tx) error {
		err := tx.Get(balanceBucket, caller, &bal)
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return nil
		}
		return err
	})
	return bal, err
}

// Status returns the verification state of a record.
func (e *Engine) Status(id record.ID) (*Verification, error) {
	var v *Verification
	err := e.db.View(func(tx state.Tx) error {
		var err error
		v, err = e.getVerification(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetProvider returns the registration of a third-party attester, or
// ErrNotProvider if it never registered.
func (e *Engine) GetProvider(provider identity.ID) (*Provider, error) {
	var p Provider
	err := e.db.View(func(tx state.Tx) error {
		err := tx.Get(providerBucket, provider, &p)
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return ErrNotProvider
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !p.Registered {
		return nil, ErrNotProvider
	}
	return &p, nil
}

// Reputation returns the trust history of a contributor.
func (e *Engine) Reputation(contributor identity.ID) (*Reputation, error) {
	var rep *Reputation
	err := e.db.View(func(tx state.Tx) error {
		var err error
		rep, err = e.getReputation(tx, contributor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// TrustScore computes the stateless composite trust signal of a record:
// zero for flagged or slashed records; else up to 40 points from the
// verification status, up to 40 from the contributor's reputation and up to
// 20 scaled linearly by the stake between the bounds, clamped to 100.
func (e *Engine) TrustScore(id record.ID) (int, error) {
	var score int
	err := e.db.View(func(tx state.Tx) error {
		rec, err := e.store.GetTx(tx, id)
		if err != nil {
			return err
		}
		v, err := e.getVerification(tx, id)
		if err != nil {
			return err
		}
		if v.Status == Flagged || v.Status == Slashed {
			score = 0
			return nil
		}
		switch v.Status {
		case ProviderAttested:
			score = 40
		case AIVerified:
			score = v.Confidence * 40 / 100
		}

		rep, err := e.getReputation(tx, rec.Owner)
		if err != nil {
			return err
		}
		score += int(rep.Score * 40 / ScoreMax)

		if v.Stake.Value >= e.cfg.MinStake {
			span := e.cfg.MaxStake - e.cfg.MinStake
			if span == 0 {
				score += 20
			} else {
				score += int((v.Stake.Value - e.cfg.MinStake) * 20 / span)
			}
		}
		if score > 100 {
			score = 100
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}
