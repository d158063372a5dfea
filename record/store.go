// Package record owns the durable collection of encrypted clinical records,
// their consent levels and the per-submitter rate limit. It validates every
// submitted field homomorphically - a field is accepted when it lies in its
// clinical range or carries the null sentinel of its width - and never
// branches on plaintext.
package record

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/state"
)

var recordBucket = []byte("records")
var indexBucket = []byte("record_index")
var ownerBucket = []byte("record_owners")
var cooldownBucket = []byte("record_cooldowns")
var executorBucket = []byte("record_executors")
var metaBucket = []byte("record_meta")
var totalKey = []byte("total")

// Failure reasons surfaced to callers. All of them abort the operation with
// no state change.
var (
	ErrNotEligible    = xerrors.New("identity may not submit data")
	ErrCooldown       = xerrors.New("submitted within the cooldown window")
	ErrInvalidProof   = xerrors.New("invalid submission proof")
	ErrFieldInvalid   = xerrors.New("field neither in clinical range nor null")
	ErrNotFound       = xerrors.New("no such record")
	ErrNotOwner       = xerrors.New("caller is not the record owner")
	ErrRecordInactive = xerrors.New("record is revoked")
	ErrBadConsent     = xerrors.New("undefined consent level")
	ErrNotExecutor    = xerrors.New("caller is not an allow-listed query executor")
	ErrNotAdmin       = xerrors.New("caller is not the store administrator")
	ErrBatchTooLarge  = xerrors.New("grant batch exceeds the configured maximum")
)

// Eligibility is the consent/identity-eligibility predicate service. The
// store trusts its answers without re-deriving them.
type Eligibility interface {
	CanSubmit(id identity.ID) bool
	CanQuery(id identity.ID) bool
}

// Notifier receives submission notifications inside the submitting
// transaction. Implementations must only keep id, owner and timestamp -
// plaintext values never reach them.
type Notifier interface {
	Submitted(tx state.Tx, id ID, owner identity.ID, when int64) error
}

// Config bounds the store.
type Config struct {
	// Cooldown is the per-submitter rate limit window.
	Cooldown time.Duration
	// MaxGrantBatch bounds GrantAccessBatch.
	MaxGrantBatch int
	// Admin may manage the executor allow-list.
	Admin identity.ID
}

// DefaultConfig returns the documented defaults with the given admin.
func DefaultConfig(admin identity.ID) Config {
	return Config{
		Cooldown:      time.Hour,
		MaxGrantBatch: 100,
		Admin:         admin,
	}
}

// ownerIndex is the stored per-owner state.
type ownerIndex struct {
	IDs   []ID
	Nonce uint64
}

// Store is the encrypted-record store.
type Store struct {
	db          *state.DB
	eng         fhe.Engine
	self        identity.ID
	cfg         Config
	eligibility Eligibility
	notifiers   []Notifier

	// Now is the clock, replaceable from tests.
	Now func() time.Time
}

// NewStore creates a store working on db. The self identity is the
// principal the store grants itself on every stored field.
func NewStore(db *state.DB, eng fhe.Engine, self identity.ID, elig Eligibility,
	cfg Config, notifiers ...Notifier) *Store {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = time.Hour
	}
	if cfg.MaxGrantBatch == 0 {
		cfg.MaxGrantBatch = 100
	}
	return &Store{
		db:          db,
		eng:         eng,
		self:        self,
		cfg:         cfg,
		eligibility: elig,
		notifiers:   notifiers,
		Now:         time.Now,
	}
}

// AddNotifier registers another submission notifier. Engines that are
// constructed after the store use this to subscribe.
func (s *Store) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// SubmitDigest is the message a contributor signs to prove a submission:
// the digest of its identity and all nine ciphertext handles, in order.
func SubmitDigest(owner identity.ID, fields []fhe.Ciphertext) []byte {
	h := sha256.New()
	h.Write(owner)
	for _, f := range fields {
		h.Write(f)
	}
	return h.Sum(nil)
}

// validateField checks one encrypted field against its spec: the claim
// "(min <= f <= max) or f == sentinel" is evaluated homomorphically and
// handed to the engine, which aborts unless it holds.
func (s *Store) validateField(i FieldIndex, f fhe.Ciphertext) error {
	spec := Fields[i]
	lo, err := s.eng.Const(spec.Width, spec.Min)
	if err != nil {
		return err
	}
	hi, err := s.eng.Const(spec.Width, spec.Max)
	if err != nil {
		return err
	}
	null, err := s.eng.Const(spec.Width, spec.Sentinel())
	if err != nil {
		return err
	}
	ge, err := s.eng.Ge(f, lo)
	if err != nil {
		return err
	}
	le, err := s.eng.Le(f, hi)
	if err != nil {
		return err
	}
	inRange, err := s.eng.And(ge, le)
	if err != nil {
		return err
	}
	isNull, err := s.eng.Eq(f, null)
	if err != nil {
		return err
	}
	valid, err := s.eng.Or(inRange, isNull)
	if err != nil {
		return err
	}
	if err := s.eng.Require(valid); err != nil {
		if xerrors.Is(err, fhe.ErrRequireFailed) {
			return xerrors.Errorf("field %s: %w", spec.Name, ErrFieldInvalid)
		}
		return err
	}
	return nil
}

// Submit stores a new record for owner. The proof must be a valid signature
// by owner on SubmitDigest(owner, fields). The record starts active with
// aggregate-only consent; the store and the owner get decrypt-capability on
// every field.
func (s *Store) Submit(owner identity.ID, fields []fhe.Ciphertext, proof []byte) (ID, error) {
	if len(fields) != int(NumFields) {
		return nil, xerrors.Errorf("expected %d fields, got %d", NumFields, len(fields))
	}
	for _, f := range fields {
		if f.IsNull() {
			return nil, xerrors.New("empty ciphertext handle")
		}
	}
	if s.eligibility != nil && !s.eligibility.CanSubmit(owner) {
		return nil, ErrNotEligible
	}
	if err := owner.Verify(SubmitDigest(owner, fields), proof); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrInvalidProof)
	}
	for i, f := range fields {
		if err := s.validateField(FieldIndex(i), f); err != nil {
			return nil, err
		}
	}

	now := s.Now()
	var id ID
	err := s.db.Update(func(tx state.Tx) error {
		if buf := tx.GetRaw(cooldownBucket, owner); buf != nil {
			last := int64(binary.LittleEndian.Uint64(buf))
			if now.Unix()-last < int64(s.cfg.Cooldown/time.Second) {
				return ErrCooldown
			}
		}

		var oi ownerIndex
		err := tx.Get(ownerBucket, owner, &oi)
		if err != nil && !xerrors.Is(err, state.ErrKeyNotSet) {
			return err
		}
		id = deriveID(owner, oi.Nonce)
		oi.Nonce++
		oi.IDs = append(oi.IDs, id)

		rec := &Record{
			Owner:     owner,
			Fields:    fields,
			Consent:   ConsentAggregateOnly,
			CreatedAt: now.Unix(),
			Active:    true,
		}
		for _, f := range fields {
			if err := s.eng.GrantAccess(f, s.self); err != nil {
				return xerrors.Errorf("granting store access: %v", err)
			}
			if err := s.eng.GrantAccess(f, owner); err != nil {
				return xerrors.Errorf("granting owner access: %v", err)
			}
		}
		if err := tx.Put(recordBucket, id, rec); err != nil {
			return err
		}
		if err := tx.Put(ownerBucket, owner, &oi); err != nil {
			return err
		}

		total := s.totalTx(tx)
		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, uint64(total))
		if err := tx.PutRaw(indexBucket, seqBuf, id); err != nil {
			return err
		}
		totalBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(totalBuf, uint64(total+1))
		if err := tx.PutRaw(metaBucket, totalKey, totalBuf); err != nil {
			return err
		}

		lastBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(lastBuf, uint64(now.Unix()))
		if err := tx.PutRaw(cooldownBucket, owner, lastBuf); err != nil {
			return err
		}

		for _, n := range s.notifiers {
			if err := n.Submitted(tx, id, owner, now.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Lvlf2("stored record %s for %s", id, owner)
	return id, nil
}

func (s *Store) totalTx(tx state.Tx) int {
	buf := tx.GetRaw(metaBucket, totalKey)
	if buf == nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(buf))
}

// Total returns the number of records ever submitted, revoked ones
// included.
func (s *Store) Total() (int, error) {
	var total int
	err := s.db.View(func(tx state.Tx) error {
		total = s.totalTx(tx)
		return nil
	})
	return total, err
}

// TotalTx is Total inside an open transaction.
func (s *Store) TotalTx(tx state.Tx) (int, error) {
	return s.totalTx(tx), nil
}

// GetTx loads a record inside an open transaction.
func (s *Store) GetTx(tx state.Tx, id ID) (*Record, error) {
	var rec Record
	if err := tx.Get(recordBucket, id, &rec); err != nil {
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Get loads a record.
func (s *Store) Get(id ID) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx state.Tx) error {
		var err error
		rec, err = s.GetTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// VisitRange walks the records with index in [start, start+size) in
// submission order, inside an open transaction.
func (s *Store) VisitRange(tx state.Tx, start, size int, fn func(id ID, rec *Record) error) error {
	total := s.totalTx(tx)
	for i := start; i < start+size && i < total; i++ {
		seqBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBuf, uint64(i))
		raw := tx.GetRaw(indexBucket, seqBuf)
		if raw == nil {
			return xerrors.Errorf("record index %d missing", i)
		}
		// bbolt values are only valid for the life of the transaction;
		// the id escapes through fn, so it must be copied.
		id := append(ID(nil), raw...)
		rec, err := s.GetTx(tx, id)
		if err != nil {
			return err
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return nil
}

// mutate loads the record, checks the caller owns it and is looking at an
// active record, applies fn and stores the result.
func (s *Store) mutate(caller identity.ID, id ID, fn func(rec *Record) error) error {
	return s.db.Update(func(tx state.Tx) error {
		rec, err := s.GetTx(tx, id)
		if err != nil {
			return err
		}
		if !rec.Owner.Equal(caller) {
			return ErrNotOwner
		}
		if !rec.Active {
			return ErrRecordInactive
		}
		if err := fn(rec); err != nil {
			return err
		}
		return tx.Put(recordBucket, id, rec)
	})
}

// SetConsent updates the consent level of an active record. Owner only.
func (s *Store) SetConsent(caller identity.ID, id ID, level ConsentLevel) error {
	if !level.Valid() {
		return ErrBadConsent
	}
	return s.mutate(caller, id, func(rec *Record) error {
		rec.Consent = level
		return nil
	})
}

// Revoke permanently deactivates a record. Owner only, once; a revoked
// record is excluded from every future query and payment computation.
func (s *Store) Revoke(caller identity.ID, id ID) error {
	err := s.mutate(caller, id, func(rec *Record) error {
		rec.Active = false
		return nil
	})
	if err == nil {
		log.Lvl2("revoked record", id.String())
	}
	return err
}

// Consent returns the consent level of a record.
func (s *Store) Consent(id ID) (ConsentLevel, error) {
	rec, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return rec.Consent, nil
}

// AllowExecutor adds a query-executing principal to the allow-list. Only
// the store administrator may do this.
func (s *Store) AllowExecutor(caller, executor identity.ID) error {
	if !caller.Equal(s.cfg.Admin) {
		return ErrNotAdmin
	}
	return s.db.Update(func(tx state.Tx) error {
		return tx.PutRaw(executorBucket, executor, []byte{1})
	})
}

// IsExecutorTx returns true if the principal is allow-listed.
func (s *Store) IsExecutorTx(tx state.Tx, executor identity.ID) bool {
	return tx.GetRaw(executorBucket, executor) != nil
}

// GrantAccessTx grants a principal decrypt-capability on all fields of an
// active record, inside an open transaction. The caller must be an
// allow-listed executor.
func (s *Store) GrantAccessTx(tx state.Tx, caller identity.ID, id ID, to identity.ID) error {
	if !s.IsExecutorTx(tx, caller) {
		return ErrNotExecutor
	}
	rec, err := s.GetTx(tx, id)
	if err != nil {
		return err
	}
	if !rec.Active {
		return ErrRecordInactive
	}
	for _, f := range rec.Fields {
		if err := s.eng.GrantAccess(f, to); err != nil {
			return xerrors.Errorf("granting access: %v", err)
		}
	}
	return nil
}

// GrantAccess is the single-record variant, in its own transaction.
func (s *Store) GrantAccess(caller identity.ID, id ID, to identity.ID) error {
	return s.db.Update(func(tx state.Tx) error {
		return s.GrantAccessTx(tx, caller, id, to)
	})
}

// GrantAccessBatch grants on up to MaxGrantBatch records. Inactive or
// unknown records are skipped without aborting the batch; it returns how
// many records were actually granted.
func (s *Store) GrantAccessBatch(caller identity.ID, ids []ID, to identity.ID) (int, error) {
	if len(ids) > s.cfg.MaxGrantBatch {
		return 0, ErrBatchTooLarge
	}
	granted := 0
	err := s.db.Update(func(tx state.Tx) error {
		if !s.IsExecutorTx(tx, caller) {
			return ErrNotExecutor
		}
		for _, id := range ids {
			err := s.GrantAccessTx(tx, caller, id, to)
			switch {
			case err == nil:
				granted++
			case xerrors.Is(err, ErrRecordInactive) || xerrors.Is(err, ErrNotFound):
				log.Lvl3("skipping record in grant batch:", err)
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return granted, nil
}

// CountWithConsentTx counts the active records among ids carrying the given
// consent level, inside an open transaction.
func (s *Store) CountWithConsentTx(tx state.Tx, ids []ID, level ConsentLevel) (int, error) {
	count := 0
	for _, id := range ids {
		rec, err := s.GetTx(tx, id)
		if xerrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if rec.Active && rec.Consent == level {
			count++
		}
	}
	return count, nil
}

// CountWithConsent is the helper feeding the k-anonymity gate.
func (s *Store) CountWithConsent(ids []ID, level ConsentLevel) (int, error) {
	var count int
	err := s.db.View(func(tx state.Tx) error {
		var err error
		count, err = s.CountWithConsentTx(tx, ids, level)
		return err
	})
	return count, err
}

// OwnerRecords returns one page of the record ids of an owner, plus the
// total number of ids.
func (s *Store) OwnerRecords(owner identity.ID, offset, limit int) ([]ID, int, error) {
	var page []ID
	var total int
	err := s.db.View(func(tx state.Tx) error {
		var oi ownerIndex
		err := tx.Get(ownerBucket, owner, &oi)
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return nil
		}
		if err != nil {
			return err
		}
		total = len(oi.IDs)
		if offset < 0 || offset >= total {
			return nil
		}
		end := offset + limit
		if limit <= 0 || end > total {
			end = total
		}
		page = append(page, oi.IDs[offset:end]...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

// DB exposes the shared database for engines composing with the store.
func (s *Store) DB() *state.DB {
	return s.db
}

// Engine exposes the homomorphic engine the store was built with.
func (s *Store) Engine() fhe.Engine {
	return s.eng
}
