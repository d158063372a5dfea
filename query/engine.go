// Package query executes aggregate and individual-record queries over the
// encrypted record store. Aggregates are computed as homomorphic
// accumulators that only become plaintext through an explicit two-phase
// decryption protocol; individual-record disclosure is gated by a
// k-anonymity threshold evaluated on the true count of qualifying records
// before any id becomes visible.
package query

import (
	"fmt"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/coin"
	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/journal"
	"go.dedis.ch/medchain/record"
	"go.dedis.ch/medchain/state"
)

var queryBucket = []byte("queries")
var metaBucket = []byte("query_meta")
var seqKey = []byte("seq")

// Failure reasons surfaced to callers.
var (
	ErrNotEligible     = xerrors.New("identity may not run queries")
	ErrPaymentBelowFee = xerrors.New("attached payment is below the fee")
	ErrBadRange        = xerrors.New("query range out of bounds")
	ErrBatchTooLarge   = xerrors.New("range exceeds the maximum query batch")
	ErrUnknownQuery    = xerrors.New("no such query")
	ErrNotAnalyst      = xerrors.New("caller is not the issuing analyst")
	ErrAlreadyReq      = xerrors.New("decryption was already requested")
	ErrNotRequested    = xerrors.New("decryption was not requested yet")
	ErrAlreadyDone     = xerrors.New("query result was already submitted")
	ErrNotAggregate    = xerrors.New("not an aggregate query")
)

// PaymentDistributor receives the full attached fee together with the
// contributing record ids. It is an external collaborator; the engine calls
// it inside the query transaction and never splits payments itself.
type PaymentDistributor interface {
	Distribute(tx state.Tx, contributing []record.ID, payer identity.ID, amount coin.Coin) error
}

// Config bounds the engine.
type Config struct {
	// MaxBatch bounds the records one aggregate call may touch; the
	// homomorphic primitives are expensive, so per-call cost must stay
	// bounded. Callers needing more coverage issue multiple ranges.
	MaxBatch int
	// KThreshold is the k-anonymity threshold of individual queries.
	KThreshold int
	// AggregateFee and IndividualFee are the minimum attached payments.
	AggregateFee  uint64
	IndividualFee uint64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatch:      50,
		KThreshold:    5,
		AggregateFee:  100,
		IndividualFee: 200,
	}
}

// Engine runs queries against a record store. It acts as the executor
// principal, which must be allow-listed on the store.
type Engine struct {
	db          *state.DB
	store       *record.Store
	eng         fhe.Engine
	exec        identity.ID
	distributor PaymentDistributor
	eligibility record.Eligibility
	jrnl        *journal.Journal
	cfg         Config

	// Now is the clock, replaceable from tests.
	Now func() time.Time
}

// NewEngine creates a query engine. exec is the executor principal the
// engine grants record access to while filtering.
func NewEngine(store *record.Store, exec identity.ID, distributor PaymentDistributor,
	elig record.Eligibility, jrnl *journal.Journal, cfg Config) *Engine {
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 50
	}
	if cfg.KThreshold == 0 {
		cfg.KThreshold = 5
	}
	return &Engine{
		db:          store.DB(),
		store:       store,
		eng:         store.Engine(),
		exec:        exec,
		distributor: distributor,
		eligibility: elig,
		jrnl:        jrnl,
		cfg:         cfg,
		Now:         time.Now,
	}
}

// Fees returns the configured fee schedule.
func (e *Engine) Fees() (aggregate, individual uint64) {
	return e.cfg.AggregateFee, e.cfg.IndividualFee
}

func (e *Engine) nextID(tx state.Tx) (ID, error) {
	var seq struct{ N uint64 }
	err := tx.Get(metaBucket, seqKey, &seq)
	if err != nil && !xerrors.Is(err, state.ErrKeyNotSet) {
		return nil, err
	}
	seq.N++
	if err := tx.Put(metaBucket, seqKey, &seq); err != nil {
		return nil, err
	}
	return deriveID(seq.N), nil
}

func (e *Engine) checkCaller(caller identity.ID, fee coin.Coin, minFee uint64) error {
	if e.eligibility != nil && !e.eligibility.CanQuery(caller) {
		return ErrNotEligible
	}
	if fee.Value < minFee {
		return ErrPaymentBelowFee
	}
	return nil
}

// aggFilter builds the homomorphic filter of an aggregate query on one
// record: condition equality plus a value range on the glucose field.
type aggFilter struct {
	cat, lo, hi fhe.Ciphertext
}

func (e *Engine) newAggFilter(category, minValue, maxValue uint64) (*aggFilter, error) {
	condSpec := record.Fields[record.Condition]
	valSpec := record.Fields[record.Glucose]
	if category > condSpec.Max {
		return nil, xerrors.Errorf("category %d: %w", category, ErrBadRange)
	}
	if minValue > maxValue || maxValue > valSpec.Max {
		return nil, xerrors.Errorf("value range [%d,%d]: %w", minValue, maxValue, ErrBadRange)
	}
	f := &aggFilter{}
	var err error
	if f.cat, err = e.eng.Const(condSpec.Width, category); err != nil {
		return nil, err
	}
	if f.lo, err = e.eng.Const(valSpec.Width, minValue); err != nil {
		return nil, err
	}
	if f.hi, err = e.eng.Const(valSpec.Width, maxValue); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *aggFilter) match(eng fhe.Engine, rec *record.Record) (fhe.Ciphertext, error) {
	catEq, err := eng.Eq(rec.Field(record.Condition), f.cat)
	if err != nil {
		return nil, err
	}
	ge, err := eng.Ge(rec.Field(record.Glucose), f.lo)
	if err != nil {
		return nil, err
	}
	le, err := eng.Le(rec.Field(record.Glucose), f.hi)
	if err != nil {
		return nil, err
	}
	inRange, err := eng.And(ge, le)
	if err != nil {
		return nil, err
	}
	return eng.And(catEq, inRange)
}

// runAggregate iterates the requested index range, homomorphically selects
// each matching value into the sum accumulator and a matching 0/1 into the
// counter, and persists the query.
func (e *Engine) runAggregate(caller identity.ID, fee coin.Coin, kind Kind,
	filter *aggFilter, rangeStart, rangeSize int) (ID, error) {
	if rangeStart < 0 || rangeSize <= 0 {
		return nil, ErrBadRange
	}
	if rangeSize > e.cfg.MaxBatch {
		return nil, ErrBatchTooLarge
	}

	valSpec := record.Fields[record.Glucose]
	var qid ID
	var touched []record.ID
	skipped := 0
	err := e.db.Update(func(tx state.Tx) error {
		zero, err := e.eng.Const(valSpec.Width, 0)
		if err != nil {
			return err
		}
		one, err := e.eng.Const(valSpec.Width, 1)
		if err != nil {
			return err
		}
		sum := zero
		cnt := zero

		err = e.store.VisitRange(tx, rangeStart, rangeSize, func(id record.ID, rec *record.Record) error {
			if !rec.Active {
				return nil
			}
			if err := e.store.GrantAccessTx(tx, e.exec, id, e.exec); err != nil {
				// A record whose grant fails is excluded from the
				// query; it is neither accumulated nor paid.
				log.Warnf("excluding record %s from query: %v", id, err)
				skipped++
				return nil
			}
			match, err := filter.match(e.eng, rec)
			if err != nil {
				return err
			}
			selected, err := e.eng.Select(match, rec.Field(record.Glucose), zero)
			if err != nil {
				return err
			}
			if sum, err = e.eng.Add(sum, selected); err != nil {
				return err
			}
			inc, err := e.eng.Select(match, one, zero)
			if err != nil {
				return err
			}
			if cnt, err = e.eng.Add(cnt, inc); err != nil {
				return err
			}
			touched = append(touched, id)
			return nil
		})
		if err != nil {
			return err
		}

		if err := e.eng.GrantAccess(sum, caller); err != nil {
			return err
		}
		if err := e.eng.GrantAccess(cnt, caller); err != nil {
			return err
		}

		if qid, err = e.nextID(tx); err != nil {
			return err
		}
		q := &Query{
			Analyst:   caller,
			Kind:      kind,
			CreatedAt: e.Now().Unix(),
			Touched:   touched,
			Skipped:   skipped,
			EncSum:    sum,
			EncCount:  cnt,
			State:     NotRequested,
		}
		if err := tx.Put(queryBucket, qid, q); err != nil {
			return err
		}

		if e.distributor != nil {
			// The full attached payment is forwarded; no change is given.
			if err := e.distributor.Distribute(tx, touched, caller, fee); err != nil {
				return xerrors.Errorf("distributing payment: %v", err)
			}
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("id=%s touched=%d fee=%d", qid, len(touched), fee.Value)
			if err := e.jrnl.Append(tx, "aggregate-query", msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Lvlf2("aggregate query %s touched %d records (%d skipped)", qid, len(touched), skipped)
	return qid, nil
}

// ComputeAverage starts an aggregate query averaging the glucose values of
// the records in [rangeStart, rangeStart+rangeSize) whose condition equals
// category and whose value lies in [minValue, maxValue]. It returns the new
// query id; the result becomes readable through the decryption protocol.
func (e *Engine) ComputeAverage(caller identity.ID, fee coin.Coin,
	minValue, maxValue, category uint64, rangeStart, rangeSize int) (ID, error) {
	if err := e.checkCaller(caller, fee, e.cfg.AggregateFee); err != nil {
		return nil, err
	}
	filter, err := e.newAggFilter(category, minValue, maxValue)
	if err != nil {
		return nil, err
	}
	return e.runAggregate(caller, fee, KindAverage, filter, rangeStart, rangeSize)
}

// Count starts an aggregate query counting the records in range whose
// condition equals category and whose value is at least minThreshold.
func (e *Engine) Count(caller identity.ID, fee coin.Coin,
	category, minThreshold uint64, rangeStart, rangeSize int) (ID, error) {
	if err := e.checkCaller(caller, fee, e.cfg.AggregateFee); err != nil {
		return nil, err
	}
	filter, err := e.newAggFilter(category, minThreshold, record.Fields[record.Glucose].Max)
	if err != nil {
		return nil, err
	}
	return e.runAggregate(caller, fee, KindCount, filter, rangeStart, rangeSize)
}

// QueryIndividual filters the active records carrying individual-disclosure
// consent by condition category and age range. The k-anonymity gate is
// evaluated on the true count of qualifying records before any id is
// exposed: below the threshold no ids are returned, above it at most
// maxResults ids are, while the reported match count stays the true one.
func (e *Engine) QueryIndividual(caller identity.ID, fee coin.Coin,
	category, minAge, maxAge uint64, maxResults int) (ID, error) {
	if err := e.checkCaller(caller, fee, e.cfg.IndividualFee); err != nil {
		return nil, err
	}
	ageSpec := record.Fields[record.Age]
	if minAge > maxAge || maxAge > ageSpec.Max {
		return nil, xerrors.Errorf("age range [%d,%d]: %w", minAge, maxAge, ErrBadRange)
	}
	if category > record.Fields[record.Condition].Max {
		return nil, xerrors.Errorf("category %d: %w", category, ErrBadRange)
	}
	if maxResults <= 0 {
		return nil, xerrors.Errorf("maxResults must be positive: %w", ErrBadRange)
	}

	var qid ID
	err := e.db.Update(func(tx state.Tx) error {
		cat, err := e.eng.Const(record.Fields[record.Condition].Width, category)
		if err != nil {
			return err
		}
		lo, err := e.eng.Const(ageSpec.Width, minAge)
		if err != nil {
			return err
		}
		hi, err := e.eng.Const(ageSpec.Width, maxAge)
		if err != nil {
			return err
		}

		var matches []record.ID
		skipped := 0
		total, err := e.store.TotalTx(tx)
		if err != nil {
			return err
		}
		err = e.store.VisitRange(tx, 0, total, func(id record.ID, rec *record.Record) error {
			if !rec.Active || rec.Consent != record.ConsentIndividualAllowed {
				return nil
			}
			if err := e.store.GrantAccessTx(tx, e.exec, id, e.exec); err != nil {
				log.Warnf("excluding record %s from query: %v", id, err)
				skipped++
				return nil
			}
			catEq, err := e.eng.Eq(rec.Field(record.Condition), cat)
			if err != nil {
				return err
			}
			ge, err := e.eng.Ge(rec.Field(record.Age), lo)
			if err != nil {
				return err
			}
			le, err := e.eng.Le(rec.Field(record.Age), hi)
			if err != nil {
				return err
			}
			inRange, err := e.eng.And(ge, le)
			if err != nil {
				return err
			}
			match, err := e.eng.And(catEq, inRange)
			if err != nil {
				return err
			}
			matched, err := e.eng.DecryptBool(e.exec, match)
			if err != nil {
				return xerrors.Errorf("revealing match bit: %v", err)
			}
			if matched {
				matches = append(matches, id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// The gate uses the true count of qualifying records, never the
		// truncated exposed count.
		matchCount, err := e.store.CountWithConsentTx(tx, matches, record.ConsentIndividualAllowed)
		if err != nil {
			return err
		}
		kMet := matchCount >= e.cfg.KThreshold
		var exposed []record.ID
		if kMet {
			n := maxResults
			if n > len(matches) {
				n = len(matches)
			}
			exposed = matches[:n]
		}

		if qid, err = e.nextID(tx); err != nil {
			return err
		}
		q := &Query{
			Analyst:       caller,
			Kind:          KindIndividual,
			CreatedAt:     e.Now().Unix(),
			MatchCount:    matchCount,
			Touched:       exposed,
			Skipped:       skipped,
			KAnonymityMet: kMet,
			State:         Completed,
		}
		if err := tx.Put(queryBucket, qid, q); err != nil {
			return err
		}
		if e.distributor != nil {
			if err := e.distributor.Distribute(tx, exposed, caller, fee); err != nil {
				return xerrors.Errorf("distributing payment: %v", err)
			}
		}
		if e.jrnl != nil {
			msg := fmt.Sprintf("id=%s matches=%d k-anonymity=%v fee=%d",
				qid, matchCount, kMet, fee.Value)
			if err := e.jrnl.Append(tx, "individual-query", msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Lvlf2("individual query %s done", qid)
	return qid, nil
}

func (e *Engine) getQuery(tx state.Tx, caller identity.ID, qid ID) (*Query, error) {
	var q Query
	if err := tx.Get(queryBucket, qid, &q); err != nil {
		if xerrors.Is(err, state.ErrKeyNotSet) {
			return nil, ErrUnknownQuery
		}
		return nil, err
	}
	if !q.Analyst.Equal(caller) {
		return nil, ErrNotAnalyst
	}
	return &q, nil
}

// Get returns a stored query. Only the issuing analyst may read it.
func (e *Engine) Get(caller identity.ID, qid ID) (*Query, error) {
	var q *Query
	err := e.db.View(func(tx state.Tx) error {
		var err error
		q, err = e.getQuery(tx, caller, qid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// RequestDecryption marks the accumulators of an aggregate query as
// publicly decryptable and moves the query to Requested. Only the issuing
// analyst, only once, only before completion. There is no timeout: the
// out-of-core channel may take arbitrarily long.
func (e *Engine) RequestDecryption(caller identity.ID, qid ID) error {
	return e.db.Update(func(tx state.Tx) error {
		q, err := e.getQuery(tx, caller, qid)
		if err != nil {
			return err
		}
		if q.Kind == KindIndividual {
			return ErrNotAggregate
		}
		switch q.State {
		case Requested:
			return ErrAlreadyReq
		case Completed:
			return ErrAlreadyDone
		}
		if err := e.eng.AllowPublicDecryption(q.EncSum); err != nil {
			return err
		}
		if err := e.eng.AllowPublicDecryption(q.EncCount); err != nil {
			return err
		}
		q.State = Requested
		return tx.Put(queryBucket, qid, q)
	})
}

// SubmitDecryptedResult stores the plaintext accumulators delivered by the
// out-of-core decryption channel. The proof is the concatenation of the
// sum- and count-decryption proofs, each 32 bytes.
func (e *Engine) SubmitDecryptedResult(caller identity.ID, qid ID,
	plainSum, plainCount uint64, proof []byte) error {
	if len(proof) != 64 {
		return xerrors.New("expected a 64-byte decryption proof")
	}
	err := e.db.Update(func(tx state.Tx) error {
		q, err := e.getQuery(tx, caller, qid)
		if err != nil {
			return err
		}
		if q.Kind == KindIndividual {
			return ErrNotAggregate
		}
		switch q.State {
		case NotRequested:
			return ErrNotRequested
		case Completed:
			return ErrAlreadyDone
		}
		if err := e.eng.VerifyDecryption(q.EncSum, plainSum, proof[:32]); err != nil {
			return xerrors.Errorf("sum: %v", err)
		}
		if err := e.eng.VerifyDecryption(q.EncCount, plainCount, proof[32:]); err != nil {
			return xerrors.Errorf("count: %v", err)
		}
		q.PlainSum = plainSum
		q.PlainCount = plainCount
		q.State = Completed
		return tx.Put(queryBucket, qid, q)
	})
	if err != nil {
		return err
	}
	log.Lvlf2("query %s completed", qid)
	return nil
}

// Result returns the decrypted outcome of an aggregate query. Before
// completion it returns Ready=false with zeroed fields. A zero count yields
// an average of zero, not an error.
func (e *Engine) Result(caller identity.ID, qid ID) (Result, error) {
	q, err := e.Get(caller, qid)
	if err != nil {
		return Result{}, err
	}
	if q.Kind == KindIndividual {
		return Result{}, ErrNotAggregate
	}
	if q.State != Completed {
		return Result{}, nil
	}
	res := Result{Sum: q.PlainSum, Count: q.PlainCount, Ready: true}
	if res.Count > 0 {
		res.Average = res.Sum / res.Count
	}
	return res, nil
}
