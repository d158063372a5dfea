package query

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/coin"
	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/journal"
	"go.dedis.ch/medchain/record"
	"go.dedis.ch/medchain/state"
)

type allowAll struct{}

func (allowAll) CanSubmit(identity.ID) bool { return true }
func (allowAll) CanQuery(identity.ID) bool  { return true }

// fakeDistributor records every payment it is asked to deliver.
type fakeDistributor struct {
	payers  []identity.ID
	amounts []uint64
	touched [][]record.ID
}

func (d *fakeDistributor) Distribute(tx state.Tx, contributing []record.ID,
	payer identity.ID, amount coin.Coin) error {
	d.payers = append(d.payers, payer)
	d.amounts = append(d.amounts, amount.Value)
	d.touched = append(d.touched, contributing)
	return nil
}

type env struct {
	dir     string
	db      *state.DB
	eng     *fhe.TestEngine
	store   *record.Store
	engine  *Engine
	dist    *fakeDistributor
	admin   *identity.Signer
	exec    *identity.Signer
	analyst *identity.Signer
	now     time.Time
}

func newEnv(t *testing.T, cfg Config) *env {
	return newEnvEngine(t, cfg, nil)
}

// newEnvEngine lets a test wrap the plaintext engine, for example to make
// access grants fail.
func newEnvEngine(t *testing.T, cfg Config, wrap func(*fhe.TestEngine) fhe.Engine) *env {
	dir, err := ioutil.TempDir("", "medchain-query-test")
	require.Nil(t, err)
	db, err := state.Open(filepath.Join(dir, "test.db"))
	require.Nil(t, err)

	e := &env{
		dir:     dir,
		db:      db,
		eng:     fhe.NewTestEngine(),
		dist:    &fakeDistributor{},
		admin:   identity.NewSigner(),
		exec:    identity.NewSigner(),
		analyst: identity.NewSigner(),
		now:     time.Unix(1560000000, 0),
	}
	var eng fhe.Engine = e.eng
	if wrap != nil {
		eng = wrap(e.eng)
	}
	self := identity.NewSigner()
	e.store = record.NewStore(db, eng, self.Identity(), allowAll{},
		record.DefaultConfig(e.admin.Identity()))
	e.store.Now = func() time.Time { return e.now }
	require.Nil(t, e.store.AllowExecutor(e.admin.Identity(), e.exec.Identity()))

	jrnl := journal.New(db)
	e.engine = NewEngine(e.store, e.exec.Identity(), e.dist, allowAll{}, jrnl, cfg)
	e.engine.Now = func() time.Time { return e.now }
	return e
}

func (e *env) close() {
	e.db.Close()
	os.RemoveAll(e.dir)
}

// submit stores a record for a fresh owner and returns the owner with the
// id. Age, glucose and condition are the fields the queries filter on.
func (e *env) submit(t *testing.T, age, glucose, condition uint64) (*identity.Signer, record.ID) {
	owner := identity.NewSigner()
	vals := [record.NumFields]uint64{
		record.Age:       age,
		record.Sex:       1,
		record.HeightCm:  170,
		record.WeightKg:  70,
		record.Systolic:  120,
		record.Diastolic: 80,
		record.HeartRate: 60,
		record.Glucose:   glucose,
		record.Condition: condition,
	}
	fields := make([]fhe.Ciphertext, record.NumFields)
	for i, v := range vals {
		ct, err := e.eng.Encrypt(record.Fields[i].Width, v, owner.Identity())
		require.Nil(t, err)
		fields[i] = ct
	}
	proof, err := owner.Sign(record.SubmitDigest(owner.Identity(), fields))
	require.Nil(t, err)
	id, err := e.store.Submit(owner.Identity(), fields, proof)
	require.Nil(t, err)
	return owner, id
}

func (e *env) fee(v uint64) coin.Coin {
	return coin.New(v)
}

// completeDecryption walks a query through the two-phase protocol using the
// test engine as the out-of-core channel.
func (e *env) completeDecryption(t *testing.T, qid ID) {
	caller := e.analyst.Identity()
	if err := e.engine.RequestDecryption(caller, qid); err != nil {
		// The caller may already have requested decryption itself.
		require.True(t, xerrors.Is(err, ErrAlreadyReq))
	}
	q, err := e.engine.Get(caller, qid)
	require.Nil(t, err)
	sum, sumProof, err := e.eng.Reveal(q.EncSum)
	require.Nil(t, err)
	count, countProof, err := e.eng.Reveal(q.EncCount)
	require.Nil(t, err)
	proof := append(sumProof, countProof...)
	require.Nil(t, e.engine.SubmitDecryptedResult(caller, qid, sum, count, proof))
}

func TestEngine_ComputeAverage(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	defer e.close()

	e.submit(t, 30, 80, 100)
	e.submit(t, 40, 100, 100)
	e.submit(t, 50, 120, 100)
	e.submit(t, 60, 100, 200)         // other category
	e.submit(t, 70, 500, 100)         // value out of the filter range
	owner, revoked := e.submit(t, 35, 90, 100)
	require.Nil(t, e.store.Revoke(owner.Identity(), revoked))

	qid, err := e.engine.ComputeAverage(e.analyst.Identity(), e.fee(100),
		60, 200, 100, 0, 50)
	require.Nil(t, err)

	// Before completion the result is not ready and zeroed.
	res, err := e.engine.Result(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.False(t, res.Ready)
	require.Equal(t, uint64(0), res.Sum)

	e.completeDecryption(t, qid)

	res, err = e.engine.Result(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.True(t, res.Ready)
	require.Equal(t, uint64(300), res.Sum)
	require.Equal(t, uint64(3), res.Count)
	require.Equal(t, uint64(100), res.Average)

	// The revoked record was never touched.
	q, err := e.engine.Get(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.Equal(t, 5, len(q.Touched))
	for _, id := range q.Touched {
		require.False(t, id.Equal(revoked))
	}
}

func TestEngine_ComputeAverageZeroCount(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	defer e.close()

	e.submit(t, 30, 80, 100)
	qid, err := e.engine.ComputeAverage(e.analyst.Identity(), e.fee(100),
		60, 200, 999, 0, 50)
	require.Nil(t, err)
	e.completeDecryption(t, qid)

	// A zero count yields an average of zero, not an error.
	res, err := e.engine.Result(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.True(t, res.Ready)
	require.Equal(t, uint64(0), res.Count)
	require.Equal(t, uint64(0), res.Average)
}

func TestEngine_Count(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	defer e.close()

	e.submit(t, 30, 80, 100)
	e.submit(t, 40, 150, 100)
	e.submit(t, 50, 200, 100)

	qid, err := e.engine.Count(e.analyst.Identity(), e.fee(100), 100, 120, 0, 50)
	require.Nil(t, err)
	e.completeDecryption(t, qid)

	res, err := e.engine.Result(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.Equal(t, uint64(2), res.Count)
}

func TestEngine_FeeAndRange(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	defer e.close()

	caller := e.analyst.Identity()
	_, err := e.engine.ComputeAverage(caller, e.fee(99), 60, 200, 100, 0, 50)
	require.True(t, xerrors.Is(err, ErrPaymentBelowFee))

	_, err = e.engine.ComputeAverage(caller, e.fee(100), 60, 200, 100, 0, 0)
	require.True(t, xerrors.Is(err, ErrBadRange))
	_, err = e.engine.ComputeAverage(caller, e.fee(100), 60, 200, 100, 0, 51)
	require.True(t, xerrors.Is(err, ErrBatchTooLarge))
	_, err = e.engine.ComputeAverage(caller, e.fee(100), 200, 60, 100, 0, 50)
	require.True(t, xerrors.Is(err, ErrBadRange))

	// The full overpayment is forwarded, no change given.
	e.submit(t, 30, 80, 100)
	_, err = e.engine.ComputeAverage(caller, e.fee(175), 60, 200, 100, 0, 50)
	require.Nil(t, err)
	require.Equal(t, []uint64{175}, e.dist.amounts)
	require.True(t, e.dist.payers[0].Equal(caller))
}

func TestEngine_DecryptionProtocol(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	defer e.close()

	e.submit(t, 30, 80, 100)
	caller := e.analyst.Identity()
	qid, err := e.engine.ComputeAverage(caller, e.fee(100), 60, 200, 100, 0, 50)
	require.Nil(t, err)

	// Only the issuing analyst may touch the query.
	other := identity.NewSigner().Identity()
	require.True(t, xerrors.Is(e.engine.RequestDecryption(other, qid), ErrNotAnalyst))
	_, err = e.engine.Get(other, qid)
	require.True(t, xerrors.Is(err, ErrNotAnalyst))

	// Submitting before requesting is rejected.
	err = e.engine.SubmitDecryptedResult(caller, qid, 0, 0, make([]byte, 64))
	require.True(t, xerrors.Is(err, ErrNotRequested))

	require.Nil(t, e.engine.RequestDecryption(caller, qid))
	require.True(t, xerrors.Is(e.engine.RequestDecryption(caller, qid), ErrAlreadyReq))

	// A wrong plaintext is rejected.
	err = e.engine.SubmitDecryptedResult(caller, qid, 12345, 1, make([]byte, 64))
	require.NotNil(t, err)

	e.completeDecryption(t, qid)

	// A second submission is rejected.
	err = e.engine.SubmitDecryptedResult(caller, qid, 80, 1, make([]byte, 64))
	require.True(t, xerrors.Is(err, ErrAlreadyDone))
}

// denyGrantEngine refuses access grants on a chosen set of ciphertexts.
type denyGrantEngine struct {
	*fhe.TestEngine
	denied map[string]bool
}

func (d *denyGrantEngine) GrantAccess(c fhe.Ciphertext, to identity.ID) error {
	if d.denied[string(c)] {
		return xerrors.New("grant refused")
	}
	return d.TestEngine.GrantAccess(c, to)
}

func TestEngine_AggregateSkipsFailedGrant(t *testing.T) {
	deny := &denyGrantEngine{denied: make(map[string]bool)}
	e := newEnvEngine(t, DefaultConfig(), func(inner *fhe.TestEngine) fhe.Engine {
		deny.TestEngine = inner
		return deny
	})
	defer e.close()

	_, kept := e.submit(t, 30, 80, 100)
	_, blocked := e.submit(t, 40, 100, 100)
	rec, err := e.store.Get(blocked)
	require.Nil(t, err)
	for _, f := range rec.Fields {
		deny.denied[string(f)] = true
	}

	// The record whose grant fails is excluded, the query itself succeeds.
	qid, err := e.engine.ComputeAverage(e.analyst.Identity(), e.fee(100),
		60, 200, 100, 0, 50)
	require.Nil(t, err)

	q, err := e.engine.Get(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.Equal(t, 1, q.Skipped)
	require.Equal(t, 1, len(q.Touched))
	require.True(t, q.Touched[0].Equal(kept))

	// The accumulators only ever saw the granted record.
	e.completeDecryption(t, qid)
	res, err := e.engine.Result(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.Equal(t, uint64(80), res.Sum)
	require.Equal(t, uint64(1), res.Count)

	// And the excluded record is not paid either.
	require.Equal(t, 1, len(e.dist.touched[0]))
	require.True(t, e.dist.touched[0][0].Equal(kept))
}

func TestEngine_IndividualKAnonymity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KThreshold = 3
	e := newEnv(t, cfg)
	defer e.close()

	// Two consenting matches: one below the threshold.
	for i := 0; i < 2; i++ {
		owner, id := e.submit(t, 40, 100, 100)
		require.Nil(t, e.store.SetConsent(owner.Identity(), id, record.ConsentIndividualAllowed))
	}
	// A matching record without individual consent must not count.
	e.submit(t, 40, 100, 100)

	caller := e.analyst.Identity()
	qid, err := e.engine.QueryIndividual(caller, e.fee(200), 100, 30, 50, 10)
	require.Nil(t, err)
	q, err := e.engine.Get(caller, qid)
	require.Nil(t, err)
	require.False(t, q.KAnonymityMet)
	require.Equal(t, 2, q.MatchCount)
	require.Equal(t, 0, len(q.Touched))

	// One more consenting match reaches the threshold exactly.
	owner, id := e.submit(t, 45, 100, 100)
	require.Nil(t, e.store.SetConsent(owner.Identity(), id, record.ConsentIndividualAllowed))

	qid, err = e.engine.QueryIndividual(caller, e.fee(200), 100, 30, 50, 10)
	require.Nil(t, err)
	q, err = e.engine.Get(caller, qid)
	require.Nil(t, err)
	require.True(t, q.KAnonymityMet)
	require.Equal(t, 3, q.MatchCount)
	require.Equal(t, 3, len(q.Touched))
}

func TestEngine_IndividualMaxResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KThreshold = 1
	e := newEnv(t, cfg)
	defer e.close()

	for i := 0; i < 6; i++ {
		owner, id := e.submit(t, 40, 100, 100)
		require.Nil(t, e.store.SetConsent(owner.Identity(), id, record.ConsentIndividualAllowed))
	}

	caller := e.analyst.Identity()
	qid, err := e.engine.QueryIndividual(caller, e.fee(200), 100, 0, 120, 4)
	require.Nil(t, err)
	q, err := e.engine.Get(caller, qid)
	require.Nil(t, err)
	require.True(t, q.KAnonymityMet)
	// The true match count is reported even when fewer ids are exposed.
	require.Equal(t, 6, q.MatchCount)
	require.Equal(t, 4, len(q.Touched))
}

func TestEngine_IndividualExcludesRevoked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KThreshold = 1
	e := newEnv(t, cfg)
	defer e.close()

	owner, id := e.submit(t, 40, 100, 100)
	require.Nil(t, e.store.SetConsent(owner.Identity(), id, record.ConsentIndividualAllowed))
	other, revoked := e.submit(t, 41, 100, 100)
	require.Nil(t, e.store.SetConsent(other.Identity(), revoked, record.ConsentIndividualAllowed))
	require.Nil(t, e.store.Revoke(other.Identity(), revoked))

	qid, err := e.engine.QueryIndividual(e.analyst.Identity(), e.fee(200), 100, 0, 120, 10)
	require.Nil(t, err)
	q, err := e.engine.Get(e.analyst.Identity(), qid)
	require.Nil(t, err)
	require.Equal(t, 1, q.MatchCount)
	require.Equal(t, 1, len(q.Touched))
	require.True(t, q.Touched[0].Equal(id))
}
