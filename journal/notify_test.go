package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
	"go.dedis.ch/medchain/record"
)

type openAll struct{}

func (openAll) CanSubmit(identity.ID) bool { return true }
func (openAll) CanQuery(identity.ID) bool  { return true }

func TestSubmissionLogger(t *testing.T) {
	db, cleanup := newDB(t)
	defer cleanup()

	j := New(db)
	now := time.Unix(1560000000, 0)
	j.Now = func() time.Time { return now }

	eng := fhe.NewTestEngine()
	self := identity.NewSigner()
	admin := identity.NewSigner()
	store := record.NewStore(db, eng, self.Identity(), openAll{},
		record.DefaultConfig(admin.Identity()), SubmissionLogger{J: j})

	owner := identity.NewSigner()
	vals := [record.NumFields]uint64{
		record.Age:       34,
		record.Sex:       1,
		record.HeightCm:  172,
		record.WeightKg:  68,
		record.Systolic:  120,
		record.Diastolic: 80,
		record.HeartRate: 62,
		record.Glucose:   95,
		record.Condition: 100,
	}
	fields := make([]fhe.Ciphertext, record.NumFields)
	for i, v := range vals {
		ct, err := eng.Encrypt(record.Fields[i].Width, v, owner.Identity())
		require.Nil(t, err)
		fields[i] = ct
	}
	proof, err := owner.Sign(record.SubmitDigest(owner.Identity(), fields))
	require.Nil(t, err)
	id, err := store.Submit(owner.Identity(), fields, proof)
	require.Nil(t, err)

	// The submission entry carries the id and the owner, in the same
	// transaction as the submission itself.
	now = now.Add(time.Second)
	entries, truncated, err := j.Search(0, 0, "submission")
	require.Nil(t, err)
	require.False(t, truncated)
	require.Equal(t, 1, len(entries))
	require.Contains(t, entries[0].Content, id.String())
	require.Contains(t, entries[0].Content, owner.Identity().String())
}
