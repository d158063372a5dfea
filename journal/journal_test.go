package journal

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.dedis.ch/medchain/state"
)

func newDB(t *testing.T) (*state.DB, func()) {
	dir, err := ioutil.TempDir("", "medchain-journal-test")
	require.Nil(t, err)
	db, err := state.Open(filepath.Join(dir, "test.db"))
	require.Nil(t, err)
	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func TestJournal_LogAndSearch(t *testing.T) {
	db, cleanup := newDB(t)
	defer cleanup()

	j := New(db)
	now := time.Unix(1560000000, 0)
	j.Now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		topic := "submission"
		if i%2 == 1 {
			topic = "flag"
		}
		require.Nil(t, j.Log(topic, fmt.Sprintf("entry %d", i)))
		now = now.Add(time.Second)
	}

	all, truncated, err := j.Search(0, 0, "")
	require.Nil(t, err)
	require.False(t, truncated)
	require.Equal(t, 5, len(all))
	// Entries come back in time order.
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].When <= all[i].When)
	}

	subs, _, err := j.Search(0, 0, "submission")
	require.Nil(t, err)
	require.Equal(t, 3, len(subs))

	// The time range is half-open.
	from := all[1].When
	to := all[3].When
	window, _, err := j.Search(from, to, "")
	require.Nil(t, err)
	require.Equal(t, 2, len(window))
}

func TestJournal_Truncation(t *testing.T) {
	db, cleanup := newDB(t)
	defer cleanup()

	defer func(old int) { searchMax = old }(searchMax)
	searchMax = 3

	j := New(db)
	now := time.Unix(1560000000, 0)
	j.Now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		require.Nil(t, j.Log("submission", "x"))
		now = now.Add(time.Second)
	}

	entries, truncated, err := j.Search(0, 0, "")
	require.Nil(t, err)
	require.True(t, truncated)
	require.Equal(t, 3, len(entries))
}

func TestJournal_SameTick(t *testing.T) {
	db, cleanup := newDB(t)
	defer cleanup()

	j := New(db)
	now := time.Unix(1560000000, 0)
	j.Now = func() time.Time { return now }

	// Two entries in the same tick must both survive.
	require.Nil(t, j.Log("submission", "a"))
	require.Nil(t, j.Log("submission", "b"))
	now = now.Add(time.Second)

	entries, _, err := j.Search(0, 0, "")
	require.Nil(t, err)
	require.Equal(t, 2, len(entries))
}
