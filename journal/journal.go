// Package journal keeps the notification log of the medchain engines. Every
// submission, query and verification event is appended as a topic'd entry
// carrying only identifiers, counters and timestamps - never plaintext
// clinical values. Entries are written in the same transaction as the
// operation that caused them, so a rolled-back operation leaves no trace.
package journal

import (
	"encoding/binary"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/state"
)

var entryBucket = []byte("journal_entries")
var seqBucket = []byte("journal_meta")
var seqKey = []byte("seq")

// This should be a const, but we want to be able to shrink it from tests.
var searchMax = 10000

// Entry is one notification.
type Entry struct {
	// When is the entry timestamp in Unix nanoseconds.
	When int64
	// Topic groups entries, for example "submission" or "query".
	Topic string
	// Content is a short human-readable description.
	Content string
}

// Journal appends and searches entries on a shared database.
type Journal struct {
	db *state.DB

	// Now is the clock, replaceable from tests.
	Now func() time.Time
}

// New returns a journal writing to db.
func New(db *state.DB) *Journal {
	return &Journal{db: db, Now: time.Now}
}

// Append adds an entry inside an already-open transaction.
func (j *Journal) Append(tx state.Tx, topic, content string) error {
	when := j.Now().UnixNano()

	// Entries are keyed by timestamp plus a sequence number, so bbolt's
	// key order is the time order even when two entries share a tick.
	seq := uint32(0)
	if buf := tx.GetRaw(seqBucket, seqKey); buf != nil {
		seq = binary.BigEndian.Uint32(buf) + 1
	}
	seqBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBuf, seq)
	if err := tx.PutRaw(seqBucket, seqKey, seqBuf); err != nil {
		return xerrors.Errorf("storing sequence: %v", err)
	}

	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[:8], uint64(when))
	copy(key[8:], seqBuf)

	log.Lvl3("journal:", topic, content)
	err := tx.Put(entryBucket, key, &Entry{When: when, Topic: topic, Content: content})
	if err != nil {
		return xerrors.Errorf("storing entry: %v", err)
	}
	return nil
}

// Log appends an entry in its own transaction.
func (j *Journal) Log(topic, content string) error {
	return j.db.Update(func(tx state.Tx) error {
		return j.Append(tx, topic, content)
	})
}

// Search returns all entries with from <= When < to matching topic (empty
// topic matches everything), earliest first. The boolean is true when the
// result was truncated; the caller can restart from the last entry's When.
func (j *Journal) Search(from, to int64, topic string) ([]Entry, bool, error) {
	if to == 0 {
		to = j.Now().UnixNano()
	}
	var entries []Entry
	var truncated bool
	err := j.db.View(func(tx state.Tx) error {
		return tx.ForEach(entryBucket, func(k, v []byte) error {
			if truncated {
				return nil
			}
			when := int64(binary.BigEndian.Uint64(k[:8]))
			if when < from || when >= to {
				return nil
			}
			var e Entry
			if err := tx.Get(entryBucket, k, &e); err != nil {
				return err
			}
			if topic != "" && topic != e.Topic {
				return nil
			}
			if len(entries) >= searchMax {
				truncated = true
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return entries, truncated, nil
}
