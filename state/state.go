// Package state wraps the bbolt database shared by the medchain engines.
// Every public engine operation runs inside a single Update transaction, so
// it either fully commits or fully aborts with no partial effect.
package state

import (
	"encoding/binary"
	"time"

	"go.dedis.ch/protobuf"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

const dbVersion = 1

var metaBucket = []byte("medchain_meta")
var versionKey = []byte("version")

// ErrKeyNotSet is returned when a key has no value in its bucket.
var ErrKeyNotSet = xerrors.New("key not set")

// DB is a handle to the durable store.
type DB struct {
	bolt *bolt.DB
}

// Open opens (or creates) the database at path and makes sure the layout
// version is the one this code understands.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening db: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		buf := b.Get(versionKey)
		if buf == nil {
			verBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(verBuf, dbVersion)
			return b.Put(versionKey, verBuf)
		}
		if ver := binary.LittleEndian.Uint32(buf); ver != dbVersion {
			return xerrors.Errorf("db has version %d, expected %d", ver, dbVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{bolt: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Update runs fn in a read-write transaction. If fn returns an error the
// whole transaction is rolled back.
func (d *DB) Update(fn func(tx Tx) error) error {
	return d.bolt.Update(func(btx *bolt.Tx) error {
		return fn(Tx{btx: btx, writable: true})
	})
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx Tx) error) error {
	return d.bolt.View(func(btx *bolt.Tx) error {
		return fn(Tx{btx: btx})
	})
}

// Tx gives bucket-scoped access to the store with protobuf-encoded values.
type Tx struct {
	btx      *bolt.Tx
	writable bool
}

// Get decodes the value at key in bucket into msg. It returns ErrKeyNotSet
// if the bucket or the key does not exist.
func (t Tx) Get(bucket, key []byte, msg interface{}) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return ErrKeyNotSet
	}
	buf := b.Get(key)
	if buf == nil {
		return ErrKeyNotSet
	}
	if err := protobuf.Decode(buf, msg); err != nil {
		return xerrors.Errorf("decoding %s/%x: %v", bucket, key, err)
	}
	return nil
}

// Has returns true if key is set in bucket.
func (t Tx) Has(bucket, key []byte) bool {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return false
	}
	return b.Get(key) != nil
}

// Put encodes msg and stores it at key in bucket, creating the bucket if
// needed.
func (t Tx) Put(bucket, key []byte, msg interface{}) error {
	if !t.writable {
		return xerrors.New("put inside a read-only transaction")
	}
	b, err := t.btx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return xerrors.Errorf("creating bucket %s: %v", bucket, err)
	}
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return xerrors.Errorf("encoding %s/%x: %v", bucket, key, err)
	}
	return b.Put(key, buf)
}

// PutRaw stores an already-encoded value.
func (t Tx) PutRaw(bucket, key, value []byte) error {
	if !t.writable {
		return xerrors.New("put inside a read-only transaction")
	}
	b, err := t.btx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return xerrors.Errorf("creating bucket %s: %v", bucket, err)
	}
	return b.Put(key, value)
}

// GetRaw returns the raw value at key, or nil if unset.
func (t Tx) GetRaw(bucket, key []byte) []byte {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

// ForEach walks all key/value pairs of bucket in key order. A missing
// bucket is an empty walk, not an error.
func (t Tx) ForEach(bucket []byte, fn func(k, v []byte) error) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}
