package record

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"go.dedis.ch/medchain/fhe"
	"go.dedis.ch/medchain/identity"
)

// ID is the 32-byte identifier of a record, derived from the owner identity
// and a per-owner nonce. It never changes after creation.
type ID []byte

// String returns the hex form of the id.
func (id ID) String() string {
	return hex.EncodeToString(id)
}

// Equal returns true if both ids are the same.
func (id ID) Equal(other ID) bool {
	return string(id) == string(other)
}

// deriveID manufactures the id of the n-th record of an owner.
func deriveID(owner identity.ID, nonce uint64) ID {
	h := sha256.New()
	h.Write(owner)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, nonce)
	h.Write(buf)
	return ID(h.Sum(nil))
}

// ConsentLevel controls where a record may appear.
type ConsentLevel int

const (
	// ConsentAggregateOnly allows the record in aggregate results only.
	// It is the default on submission.
	ConsentAggregateOnly ConsentLevel = iota
	// ConsentIndividualAllowed additionally allows the record id to be
	// disclosed by individual-record queries.
	ConsentIndividualAllowed
)

// Valid returns true for one of the two defined levels.
func (c ConsentLevel) Valid() bool {
	return c == ConsentAggregateOnly || c == ConsentIndividualAllowed
}

// FieldIndex names one of the nine clinical fields of a record.
type FieldIndex int

// The clinical fields, in storage order.
const (
	Age FieldIndex = iota
	Sex
	HeightCm
	WeightKg
	Systolic
	Diastolic
	HeartRate
	Glucose
	Condition

	// NumFields is the number of clinical fields per record.
	NumFields
)

// FieldSpec documents the width and clinical range of a field. A field
// outside its range is only accepted when it carries the null sentinel of
// its width (the maximum representable integer - the encryption layer has
// no null representation).
type FieldSpec struct {
	Name  string
	Width fhe.Width
	Min   uint64
	Max   uint64
}

// Sentinel is the null marker of the field.
func (fs FieldSpec) Sentinel() uint64 {
	return fhe.Sentinel(fs.Width)
}

// Fields holds the specs of the nine clinical fields.
var Fields = [NumFields]FieldSpec{
	Age:       {Name: "age", Width: fhe.W8, Min: 0, Max: 120},
	Sex:       {Name: "sex", Width: fhe.W8, Min: 0, Max: 2},
	HeightCm:  {Name: "height_cm", Width: fhe.W16, Min: 50, Max: 250},
	WeightKg:  {Name: "weight_kg", Width: fhe.W16, Min: 2, Max: 500},
	Systolic:  {Name: "systolic", Width: fhe.W16, Min: 60, Max: 250},
	Diastolic: {Name: "diastolic", Width: fhe.W16, Min: 30, Max: 150},
	HeartRate: {Name: "heart_rate", Width: fhe.W16, Min: 20, Max: 250},
	Glucose:   {Name: "glucose", Width: fhe.W32, Min: 40, Max: 600},
	Condition: {Name: "condition", Width: fhe.W32, Min: 0, Max: 9999},
}

// Record is one submitted encrypted record.
type Record struct {
	Owner     identity.ID
	Fields    []fhe.Ciphertext
	Consent   ConsentLevel
	CreatedAt int64
	Active    bool
}

// Field returns the ciphertext of one clinical field.
func (r *Record) Field(i FieldIndex) fhe.Ciphertext {
	return r.Fields[i]
}
