package fhe

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"golang.org/x/xerrors"

	"go.dedis.ch/medchain/identity"
)

// TestEngine is the plaintext stand-in of the homomorphic engine. Values
// live in memory behind random handles; an access-control list per handle
// enforces the same grant-before-read discipline a real engine would.
// It is used by the engine tests and by the local mdadmin deployments.
type TestEngine struct {
	sync.Mutex
	entries map[string]*entry
}

type entry struct {
	value  uint64
	width  Width
	public bool
	acl    map[string]bool
}

// NewTestEngine returns an empty engine.
func NewTestEngine() *TestEngine {
	return &TestEngine{entries: make(map[string]*entry)}
}

// Encrypt plays the role of the client-side encryption: it creates a
// ciphertext of value with decrypt-capability for owner only.
func (e *TestEngine) Encrypt(w Width, value uint64, owner identity.ID) (Ciphertext, error) {
	if value > Sentinel(w) {
		return nil, xerrors.Errorf("value %d does not fit in %d bits", value, w)
	}
	e.Lock()
	defer e.Unlock()
	return e.put(&entry{
		value: value,
		width: w,
		acl:   map[string]bool{string(owner): true},
	}), nil
}

func (e *TestEngine) put(ent *entry) Ciphertext {
	h := make([]byte, 32)
	if _, err := rand.Read(h); err != nil {
		panic("reading random handle: " + err.Error())
	}
	if ent.acl == nil {
		ent.acl = make(map[string]bool)
	}
	e.entries[string(h)] = ent
	return Ciphertext(h)
}

func (e *TestEngine) get(c Ciphertext) (*entry, error) {
	ent, ok := e.entries[string(c)]
	if !ok {
		return nil, xerrors.New("unknown ciphertext handle")
	}
	return ent, nil
}

// derive builds the result entry of an operation: a principal may read the
// result only if it could read every operand.
func derive(value uint64, w Width, ops ...*entry) *entry {
	res := &entry{value: value, width: w, public: true, acl: make(map[string]bool)}
	for _, op := range ops {
		if op.public {
			continue
		}
		if res.public {
			// First secret operand seeds the ACL.
			res.public = false
			for id := range op.acl {
				res.acl[id] = true
			}
			continue
		}
		for id := range res.acl {
			if !op.acl[id] {
				delete(res.acl, id)
			}
		}
	}
	return res
}

// Const implements Engine.
func (e *TestEngine) Const(w Width, v uint64) (Ciphertext, error) {
	if v > Sentinel(w) {
		return nil, xerrors.Errorf("constant %d does not fit in %d bits", v, w)
	}
	e.Lock()
	defer e.Unlock()
	return e.put(&entry{value: v, width: w, public: true}), nil
}

func (e *TestEngine) binOp(a, b Ciphertext, sameWidth bool) (*entry, *entry, error) {
	ea, err := e.get(a)
	if err != nil {
		return nil, nil, err
	}
	eb, err := e.get(b)
	if err != nil {
		return nil, nil, err
	}
	if sameWidth && ea.width != eb.width {
		return nil, nil, xerrors.Errorf("width mismatch: %d vs %d", ea.width, eb.width)
	}
	return ea, eb, nil
}

// Add implements Engine.
func (e *TestEngine) Add(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	sum := (ea.value + eb.value) & Sentinel(ea.width)
	return e.put(derive(sum, ea.width, ea, eb)), nil
}

func boolVal(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Eq implements Engine.
func (e *TestEngine) Eq(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	return e.put(derive(boolVal(ea.value == eb.value), WBool, ea, eb)), nil
}

// Ge implements Engine.
func (e *TestEngine) Ge(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	return e.put(derive(boolVal(ea.value >= eb.value), WBool, ea, eb)), nil
}

// Le implements Engine.
func (e *TestEngine) Le(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	return e.put(derive(boolVal(ea.value <= eb.value), WBool, ea, eb)), nil
}

// And implements Engine.
func (e *TestEngine) And(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	return e.put(derive(boolVal(ea.value != 0 && eb.value != 0), WBool, ea, eb)), nil
}

// Or implements Engine.
func (e *TestEngine) Or(a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	return e.put(derive(boolVal(ea.value != 0 || eb.value != 0), WBool, ea, eb)), nil
}

// Select implements Engine.
func (e *TestEngine) Select(cond, a, b Ciphertext) (Ciphertext, error) {
	e.Lock()
	defer e.Unlock()
	ec, err := e.get(cond)
	if err != nil {
		return nil, err
	}
	if ec.width != WBool {
		return nil, xerrors.New("select condition must be an encrypted boolean")
	}
	ea, eb, err := e.binOp(a, b, true)
	if err != nil {
		return nil, err
	}
	v := eb.value
	if ec.value != 0 {
		v = ea.value
	}
	return e.put(derive(v, ea.width, ec, ea, eb)), nil
}

// Require implements Engine.
func (e *TestEngine) Require(cond Ciphertext) error {
	e.Lock()
	defer e.Unlock()
	ec, err := e.get(cond)
	if err != nil {
		return err
	}
	if ec.width != WBool {
		return xerrors.New("requirement must be an encrypted boolean")
	}
	if ec.value == 0 {
		return ErrRequireFailed
	}
	return nil
}

// GrantAccess implements Engine.
func (e *TestEngine) GrantAccess(c Ciphertext, to identity.ID) error {
	e.Lock()
	defer e.Unlock()
	ent, err := e.get(c)
	if err != nil {
		return err
	}
	ent.acl[string(to)] = true
	return nil
}

func (ent *entry) readableBy(id identity.ID) bool {
	return ent.public || ent.acl[string(id)]
}

// DecryptBool implements Engine.
func (e *TestEngine) DecryptBool(caller identity.ID, cond Ciphertext) (bool, error) {
	e.Lock()
	defer e.Unlock()
	ec, err := e.get(cond)
	if err != nil {
		return false, err
	}
	if ec.width != WBool {
		return false, xerrors.New("not an encrypted boolean")
	}
	if !ec.readableBy(caller) {
		return false, ErrNoAccess
	}
	return ec.value != 0, nil
}

// AllowPublicDecryption implements Engine.
func (e *TestEngine) AllowPublicDecryption(c Ciphertext) error {
	e.Lock()
	defer e.Unlock()
	ent, err := e.get(c)
	if err != nil {
		return err
	}
	ent.public = true
	return nil
}

// VerifyDecryption implements Engine.
func (e *TestEngine) VerifyDecryption(c Ciphertext, plain uint64, proof []byte) error {
	e.Lock()
	defer e.Unlock()
	ent, err := e.get(c)
	if err != nil {
		return err
	}
	if !ent.public {
		return xerrors.New("ciphertext is not publicly decryptable")
	}
	if ent.value != plain {
		return xerrors.New("plaintext does not match ciphertext")
	}
	if want := decryptionProof(c, plain); string(proof) != string(want) {
		return xerrors.New("invalid decryption proof")
	}
	return nil
}

// Reveal plays the role of the out-of-core decryption channel in tests: it
// returns the plaintext of a publicly decryptable ciphertext together with
// the proof accepted by VerifyDecryption.
func (e *TestEngine) Reveal(c Ciphertext) (uint64, []byte, error) {
	e.Lock()
	defer e.Unlock()
	ent, err := e.get(c)
	if err != nil {
		return 0, nil, err
	}
	if !ent.public {
		return 0, nil, xerrors.New("ciphertext is not publicly decryptable")
	}
	return ent.value, decryptionProof(c, ent.value), nil
}

// Value returns the plaintext of a ciphertext the caller may read. Test
// helper, not part of Engine.
func (e *TestEngine) Value(caller identity.ID, c Ciphertext) (uint64, error) {
	e.Lock()
	defer e.Unlock()
	ent, err := e.get(c)
	if err != nil {
		return 0, err
	}
	if !ent.readableBy(caller) {
		return 0, ErrNoAccess
	}
	return ent.value, nil
}

func decryptionProof(c Ciphertext, plain uint64) []byte {
	h := sha256.New()
	h.Write(c)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, plain)
	h.Write(buf)
	return h.Sum(nil)
}
