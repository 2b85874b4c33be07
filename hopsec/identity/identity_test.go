package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/TheusHen/hopsec/hopsec/vault"
)

func newRotated(t *testing.T, rotations int) (*Local, vault.Vault) {
	t.Helper()
	v := vault.NewSoftware()
	l, err := Create(v)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < rotations; i++ {
		if _, err := l.RotateKey(); err != nil {
			t.Fatalf("RotateKey %d: %v", i, err)
		}
	}
	return l, v
}

func TestIdentifierDerivationStable(t *testing.T) {
	l, v := newRotated(t, 0)
	pub, _ := v.PublicKey(l.Key())

	id := l.ID()
	if id != IdentifierFromPublicKey(pub) {
		t.Fatalf("identifier is not the hash of the genesis key")
	}
	parsed, err := ParseIdentifier(id.String())
	if err != nil {
		t.Fatalf("ParseIdentifier: %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseIdentifier mismatch")
	}
	if id.String()[0] != 'I' {
		t.Fatalf("identifier should start with I, got %s", id)
	}
	for _, bad := range []string{"", "I", "X" + id.String()[1:], "I0OIl"} {
		if _, err := ParseIdentifier(bad); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("ParseIdentifier(%q): expected ErrInvalidIdentifier, got %v", bad, err)
		}
	}
}

func TestRotationKeepsIdentifier(t *testing.T) {
	l, _ := newRotated(t, 0)
	id := l.ID()
	genesisKey := l.Identity().CurrentKey()

	if _, err := l.RotateKey(); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	ident := l.Identity()
	if ident.ID() != id {
		t.Fatalf("identifier changed after rotation")
	}
	if ident.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", ident.Len())
	}
	k0, _ := ident.KeyAt(0)
	if !bytes.Equal(k0, genesisKey) {
		t.Fatalf("KeyAt(0) should be the genesis key")
	}
	if bytes.Equal(ident.CurrentKey(), genesisKey) {
		t.Fatalf("current key should differ after rotation")
	}
	if _, err := ident.KeyAt(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestRotateWithStaleKey(t *testing.T) {
	l, v := newRotated(t, 0)
	genesis := l.Key()
	if _, err := l.RotateKey(); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	next, _ := v.GeneratePersistent(vault.Ed25519)
	if err := l.Rotate(genesis, next); !errors.Is(err, ErrStaleKey) {
		t.Fatalf("expected ErrStaleKey, got %v", err)
	}
	if l.Identity().Len() != 2 {
		t.Fatalf("stale rotation must not extend the history")
	}
	x, _ := v.Generate(vault.X25519)
	if err := l.Rotate(l.Key(), x); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey for x25519 next key, got %v", err)
	}
}

func TestVerifyDetectsAnySingleCorruptSignature(t *testing.T) {
	l, _ := newRotated(t, 3)
	history := l.Identity().History()
	if _, err := history.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	for i := range history {
		for _, bit := range []int{0, 100, 511} {
			h := l.Identity().History()
			h[i].Signature[bit/8] ^= 1 << (bit % 8)
			if _, err := h.Verify(); err == nil {
				t.Fatalf("corrupt signature at entry %d bit %d verified", i, bit)
			}
		}
	}
}

func TestVerifyRejectsBrokenChains(t *testing.T) {
	l, _ := newRotated(t, 2)

	h := l.Identity().History()
	h[2].PreviousHash[0] ^= 0xff
	if _, err := h.Verify(); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for bad previous hash, got %v", err)
	}

	h = l.Identity().History()
	h[1], h[2] = h[2], h[1]
	if _, err := h.Verify(); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain for reordered entries, got %v", err)
	}

	// An entry signed by its own key instead of its predecessor's.
	other, ov := newRotated(t, 0)
	h = l.Identity().History()
	forged := h[1]
	forged.PublicKey = other.Identity().CurrentKey()
	sig, _ := ov.Sign(other.Key(), forged.SigningBytes())
	forged.Signature = sig
	h[1] = forged
	if _, err := h[:2].Verify(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	if _, err := (ChangeHistory{}).Verify(); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("expected ErrEmptyHistory, got %v", err)
	}
}

func TestExportImport(t *testing.T) {
	l, _ := newRotated(t, 2)
	data, err := l.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	ident, err := Import(data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !ident.Equal(l.Identity()) {
		t.Fatalf("imported identity differs")
	}

	other, _ := newRotated(t, 0)
	otherData, _ := other.Export()
	tampered := bytes.Replace(otherData, []byte(other.ID().String()), []byte(l.ID().String()), 1)
	if _, err := Import(tampered); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier for mismatched identifier, got %v", err)
	}
	if _, err := Import([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExtends(t *testing.T) {
	l, _ := newRotated(t, 0)
	before := l.Identity()
	if _, err := l.RotateKey(); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	after := l.Identity()

	if !after.Extends(before) {
		t.Fatalf("rotated identity should extend its past")
	}
	if before.Extends(after) {
		t.Fatalf("shorter history cannot extend a longer one")
	}
	if !before.Extends(before) {
		t.Fatalf("identity should extend itself")
	}

	other, _ := newRotated(t, 1)
	if after.Extends(other.Identity()) {
		t.Fatalf("unrelated identities must not extend each other")
	}
}

func TestLoadChecksCurrentKey(t *testing.T) {
	l, v := newRotated(t, 1)
	data, _ := l.Export()

	loaded, err := Load(v, data, l.Key())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID() != l.ID() {
		t.Fatalf("loaded identifier differs")
	}
	stale, _ := v.GeneratePersistent(vault.Ed25519)
	if _, err := Load(v, data, stale); !errors.Is(err, ErrStaleKey) {
		t.Fatalf("expected ErrStaleKey, got %v", err)
	}
}

func TestSignUsesCurrentKey(t *testing.T) {
	l, _ := newRotated(t, 1)
	msg := []byte("proof")
	sig, index, err := l.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected key index 1, got %d", index)
	}
	ident := l.Identity()
	if !ident.VerifySignature(1, msg, sig) {
		t.Fatalf("signature should verify under the current key")
	}
	if ident.VerifySignature(0, msg, sig) {
		t.Fatalf("signature should not verify under the genesis key")
	}
}
