package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// maxDerivedKeys bounds a single DeriveKeys call.
const maxDerivedKeys = 8

type entry struct {
	mu         sync.Mutex
	alg        Algorithm
	private    []byte
	public     []byte
	persistent bool
	deleted    bool
}

func (e *entry) wipe() {
	for i := range e.private {
		e.private[i] = 0
	}
	e.private = nil
	e.deleted = true
}

// Software is an in-memory Vault.
//
// The handle table is guarded by a RWMutex; each key carries its own mutex, so
// operations on one handle are serialized while unrelated handles proceed in parallel.
type Software struct {
	suite noise.CipherSuite
	rand  io.Reader

	mu   sync.RWMutex
	keys map[KeyHandle]*entry
}

var _ Vault = (*Software)(nil)

// NewSoftware creates an empty software vault backed by crypto/rand.
func NewSoftware() *Software {
	return NewSoftwareWithRand(rand.Reader)
}

// NewSoftwareWithRand creates a vault that draws all randomness from r.
func NewSoftwareWithRand(r io.Reader) *Software {
	return &Software{
		suite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		rand:  r,
		keys:  make(map[KeyHandle]*entry),
	}
}

// Random reads n bytes from the vault's entropy source.
func (v *Software) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(v.rand, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return b, nil
}

func (v *Software) newHandle(alg Algorithm) (KeyHandle, error) {
	id, err := v.Random(16)
	if err != nil {
		return "", err
	}
	return KeyHandle(string(alg) + "-" + hex.EncodeToString(id)), nil
}

func (v *Software) store(e *entry) (KeyHandle, error) {
	h, err := v.newHandle(e.alg)
	if err != nil {
		e.wipe()
		return "", err
	}
	v.mu.Lock()
	v.keys[h] = e
	v.mu.Unlock()
	return h, nil
}

func (v *Software) generate(alg Algorithm) (*entry, error) {
	switch alg {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(v.rand)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		return &entry{alg: alg, private: priv, public: pub}, nil
	case X25519:
		kp, err := v.suite.GenerateKeypair(v.rand)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		return &entry{alg: alg, private: kp.Private, public: kp.Public}, nil
	case Secret:
		b, err := v.Random(SecretSize)
		if err != nil {
			return nil, err
		}
		return &entry{alg: alg, private: b}, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func (v *Software) Generate(alg Algorithm) (KeyHandle, error) {
	e, err := v.generate(alg)
	if err != nil {
		return "", err
	}
	return v.store(e)
}

// GeneratePersistent is Generate for keys that Export includes.
func (v *Software) GeneratePersistent(alg Algorithm) (KeyHandle, error) {
	e, err := v.generate(alg)
	if err != nil {
		return "", err
	}
	e.persistent = true
	return v.store(e)
}

func newEntry(alg Algorithm, raw []byte) (*entry, error) {
	switch alg {
	case Ed25519:
		var priv ed25519.PrivateKey
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = append(ed25519.PrivateKey(nil), raw...)
		default:
			return nil, ErrInvalidKey
		}
		pub := priv.Public().(ed25519.PublicKey)
		return &entry{alg: alg, private: priv, public: pub}, nil
	case X25519:
		if len(raw) != curve25519.ScalarSize {
			return nil, ErrInvalidKey
		}
		priv := append([]byte(nil), raw...)
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, ErrInvalidKey
		}
		return &entry{alg: alg, private: priv, public: pub}, nil
	case Secret:
		if len(raw) != SecretSize {
			return nil, ErrInvalidKey
		}
		return &entry{alg: alg, private: append([]byte(nil), raw...)}, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// ImportSecret stores raw key material under a new handle. raw is copied.
func (v *Software) ImportSecret(alg Algorithm, raw []byte) (KeyHandle, error) {
	e, err := newEntry(alg, raw)
	if err != nil {
		return "", err
	}
	return v.store(e)
}

// with runs fn while holding the key's own lock.
func (v *Software) with(h KeyHandle, fn func(e *entry) error) error {
	v.mu.RLock()
	e, ok := v.keys[h]
	v.mu.RUnlock()
	if !ok {
		return ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrKeyNotFound
	}
	return fn(e)
}

// secret returns a copy of a Secret's bytes. The caller must zero it.
func (v *Software) secret(h KeyHandle) ([]byte, error) {
	var out []byte
	err := v.with(h, func(e *entry) error {
		if e.alg != Secret {
			return ErrUnsupportedAlgorithm
		}
		out = append([]byte(nil), e.private...)
		return nil
	})
	return out, err
}

func (v *Software) Algorithm(h KeyHandle) (Algorithm, error) {
	var alg Algorithm
	err := v.with(h, func(e *entry) error {
		alg = e.alg
		return nil
	})
	return alg, err
}

func (v *Software) PublicKey(h KeyHandle) ([]byte, error) {
	var pub []byte
	err := v.with(h, func(e *entry) error {
		if e.public == nil {
			return ErrUnsupportedAlgorithm
		}
		pub = append([]byte(nil), e.public...)
		return nil
	})
	return pub, err
}

func (v *Software) Sign(h KeyHandle, message []byte) ([]byte, error) {
	var sig []byte
	err := v.with(h, func(e *entry) error {
		if e.alg != Ed25519 {
			return ErrUnsupportedAlgorithm
		}
		sig = ed25519.Sign(ed25519.PrivateKey(e.private), message)
		return nil
	})
	return sig, err
}

func (v *Software) Verify(alg Algorithm, publicKey, message, signature []byte) (bool, error) {
	if alg != Ed25519 {
		return false, ErrUnsupportedAlgorithm
	}
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}

// DH stores the X25519 shared secret as a new Secret handle. All-zero and
// low-order peer keys fail with ErrInvalidKey.
func (v *Software) DH(h KeyHandle, peerPublic []byte) (KeyHandle, error) {
	if len(peerPublic) != curve25519.PointSize {
		return "", ErrInvalidKey
	}
	var identity [curve25519.PointSize]byte
	if string(peerPublic) == string(identity[:]) {
		return "", ErrInvalidKey
	}
	var shared []byte
	err := v.with(h, func(e *entry) error {
		if e.alg != X25519 {
			return ErrUnsupportedAlgorithm
		}
		out, err := v.suite.DH(e.private, peerPublic)
		if err != nil {
			// low-order point
			return ErrInvalidKey
		}
		shared = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return v.store(&entry{alg: Secret, private: shared})
}

func (v *Software) DeriveKeys(salt, ikm KeyHandle, info []byte, n int) ([]KeyHandle, error) {
	if n <= 0 || n > maxDerivedKeys {
		return nil, fmt.Errorf("vault: cannot derive %d keys", n)
	}
	saltBytes, err := v.secret(salt)
	if err != nil {
		return nil, err
	}
	defer zero(saltBytes)
	var ikmBytes []byte
	if ikm != "" {
		ikmBytes, err = v.secret(ikm)
		if err != nil {
			return nil, err
		}
		defer zero(ikmBytes)
	}

	okm := make([]byte, n*SecretSize)
	defer zero(okm)
	if _, err := io.ReadFull(hkdf.New(v.suite.Hash, ikmBytes, saltBytes, info), okm); err != nil {
		return nil, err
	}

	out := make([]KeyHandle, 0, n)
	for i := 0; i < n; i++ {
		k := append([]byte(nil), okm[i*SecretSize:(i+1)*SecretSize]...)
		h, err := v.store(&entry{alg: Secret, private: k})
		if err != nil {
			for _, prev := range out {
				_ = v.Delete(prev)
			}
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (v *Software) cipher(key KeyHandle) (noise.Cipher, error) {
	var k [SecretSize]byte
	err := v.with(key, func(e *entry) error {
		if e.alg != Secret {
			return ErrUnsupportedAlgorithm
		}
		copy(k[:], e.private)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := v.suite.Cipher(k)
	zero(k[:])
	return c, nil
}

func (v *Software) Encrypt(key KeyHandle, nonce uint64, ad, plaintext []byte) ([]byte, error) {
	c, err := v.cipher(key)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(nil, nonce, ad, plaintext), nil
}

func (v *Software) Decrypt(key KeyHandle, nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	c, err := v.cipher(key)
	if err != nil {
		return nil, err
	}
	pt, err := c.Decrypt(nil, nonce, ad, ciphertext)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Delete zeroes the key and forgets the handle.
func (v *Software) Delete(h KeyHandle) error {
	v.mu.Lock()
	e, ok := v.keys[h]
	delete(v.keys, h)
	v.mu.Unlock()
	if !ok {
		return ErrKeyNotFound
	}
	e.mu.Lock()
	e.wipe()
	e.mu.Unlock()
	return nil
}

// Len returns the number of live handles.
func (v *Software) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
