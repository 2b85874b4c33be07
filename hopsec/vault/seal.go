package vault

import (
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion    = 1
	sealSaltSize   = 16
	sealKDF        = "argon2id"
	sealKDFTime    = 2
	sealKDFMemory  = 64 * 1024
	sealKDFThreads = 1
)

// ErrSealInvalid reports an export blob that is malformed or sealed with unknown parameters.
var ErrSealInvalid = errors.New("vault: sealed export is invalid")

type sealed struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type exportedKey struct {
	Handle    KeyHandle `json:"handle"`
	Algorithm Algorithm `json:"alg"`
	Private   []byte    `json:"private"`
}

// Export seals every persistent key under a passphrase. Ephemeral keys are skipped.
func (v *Software) Export(passphrase string) ([]byte, error) {
	v.mu.RLock()
	handles := make([]KeyHandle, 0, len(v.keys))
	for h, e := range v.keys {
		if e.persistent {
			handles = append(handles, h)
		}
	}
	v.mu.RUnlock()

	keys := make([]exportedKey, 0, len(handles))
	defer func() {
		for _, k := range keys {
			zero(k.Private)
		}
	}()
	for _, h := range handles {
		err := v.with(h, func(e *entry) error {
			keys = append(keys, exportedKey{Handle: h, Algorithm: e.alg, Private: append([]byte(nil), e.private...)})
			return nil
		})
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	defer zero(plaintext)

	salt, err := v.Random(sealSaltSize)
	if err != nil {
		return nil, err
	}
	nonce, err := v.Random(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, sealKDFTime, sealKDFMemory, sealKDFThreads, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return json.Marshal(sealed{
		Version:     sealVersion,
		KDF:         sealKDF,
		KDFTime:     sealKDFTime,
		KDFMemoryKB: sealKDFMemory,
		KDFThreads:  sealKDFThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	})
}

// Import opens a blob produced by Export and restores its keys under their original handles.
// A wrong passphrase yields ErrAuthentication.
func (v *Software) Import(passphrase string, blob []byte) error {
	var s sealed
	if err := json.Unmarshal(blob, &s); err != nil {
		return ErrSealInvalid
	}
	if s.Version != sealVersion || s.KDF != sealKDF || len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return ErrSealInvalid
	}
	// Only blobs sealed with this build's argon2 cost are accepted.
	if s.KDFTime != sealKDFTime || s.KDFMemoryKB != sealKDFMemory || s.KDFThreads != sealKDFThreads ||
		len(s.Salt) != sealSaltSize {
		return ErrSealInvalid
	}
	key := argon2.IDKey([]byte(passphrase), s.Salt, sealKDFTime, sealKDFMemory, sealKDFThreads, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return ErrAuthentication
	}
	defer zero(plaintext)

	var keys []exportedKey
	if err := json.Unmarshal(plaintext, &keys); err != nil {
		return ErrSealInvalid
	}
	entries := make(map[KeyHandle]*entry, len(keys))
	for _, k := range keys {
		e, err := newEntry(k.Algorithm, k.Private)
		zero(k.Private)
		if err != nil {
			return err
		}
		e.persistent = true
		entries[k.Handle] = e
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for h, e := range entries {
		if old, ok := v.keys[h]; ok {
			old.mu.Lock()
			old.wipe()
			old.mu.Unlock()
		}
		v.keys[h] = e
	}
	return nil
}
