package vault

import "errors"

var (
	ErrUnsupportedAlgorithm = errors.New("vault: unsupported algorithm")
	ErrKeyNotFound          = errors.New("vault: key not found")
	ErrAuthentication       = errors.New("vault: authentication failed")
	ErrEntropyUnavailable   = errors.New("vault: entropy unavailable")
	ErrInvalidKey           = errors.New("vault: invalid key material")
)

// Algorithm names the kind of key a handle refers to.
type Algorithm string

const (
	Ed25519 Algorithm = "ed25519"
	X25519  Algorithm = "x25519"
	// Secret is a 32-byte symmetric secret. It can be used as HKDF salt or input
	// and as a ChaCha20-Poly1305 key.
	Secret Algorithm = "secret"
)

// SecretSize is the size of every symmetric secret held by the vault.
const SecretSize = 32

// KeyHandle is an opaque reference to a key held by a Vault.
type KeyHandle string

// Vault performs private-key operations on behalf of its callers.
// Implementations must be safe for concurrent use.
type Vault interface {
	// Generate creates an ephemeral key. Ephemeral keys are never exported.
	Generate(alg Algorithm) (KeyHandle, error)
	// GeneratePersistent creates a key that is included in exports.
	GeneratePersistent(alg Algorithm) (KeyHandle, error)
	// ImportSecret stores raw key material and returns its handle.
	ImportSecret(alg Algorithm, raw []byte) (KeyHandle, error)
	// Algorithm reports the algorithm of a handle.
	Algorithm(h KeyHandle) (Algorithm, error)

	PublicKey(h KeyHandle) ([]byte, error)
	Sign(h KeyHandle, message []byte) ([]byte, error)
	Verify(alg Algorithm, publicKey, message, signature []byte) (bool, error)

	// DH computes an X25519 shared secret and returns it as a Secret handle.
	DH(h KeyHandle, peerPublic []byte) (KeyHandle, error)
	// DeriveKeys runs HKDF with the salt and ikm secrets and returns n new Secret handles.
	// An empty ikm handle means a zero-length input key.
	DeriveKeys(salt, ikm KeyHandle, info []byte, n int) ([]KeyHandle, error)

	Encrypt(key KeyHandle, nonce uint64, ad, plaintext []byte) ([]byte, error)
	Decrypt(key KeyHandle, nonce uint64, ad, ciphertext []byte) ([]byte, error)

	// Delete destroys the key. Deleting an unknown handle returns ErrKeyNotFound.
	Delete(h KeyHandle) error
	Random(n int) ([]byte, error)
}
