// Package vault is the boundary for every operation that touches private key material.
//
// Callers hold opaque KeyHandles; keys, DH outputs and derived secrets stay inside the
// vault and are destroyed with Delete.
//
// Primitives:
//   - Ed25519 for signatures
//   - X25519 for Diffie-Hellman
//   - ChaCha20-Poly1305 (RFC 8439) with explicit 64-bit nonces
//   - HKDF over BLAKE2b for key derivation
package vault
