// Package crypto implements the cryptographic primitives of the channel and
// protocol engine.
//
// Every primitive is selected by a one byte implementation identifier that is
// written in front of its output, so ciphertexts, signatures and encoded keys
// describe themselves:
//
//   - [AEID]: authenticated encryption (AES-256-CTR+HMAC-SHA-256,
//     XChaCha20-Poly1305, NaCl secretbox)
//   - [KDFID]: key derivation (HMAC-DRBG, HKDF-SHA-256)
//   - [SignatureID]: signatures (Ed25519, Ed448, Dilithium3)
//
// A [Suite] pairs one AE with one KDF and is negotiated by version number
// between devices.
//
// # Ratchet
//
// Channel keys come from a one-way symmetric ratchet:
//
//	step, err := crypto.DeriveRatchet(seed, crypto.SuiteV1)
//	// step.KeyID travels in clear, step.Key encrypts one message,
//	// step.Next replaces seed.
//
// Seeds are diversified per direction with [Seed.Diversify] so that both ends
// of a channel derive the same keys from one shared secret.
//
// # Key Agreement
//
// X25519 key agreement goes through the Noise DH25519 function. Messages that
// must travel before a channel exists are sealed with an anonymous NaCl box
// ([SealAnonymous]).
//
// # Security Considerations
//
// Decryption failures are reported uniformly as [ErrAuthenticationFailure].
// Seeds and keys are wiped with [SecureWipe] once they are no longer needed,
// and logs only ever contain previews produced by [SecureFieldHash] or UID
// prefixes.
package crypto
