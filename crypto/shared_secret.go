package crypto

import (
	"crypto/subtle"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/nacl/box"
)

// DeriveSharedSecret computes the X25519 shared secret between a private key
// and a peer's public key. Low order peer keys are rejected.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	NewLogger("DeriveSharedSecret").
		WithFields(SecureFieldHash(peerPublicKey[:], "peer_key")).
		Debug("Computing shared secret using ECDH")

	priv := privateKey
	defer ZeroBytes(priv[:])

	secret, err := noise.DH25519.DH(priv[:], peerPublicKey[:])
	if err != nil {
		NewLogger("DeriveSharedSecret").WithError(err, "x25519").Warn("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer ZeroBytes(secret)

	var result [32]byte
	copy(result[:], secret)
	if subtle.ConstantTimeCompare(result[:], make([]byte, 32)) == 1 {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", errZeroSharedSecret)
	}
	return result, nil
}

// SealAnonymous encrypts message to recipient so that only the holder of the
// matching private key can read it. The sender stays anonymous; callers that
// need authentication sign the content.
func SealAnonymous(recipient [32]byte, message []byte, prng PRNG) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(message))
	}
	if prng == nil {
		prng = SystemPRNG()
	}
	return box.SealAnonymous(nil, message, &recipient, prng)
}

// OpenAnonymous decrypts a SealAnonymous ciphertext.
func OpenAnonymous(kp *KeyPair, ciphertext []byte) ([]byte, error) {
	if kp == nil {
		return nil, ErrInvalidKey
	}
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, &kp.Public, &kp.Private)
	if !ok {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
