package channel

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// SealAsymmetric encrypts payload to the owner of recipient so that protocols
// can talk to a device before any oblivious channel exists. The payload is
// padded like channel payloads so that sizes leak equally little.
func SealAsymmetric(recipient [32]byte, payload []byte, prng crypto.PRNG) ([]byte, error) {
	plaintext := pad(encoder.EncodeBytes(payload).Raw())
	defer crypto.ZeroBytes(plaintext)
	return crypto.SealAnonymous(recipient, plaintext, prng)
}

// OpenAsymmetric reverses SealAsymmetric.
func OpenAsymmetric(kp *crypto.KeyPair, ciphertext []byte) ([]byte, error) {
	plaintext, err := crypto.OpenAnonymous(kp, ciphertext)
	if err != nil {
		return nil, err
	}
	e, err := encoder.ParsePadded(plaintext)
	if err != nil {
		return nil, fmt.Errorf("asymmetric payload: %w", err)
	}
	return encoder.DecodeBytes(e)
}
