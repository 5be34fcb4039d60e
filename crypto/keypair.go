package crypto

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/obvcore/encoder"
)

// X25519KeyImpl is the implementation byte of encoded X25519 keys. It lives
// outside the SignatureID range so that both kinds of public keys stay
// distinguishable once encoded.
const X25519KeyImpl byte = 0x10

// KeyPair is an X25519 key pair used for key agreement and for the
// asymmetric channel.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair(prng PRNG) (*KeyPair, error) {
	if prng == nil {
		prng = SystemPRNG()
	}
	k, err := noise.DH25519.GenerateKeypair(prng)
	if err != nil {
		return nil, fmt.Errorf("failed to generate X25519 key pair: %w", err)
	}
	kp := &KeyPair{}
	copy(kp.Public[:], k.Public)
	copy(kp.Private[:], k.Private)
	ZeroBytes(k.Private)
	return kp, nil
}

// Wipe zeroes the private half.
func (kp *KeyPair) Wipe() {
	if kp != nil {
		ZeroBytes(kp.Private[:])
	}
}

// EncodePublicKey encodes an X25519 public key.
func EncodePublicKey(pub [32]byte) encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDPublicKey, X25519KeyImpl, pub[:])
}

// DecodePublicKey decodes an X25519 public key.
func DecodePublicKey(e encoder.Encoded) ([32]byte, error) {
	var pub [32]byte
	impl, b, err := encoder.DecodeKey(e, encoder.ByteIDPublicKey)
	if err != nil {
		return pub, err
	}
	if impl != X25519KeyImpl || len(b) != 32 {
		return pub, fmt.Errorf("%w: not an X25519 public key", encoder.ErrDecoding)
	}
	copy(pub[:], b)
	return pub, nil
}

// EncodePrivateKey encodes an X25519 private key.
func EncodePrivateKey(priv [32]byte) encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDPrivateKey, X25519KeyImpl, priv[:])
}

// DecodePrivateKey decodes an X25519 private key.
func DecodePrivateKey(e encoder.Encoded) ([32]byte, error) {
	var priv [32]byte
	impl, b, err := encoder.DecodeKey(e, encoder.ByteIDPrivateKey)
	if err != nil {
		return priv, err
	}
	defer ZeroBytes(b)
	if impl != X25519KeyImpl || len(b) != 32 {
		return priv, fmt.Errorf("%w: not an X25519 private key", encoder.ErrDecoding)
	}
	copy(priv[:], b)
	return priv, nil
}

var errZeroSharedSecret = errors.New("low order public key")
