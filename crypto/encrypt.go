package crypto

import (
	"errors"
	"fmt"

	"github.com/opd-ai/obvcore/encoder"
)

// AEID is the implementation byte prefixed to every authenticated ciphertext.
type AEID byte

const (
	// AEAES256CTRHMACSHA256 encrypts with AES-256-CTR and authenticates the IV
	// and ciphertext with HMAC-SHA-256.
	AEAES256CTRHMACSHA256 AEID = 0x00
	// AEChaCha20Poly1305 is XChaCha20-Poly1305 with a random 24 byte nonce.
	AEChaCha20Poly1305 AEID = 0x01
	// AESecretBox is NaCl secretbox (XSalsa20-Poly1305).
	AESecretBox AEID = 0x02
)

// MaxMessageSize bounds plaintexts handed to Encrypt (1MB).
const MaxMessageSize = 1024 * 1024

var (
	// ErrAuthenticationFailure is returned for every ciphertext that fails to
	// authenticate, whatever the underlying reason.
	ErrAuthenticationFailure = errors.New("authentication failed")

	// ErrUnknownImplementation is returned for an implementation byte that has
	// no registered algorithm.
	ErrUnknownImplementation = errors.New("unknown implementation byte id")

	// ErrInvalidKey is returned when key material has the wrong length.
	ErrInvalidKey = errors.New("invalid key")
)

// AuthenticatedEncryption is a symmetric authenticated encryption scheme.
type AuthenticatedEncryption interface {
	ID() AEID
	KeyLength() int
	// Overhead is the ciphertext expansion, excluding the implementation byte.
	Overhead() int
	Seal(key, plaintext []byte, prng PRNG) ([]byte, error)
	Open(key, ciphertext []byte) ([]byte, error)
}

var aeRegistry = map[AEID]AuthenticatedEncryption{
	AEAES256CTRHMACSHA256: aesCTRHMAC{},
	AEChaCha20Poly1305:    xchacha{},
	AESecretBox:           secretBox{},
}

// AEForID looks up an implementation.
func AEForID(id AEID) (AuthenticatedEncryption, error) {
	ae, ok := aeRegistry[id]
	if !ok {
		return nil, fmt.Errorf("%w: authenticated encryption 0x%02x", ErrUnknownImplementation, byte(id))
	}
	return ae, nil
}

// SymmetricKey is key material bound to the algorithm it is used with.
type SymmetricKey struct {
	Impl     AEID
	Material []byte
}

// GenerateSymmetricKey draws a fresh key for the given implementation.
func GenerateSymmetricKey(id AEID, prng PRNG) (SymmetricKey, error) {
	ae, err := AEForID(id)
	if err != nil {
		return SymmetricKey{}, err
	}
	material, err := RandomBytes(prng, ae.KeyLength())
	if err != nil {
		return SymmetricKey{}, err
	}
	return SymmetricKey{Impl: id, Material: material}, nil
}

// Wipe zeroes the key material.
func (k SymmetricKey) Wipe() { ZeroBytes(k.Material) }

// Encode implements encoder.Encodable.
func (k SymmetricKey) Encode() encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDSymmetricKey, byte(k.Impl), k.Material)
}

// DecodeSymmetricKey decodes and validates an encoded symmetric key.
func DecodeSymmetricKey(e encoder.Encoded) (SymmetricKey, error) {
	impl, material, err := encoder.DecodeKey(e, encoder.ByteIDSymmetricKey)
	if err != nil {
		return SymmetricKey{}, err
	}
	k := SymmetricKey{Impl: AEID(impl), Material: material}
	if err := k.validate(); err != nil {
		return SymmetricKey{}, err
	}
	return k, nil
}

func (k SymmetricKey) validate() error {
	ae, err := AEForID(k.Impl)
	if err != nil {
		return err
	}
	if len(k.Material) != ae.KeyLength() {
		return fmt.Errorf("%w: %d bytes for implementation 0x%02x, want %d",
			ErrInvalidKey, len(k.Material), byte(k.Impl), ae.KeyLength())
	}
	return nil
}

// Encrypt authenticates and encrypts plaintext under key. The result starts
// with the implementation byte so that Decrypt needs no other context.
func Encrypt(key SymmetricKey, plaintext []byte, prng PRNG) ([]byte, error) {
	if len(plaintext) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(plaintext))
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	if prng == nil {
		prng = SystemPRNG()
	}
	ae := aeRegistry[key.Impl]
	sealed, err := ae.Seal(key.Material, plaintext, prng)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	out := make([]byte, 1+len(sealed))
	out[0] = byte(key.Impl)
	copy(out[1:], sealed)
	return out, nil
}

// Decrypt reverses Encrypt. Any mismatch, truncation or tampering yields
// ErrAuthenticationFailure.
func Decrypt(key SymmetricKey, ciphertext []byte) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	ae := aeRegistry[key.Impl]
	if len(ciphertext) < 1+ae.Overhead() || AEID(ciphertext[0]) != key.Impl {
		return nil, ErrAuthenticationFailure
	}
	plaintext, err := ae.Open(key.Material, ciphertext[1:])
	if err != nil {
		NewLogger("Decrypt").
			WithField("implementation", fmt.Sprintf("0x%02x", byte(key.Impl))).
			WithField("size", len(ciphertext)).
			Debug("Ciphertext failed authentication")
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// CiphertextLength returns the Encrypt output length for a plaintext of n bytes.
func CiphertextLength(id AEID, n int) (int, error) {
	ae, err := AEForID(id)
	if err != nil {
		return 0, err
	}
	return 1 + ae.Overhead() + n, nil
}
