package crypto

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/ed448"
	"github.com/opd-ai/obvcore/encoder"
)

// SignatureID is the implementation byte of a signature scheme. It is
// prefixed to signatures and to encoded signing keys.
type SignatureID byte

const (
	SignatureEd25519    SignatureID = 0x00
	SignatureEd448      SignatureID = 0x01
	SignatureDilithium3 SignatureID = 0x02
)

// ed448Context is the domain separation string used with Ed448.
const ed448Context = "obvcore"

type signatureScheme interface {
	generate(prng PRNG) (pub, priv []byte, err error)
	sign(priv, message []byte) ([]byte, error)
	verify(pub, message, sig []byte) bool
	publicKeySize() int
}

var signatureRegistry = map[SignatureID]signatureScheme{
	SignatureEd25519:    ed25519Scheme{},
	SignatureEd448:      ed448Scheme{},
	SignatureDilithium3: dilithium3Scheme{},
}

func schemeFor(id SignatureID) (signatureScheme, error) {
	s, ok := signatureRegistry[id]
	if !ok {
		return nil, fmt.Errorf("%w: signature 0x%02x", ErrUnknownImplementation, byte(id))
	}
	return s, nil
}

// SigningPublicKey verifies signatures.
type SigningPublicKey struct {
	Impl SignatureID
	Key  []byte
}

// SigningPrivateKey produces signatures.
type SigningPrivateKey struct {
	Impl SignatureID
	Key  []byte
}

// GenerateSigningKeyPair creates a key pair for the given scheme.
func GenerateSigningKeyPair(id SignatureID, prng PRNG) (SigningPublicKey, SigningPrivateKey, error) {
	scheme, err := schemeFor(id)
	if err != nil {
		return SigningPublicKey{}, SigningPrivateKey{}, err
	}
	if prng == nil {
		prng = SystemPRNG()
	}
	pub, priv, err := scheme.generate(prng)
	if err != nil {
		return SigningPublicKey{}, SigningPrivateKey{}, fmt.Errorf("key generation failed: %w", err)
	}
	return SigningPublicKey{Impl: id, Key: pub}, SigningPrivateKey{Impl: id, Key: priv}, nil
}

// Sign returns impl || signature over message.
func Sign(priv SigningPrivateKey, message []byte) ([]byte, error) {
	scheme, err := schemeFor(priv.Impl)
	if err != nil {
		return nil, err
	}
	sig, err := scheme.sign(priv.Key, message)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(priv.Impl)}, sig...), nil
}

// Verify checks a signature produced by Sign. Signatures made with another
// scheme than the key's never verify.
func Verify(pub SigningPublicKey, message, signature []byte) bool {
	scheme, err := schemeFor(pub.Impl)
	if err != nil || len(signature) < 1 || SignatureID(signature[0]) != pub.Impl {
		return false
	}
	if len(pub.Key) != scheme.publicKeySize() {
		return false
	}
	return scheme.verify(pub.Key, message, signature[1:])
}

// Equal compares two public keys.
func (k SigningPublicKey) Equal(other SigningPublicKey) bool {
	return k.Impl == other.Impl && bytes.Equal(k.Key, other.Key)
}

// Encode implements encoder.Encodable.
func (k SigningPublicKey) Encode() encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDPublicKey, byte(k.Impl), k.Key)
}

// DecodeSigningPublicKey decodes a public signature key.
func DecodeSigningPublicKey(e encoder.Encoded) (SigningPublicKey, error) {
	impl, key, err := encoder.DecodeKey(e, encoder.ByteIDPublicKey)
	if err != nil {
		return SigningPublicKey{}, err
	}
	scheme, err := schemeFor(SignatureID(impl))
	if err != nil {
		return SigningPublicKey{}, fmt.Errorf("%w: %v", encoder.ErrDecoding, err)
	}
	if len(key) != scheme.publicKeySize() {
		return SigningPublicKey{}, fmt.Errorf("%w: public key length %d", encoder.ErrDecoding, len(key))
	}
	return SigningPublicKey{Impl: SignatureID(impl), Key: key}, nil
}

// Encode implements encoder.Encodable.
func (k SigningPrivateKey) Encode() encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDPrivateKey, byte(k.Impl), k.Key)
}

// DecodeSigningPrivateKey decodes a private signature key.
func DecodeSigningPrivateKey(e encoder.Encoded) (SigningPrivateKey, error) {
	impl, key, err := encoder.DecodeKey(e, encoder.ByteIDPrivateKey)
	if err != nil {
		return SigningPrivateKey{}, err
	}
	if _, err := schemeFor(SignatureID(impl)); err != nil {
		return SigningPrivateKey{}, fmt.Errorf("%w: %v", encoder.ErrDecoding, err)
	}
	return SigningPrivateKey{Impl: SignatureID(impl), Key: key}, nil
}

// Wipe zeroes the private key material.
func (k SigningPrivateKey) Wipe() { ZeroBytes(k.Key) }

type ed25519Scheme struct{}

func (ed25519Scheme) generate(prng PRNG) ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(prng)
	return pub, priv, err
}

func (ed25519Scheme) sign(priv, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 private key length %d", ErrInvalidKey, len(priv))
	}
	return ed25519.Sign(priv, message), nil
}

func (ed25519Scheme) verify(pub, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

func (ed25519Scheme) publicKeySize() int { return ed25519.PublicKeySize }

type ed448Scheme struct{}

func (ed448Scheme) generate(prng PRNG) ([]byte, []byte, error) {
	pub, priv, err := ed448.GenerateKey(prng)
	return pub, priv, err
}

func (ed448Scheme) sign(priv, message []byte) ([]byte, error) {
	if len(priv) != ed448.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed448 private key length %d", ErrInvalidKey, len(priv))
	}
	return ed448.Sign(ed448.PrivateKey(priv), message, ed448Context), nil
}

func (ed448Scheme) verify(pub, message, sig []byte) bool {
	return ed448.Verify(ed448.PublicKey(pub), message, sig, ed448Context)
}

func (ed448Scheme) publicKeySize() int { return ed448.PublicKeySize }

type dilithium3Scheme struct{}

func (dilithium3Scheme) generate(prng PRNG) ([]byte, []byte, error) {
	pk, sk, err := mode3.GenerateKey(prng)
	if err != nil {
		return nil, nil, err
	}
	return pk.Bytes(), sk.Bytes(), nil
}

func (dilithium3Scheme) sign(priv, message []byte) ([]byte, error) {
	if len(priv) != mode3.PrivateKeySize {
		return nil, fmt.Errorf("%w: dilithium3 private key length %d", ErrInvalidKey, len(priv))
	}
	var packed [mode3.PrivateKeySize]byte
	copy(packed[:], priv)
	defer ZeroBytes(packed[:])
	var sk mode3.PrivateKey
	sk.Unpack(&packed)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, message, sig)
	return sig, nil
}

func (dilithium3Scheme) verify(pub, message, sig []byte) bool {
	if len(sig) != mode3.SignatureSize {
		return false
	}
	var packed [mode3.PublicKeySize]byte
	copy(packed[:], pub)
	var pk mode3.PublicKey
	pk.Unpack(&packed)
	return mode3.Verify(&pk, message, sig)
}

func (dilithium3Scheme) publicKeySize() int { return mode3.PublicKeySize }
