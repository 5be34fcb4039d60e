package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/opd-ai/obvcore/encoder"
)

const (
	// SeedSize is the length of every ratchet seed.
	SeedSize = 32
	// KeyIDSize is the length of the key identifier sent in front of channel ciphertexts.
	KeyIDSize = 32
)

var (
	infoDiversify = []byte("obvcore/seed/diversify")
	infoRatchet   = []byte("obvcore/seed/ratchet")
)

// Seed is the secret from which a ratchet derives its message keys.
type Seed [SeedSize]byte

// KeyID names a message key without revealing anything about it.
type KeyID [KeyIDSize]byte

// Ratchet is one step of the symmetric ratchet.
type Ratchet struct {
	Next  Seed
	KeyID KeyID
	Key   SymmetricKey
}

// GenerateSeed draws a random seed.
func GenerateSeed(prng PRNG) (Seed, error) {
	b, err := RandomBytes(prng, SeedSize)
	if err != nil {
		return Seed{}, err
	}
	var s Seed
	copy(s[:], b)
	ZeroBytes(b)
	return s, nil
}

// SeedFromSecret derives a seed from a shared secret, for instance a
// Diffie-Hellman output, under a protocol specific label.
func SeedFromSecret(secret []byte, suite Suite, label string) (Seed, error) {
	out, err := suite.KDFImpl().Derive(secret, []byte(label), SeedSize)
	if err != nil {
		return Seed{}, err
	}
	var s Seed
	copy(s[:], out[0])
	ZeroBytes(out[0])
	return s, nil
}

// Diversify derives a direction specific seed bound to uid. The sender and the
// receiver of one direction both diversify with the sending device's UID.
func (s Seed) Diversify(uid UID, suite Suite) (Seed, error) {
	info := append(append([]byte{}, infoDiversify...), uid[:]...)
	out, err := suite.KDFImpl().Derive(s[:], info, SeedSize)
	if err != nil {
		return Seed{}, err
	}
	var d Seed
	copy(d[:], out[0])
	ZeroBytes(out[0])
	return d, nil
}

// DeriveRatchet computes the next seed together with the message key for the
// current position. It is deterministic and the seed cannot be recovered from
// the key or the key id.
func DeriveRatchet(seed Seed, suite Suite) (Ratchet, error) {
	ae := suite.AEImpl()
	if ae == nil {
		return Ratchet{}, fmt.Errorf("%w: suite %d", ErrUnsupportedSuite, suite.Version)
	}
	out, err := suite.KDFImpl().Derive(seed[:], infoRatchet, SeedSize, KeyIDSize, ae.KeyLength())
	if err != nil {
		return Ratchet{}, err
	}
	var r Ratchet
	copy(r.Next[:], out[0])
	copy(r.KeyID[:], out[1])
	ZeroBytes(out[0])
	r.Key = SymmetricKey{Impl: suite.AE, Material: out[2]}
	return r, nil
}

// Wipe zeroes the seed in place.
func (s *Seed) Wipe() { ZeroBytes(s[:]) }

// IsZero reports whether the seed is all zeros.
func (s Seed) IsZero() bool { return s == Seed{} }

// Encode implements encoder.Encodable.
func (s Seed) Encode() encoder.Encoded {
	return encoder.EncodeKey(encoder.ByteIDSymmetricKey, 0xFF, s[:])
}

// DecodeSeed decodes a seed.
func DecodeSeed(e encoder.Encoded) (Seed, error) {
	impl, b, err := encoder.DecodeKey(e, encoder.ByteIDSymmetricKey)
	if err != nil {
		return Seed{}, err
	}
	if impl != 0xFF || len(b) != SeedSize {
		return Seed{}, fmt.Errorf("%w: malformed seed", encoder.ErrDecoding)
	}
	var s Seed
	copy(s[:], b)
	ZeroBytes(b)
	return s, nil
}

// String hides the seed.
func (s Seed) String() string { return "Seed(redacted)" }

// String returns the hex form.
func (k KeyID) String() string { return hex.EncodeToString(k[:]) }

// Short returns an eight character prefix for log fields.
func (k KeyID) Short() string { return hex.EncodeToString(k[:4]) }

// Encode implements encoder.Encodable.
func (k KeyID) Encode() encoder.Encoded { return encoder.EncodeBytes(k[:]) }

// DecodeKeyID decodes a key id.
func DecodeKeyID(e encoder.Encoded) (KeyID, error) {
	b, err := encoder.DecodeFixedBytes(e, KeyIDSize)
	if err != nil {
		return KeyID{}, err
	}
	var k KeyID
	copy(k[:], b)
	return k, nil
}
