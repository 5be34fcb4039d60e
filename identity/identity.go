// Package identity defines the cryptographic identities that own devices and
// channels, and an in-memory directory of owned identities and contacts.
package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// Identity is the public, immutable description of a user.
type Identity struct {
	ServerURL     string
	SigningKey    crypto.SigningPublicKey
	EncryptionKey [32]byte
}

// Encode implements encoder.Encodable.
func (id Identity) Encode() encoder.Encoded {
	return encoder.EncodeList(
		encoder.EncodeString(id.ServerURL),
		id.SigningKey.Encode(),
		crypto.EncodePublicKey(id.EncryptionKey),
	)
}

// Decode parses an encoded identity.
func Decode(e encoder.Encoded) (Identity, error) {
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: %w", err)
	}
	url, err := encoder.DecodeString(items[0])
	if err != nil {
		return Identity{}, fmt.Errorf("identity server: %w", err)
	}
	sk, err := crypto.DecodeSigningPublicKey(items[1])
	if err != nil {
		return Identity{}, fmt.Errorf("identity signing key: %w", err)
	}
	ek, err := crypto.DecodePublicKey(items[2])
	if err != nil {
		return Identity{}, fmt.Errorf("identity encryption key: %w", err)
	}
	return Identity{ServerURL: url, SigningKey: sk, EncryptionKey: ek}, nil
}

// ID is the SHA-256 of the encoding, used wherever an identity is a key.
func (id Identity) ID() crypto.UID {
	return crypto.UID(sha256.Sum256(id.Encode().Raw()))
}

// Equal compares two identities.
func (id Identity) Equal(other Identity) bool {
	return id.ID() == other.ID()
}

// String returns a log friendly form.
func (id Identity) String() string {
	return fmt.Sprintf("Identity(%s@%s)", id.ID().Short(), id.ServerURL)
}

// OwnedIdentity is an identity whose private keys live on this device.
type OwnedIdentity struct {
	Identity
	SigningPrivateKey crypto.SigningPrivateKey
	EncryptionKeyPair crypto.KeyPair
	CurrentDevice     crypto.UID
}

// Generate creates a fresh owned identity with a new current device UID.
func Generate(serverURL string, scheme crypto.SignatureID, prng crypto.PRNG) (*OwnedIdentity, error) {
	pub, priv, err := crypto.GenerateSigningKeyPair(scheme, prng)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair(prng)
	if err != nil {
		return nil, err
	}
	device, err := crypto.GenerateUID(prng)
	if err != nil {
		return nil, err
	}
	return &OwnedIdentity{
		Identity: Identity{
			ServerURL:     serverURL,
			SigningKey:    pub,
			EncryptionKey: kp.Public,
		},
		SigningPrivateKey: priv,
		EncryptionKeyPair: *kp,
		CurrentDevice:     device,
	}, nil
}

// Sign signs message with the identity's signing key.
func (o *OwnedIdentity) Sign(message []byte) ([]byte, error) {
	return crypto.Sign(o.SigningPrivateKey, message)
}

// Wipe zeroes the private keys.
func (o *OwnedIdentity) Wipe() {
	o.SigningPrivateKey.Wipe()
	o.EncryptionKeyPair.Wipe()
}
