package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KDFID is the implementation byte of a key derivation function.
type KDFID byte

const (
	// KDFHMACDRBG seeds a DRBG with the secret and reads the outputs from it.
	KDFHMACDRBG KDFID = 0x00
	// KDFHKDFSHA256 is RFC 5869 HKDF with SHA-256.
	KDFHKDFSHA256 KDFID = 0x01
)

// KDF expands a secret into independent outputs of the requested lengths.
// Different info strings give unrelated outputs.
type KDF interface {
	ID() KDFID
	Derive(secret, info []byte, lengths ...int) ([][]byte, error)
}

var kdfRegistry = map[KDFID]KDF{
	KDFHMACDRBG:   drbgKDF{},
	KDFHKDFSHA256: hkdfKDF{},
}

// KDFForID looks up an implementation.
func KDFForID(id KDFID) (KDF, error) {
	k, ok := kdfRegistry[id]
	if !ok {
		return nil, fmt.Errorf("%w: kdf 0x%02x", ErrUnknownImplementation, byte(id))
	}
	return k, nil
}

func readOutputs(r io.Reader, lengths []int) ([][]byte, error) {
	out := make([][]byte, len(lengths))
	for i, n := range lengths {
		out[i] = make([]byte, n)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("kdf output %d: %w", i, err)
		}
	}
	return out, nil
}

type drbgKDF struct{}

func (drbgKDF) ID() KDFID { return KDFHMACDRBG }

func (drbgKDF) Derive(secret, info []byte, lengths ...int) ([][]byte, error) {
	material := make([]byte, 0, len(secret)+len(info)+1)
	material = append(material, secret...)
	material = append(material, byte(len(info)))
	material = append(material, info...)
	defer ZeroBytes(material)
	return readOutputs(NewDRBG(material), lengths)
}

type hkdfKDF struct{}

func (hkdfKDF) ID() KDFID { return KDFHKDFSHA256 }

func (hkdfKDF) Derive(secret, info []byte, lengths ...int) ([][]byte, error) {
	return readOutputs(hkdf.New(sha256.New, secret, nil, info), lengths)
}
