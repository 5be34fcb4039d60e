package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// aesCTRHMAC layout: iv(8) | AES-256-CTR ciphertext | HMAC-SHA-256(iv | ciphertext).
// The key is 64 bytes, the first half encrypts and the second half authenticates.
type aesCTRHMAC struct{}

const (
	aesCTRIVLength = 8
	aesCTRKeyHalf  = 32
)

func (aesCTRHMAC) ID() AEID       { return AEAES256CTRHMACSHA256 }
func (aesCTRHMAC) KeyLength() int { return 2 * aesCTRKeyHalf }
func (aesCTRHMAC) Overhead() int  { return aesCTRIVLength + sha256.Size }

func (a aesCTRHMAC) stream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:aesCTRKeyHalf])
	if err != nil {
		return nil, err
	}
	counter := make([]byte, aes.BlockSize)
	copy(counter, iv)
	return cipher.NewCTR(block, counter), nil
}

func (a aesCTRHMAC) mac(key, data []byte) []byte {
	m := hmac.New(sha256.New, key[aesCTRKeyHalf:])
	m.Write(data)
	return m.Sum(nil)
}

func (a aesCTRHMAC) Seal(key, plaintext []byte, prng PRNG) ([]byte, error) {
	out := make([]byte, aesCTRIVLength+len(plaintext), aesCTRIVLength+len(plaintext)+sha256.Size)
	if _, err := io.ReadFull(prng, out[:aesCTRIVLength]); err != nil {
		return nil, err
	}
	s, err := a.stream(key, out[:aesCTRIVLength])
	if err != nil {
		return nil, err
	}
	s.XORKeyStream(out[aesCTRIVLength:], plaintext)
	return append(out, a.mac(key, out)...), nil
}

func (a aesCTRHMAC) Open(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < a.Overhead() {
		return nil, ErrAuthenticationFailure
	}
	body := ciphertext[:len(ciphertext)-sha256.Size]
	tag := ciphertext[len(ciphertext)-sha256.Size:]
	if !hmac.Equal(tag, a.mac(key, body)) {
		return nil, ErrAuthenticationFailure
	}
	s, err := a.stream(key, body[:aesCTRIVLength])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(body)-aesCTRIVLength)
	s.XORKeyStream(plaintext, body[aesCTRIVLength:])
	return plaintext, nil
}

// xchacha layout: nonce(24) | sealed.
type xchacha struct{}

func (xchacha) ID() AEID       { return AEChaCha20Poly1305 }
func (xchacha) KeyLength() int { return chacha20poly1305.KeySize }
func (xchacha) Overhead() int  { return chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead }

func (xchacha) Seal(key, plaintext []byte, prng PRNG) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(prng, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (x xchacha) Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < x.Overhead() {
		return nil, ErrAuthenticationFailure
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// secretBox layout: nonce(24) | secretbox.Seal output.
type secretBox struct{}

const secretBoxNonceSize = 24

func (secretBox) ID() AEID       { return AESecretBox }
func (secretBox) KeyLength() int { return 32 }
func (secretBox) Overhead() int  { return secretBoxNonceSize + secretbox.Overhead }

func (secretBox) Seal(key, plaintext []byte, prng PRNG) ([]byte, error) {
	var nonce [secretBoxNonceSize]byte
	var k [32]byte
	if _, err := io.ReadFull(prng, nonce[:]); err != nil {
		return nil, err
	}
	copy(k[:], key)
	defer ZeroBytes(k[:])
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k), nil
}

func (s secretBox) Open(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.Overhead() {
		return nil, ErrAuthenticationFailure
	}
	var nonce [secretBoxNonceSize]byte
	var k [32]byte
	copy(nonce[:], ciphertext[:secretBoxNonceSize])
	copy(k[:], key)
	defer ZeroBytes(k[:])
	plaintext, ok := secretbox.Open(nil, ciphertext[secretBoxNonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
