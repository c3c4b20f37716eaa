package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize          = chacha20poly1305.KeySize
	pbkdf2Iterations = 100000
)

// Fixed salt: the secret is operator supplied and the derived key never leaves
// the process.
var keySalt = []byte("clouddav/continuation-token/v2")

var ErrInvalidSecret = errors.New("token: secret must not be empty")

type sealer struct {
	aead cipher.AEAD
}

// NewCodec returns a codec. An empty secret yields the plain codec; otherwise
// tokens are sealed with XChaCha20-Poly1305 under a key derived from secret,
// so a forged or foreign token fails to decode.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return &Codec{}, nil
	}
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	return &Codec{sealer: s}, nil
}

func newSealer(secret string) (*sealer, error) {
	if secret == "" {
		return nil, ErrInvalidSecret
	}
	key := pbkdf2.Key([]byte(secret), keySalt, pbkdf2Iterations, keySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("token: creating cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(version byte, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("token: generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte{version}), nil
}

func (s *sealer) open(version byte, data []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrDecode)
	}
	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], []byte{version})
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecode)
	}
	return plaintext, nil
}
