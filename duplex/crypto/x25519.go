package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is a static Diffie-Hellman key pair.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid X25519 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid X25519 private key")
)

// GenerateX25519 generates a new X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return X25519KeyPair{}, err
	}
	return X25519FromPrivate(priv[:])
}

// X25519FromPrivate rebuilds a keypair from a stored private key.
func X25519FromPrivate(priv []byte) (X25519KeyPair, error) {
	var kp X25519KeyPair
	if len(priv) != curve25519.ScalarSize {
		return kp, ErrInvalidPrivateKey
	}
	copy(kp.PrivateKey[:], priv)
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// ParsePublicKey decodes a hex encoded X25519 public key.
func ParsePublicKey(s string) ([32]byte, error) {
	var pub [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(pub) {
		return pub, ErrInvalidPublicKey
	}
	copy(pub[:], b)
	var zero [32]byte
	if pub == zero {
		return pub, ErrInvalidPublicKey
	}
	return pub, nil
}
