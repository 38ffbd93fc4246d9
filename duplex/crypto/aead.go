package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrSequenceExhausted  = errors.New("crypto: record sequence exhausted")
	ErrUnknownSuite       = errors.New("crypto: unknown cipher suite")
)

// Suite describes a TLS 1.3 cipher suite.
type Suite struct {
	ID     uint16
	KeyLen int
	Hash   func() hash.Hash
	newFn  func(key []byte) (cipher.AEAD, error)
}

// LookupSuite returns the suite for a TLS 1.3 cipher suite identifier.
func LookupSuite(id uint16) (Suite, error) {
	switch id {
	case tls.TLS_AES_128_GCM_SHA256:
		return Suite{ID: id, KeyLen: 16, Hash: sha256.New, newFn: newGCM}, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return Suite{ID: id, KeyLen: 32, Hash: sha512.New384, newFn: newGCM}, nil
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return Suite{ID: id, KeyLen: chacha20poly1305.KeySize, Hash: sha256.New, newFn: chacha20poly1305.New}, nil
	default:
		return Suite{}, fmt.Errorf("%w: %#04x", ErrUnknownSuite, id)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// TrafficCipher derives the record cipher for one direction from a TLS 1.3
// traffic secret.
func (s Suite) TrafficCipher(secret []byte) (*RecordCipher, error) {
	key, err := ExpandLabel(s.Hash, secret, "key", nil, s.KeyLen)
	if err != nil {
		return nil, err
	}
	iv, err := ExpandLabel(s.Hash, secret, "iv", nil, 12)
	if err != nil {
		return nil, err
	}
	aead, err := s.newFn(key)
	if err != nil {
		return nil, err
	}
	return newRecordCipher(aead, iv), nil
}

// RecordCipher protects the records of one direction. The nonce is the
// fixed IV XORed with the record sequence number, so it is never sent.
// A RecordCipher is not safe for concurrent use.
type RecordCipher struct {
	aead cipher.AEAD
	iv   [12]byte
	seq  uint64
}

func newRecordCipher(aead cipher.AEAD, iv []byte) *RecordCipher {
	rc := &RecordCipher{aead: aead}
	copy(rc.iv[:], iv)
	return rc
}

func (rc *RecordCipher) nonce() ([]byte, error) {
	if rc.seq == ^uint64(0) {
		return nil, ErrSequenceExhausted
	}
	nonce := rc.iv
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rc.seq)
	for i := range seq {
		nonce[4+i] ^= seq[i]
	}
	rc.seq++
	return nonce[:], nil
}

// Seal appends the protected plaintext to dst.
func (rc *RecordCipher) Seal(dst, plaintext, additionalData []byte) ([]byte, error) {
	nonce, err := rc.nonce()
	if err != nil {
		return nil, err
	}
	return rc.aead.Seal(dst, nonce, plaintext, additionalData), nil
}

// Open appends the verified plaintext of ciphertext to dst.
func (rc *RecordCipher) Open(dst, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < rc.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, err := rc.nonce()
	if err != nil {
		return nil, err
	}
	out, err := rc.aead.Open(dst, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// Overhead returns the authentication tag overhead.
func (rc *RecordCipher) Overhead() int { return rc.aead.Overhead() }

// Sequence returns the number of records processed so far.
func (rc *RecordCipher) Sequence() uint64 { return rc.seq }
