// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package fieldcrypt encrypts individual database fields with
// XChaCha20-Poly1305. Sealed values are a version byte, a random 24 byte
// nonce and the ciphertext.
package fieldcrypt

import (
	"crypto/cipher"
	"crypto/rand"

	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
)

const version byte = 1

// Sealer seals and opens blobs with a single key.
type Sealer struct {
	aead cipher.AEAD
}

// New returns a Sealer for a 32 byte key.
func New(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, oops.Code("FIELDCRYPT_BAD_KEY").With("key_len", len(key)).Wrap(err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+s.aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, oops.Code("FIELDCRYPT_NONCE_FAILED").Wrap(err)
	}
	return s.aead.Seal(out, out[1:], plaintext, []byte{version}), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, oops.Code("FIELDCRYPT_TRUNCATED").With("len", len(sealed)).Errorf("sealed value too short")
	}
	if sealed[0] != version {
		return nil, oops.Code("FIELDCRYPT_UNKNOWN_VERSION").With("version", sealed[0]).Errorf("unsupported sealed value version")
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], []byte{version})
	if err != nil {
		return nil, oops.Code("FIELDCRYPT_OPEN_FAILED").Wrap(err)
	}
	return plaintext, nil
}
