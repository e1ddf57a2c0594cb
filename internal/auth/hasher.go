// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Argon2Params configures the inner argon2id hasher.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// Outer layer parameters.
const (
	outerSaltBytes    = 32 // 256-bit per-hash salt
	pbkdf2Iterations  = 10000
	pbkdf2KeyBytes    = 32
	blobFieldSplitter = ":"
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = errorOf(KindValidation, "AUTH_EMPTY_PASSWORD").
	Public("Password is required.").
	Errorf("password cannot be empty")

// PasswordHasher creates and verifies persisted password blobs.
// Verify never fails loudly: malformed blobs and internal errors are
// reported as a mismatch.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) bool
}

// Argon2idHasher produces PHC-formatted argon2id hashes. It is the inner
// layer of DoubleSaltedHasher.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates an Argon2idHasher with the default parameters.
func NewArgon2idHasher() *Argon2idHasher {
	return NewArgon2idHasherWithParams(DefaultArgon2Params)
}

// NewArgon2idHasherWithParams creates an Argon2idHasher with custom cost parameters.
func NewArgon2idHasherWithParams(params Argon2Params) *Argon2idHasher {
	return &Argon2idHasher{params: params}
}

// Hash produces an argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").In(string(KindInternal)).Wrap(err)
	}

	hash := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks if the password matches the hash.
// Returns (true, nil) on match, (false, nil) on mismatch, or an error on an invalid hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != "argon2id" {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	// Validate threads fits in uint8 to prevent silent truncation
	if threads > 255 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d exceeds uint8 max", threads)
	}

	keyLen := len(expectedHash)
	if keyLen <= 0 || keyLen > 1<<30 {
		return false, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", keyLen)
	}

	computedHash := argon2.IDKey([]byte(password), salt, time, memory, uint8(threads), uint32(keyLen))

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// DoubleSaltedHasher stores passwords as "<salt>:<argon2id hash>". The
// password is first stretched with PBKDF2-HMAC-SHA256 under a 256-bit
// per-hash salt, and the result is hashed again by argon2id with its own
// salt.
type DoubleSaltedHasher struct {
	inner  *Argon2idHasher
	logger *slog.Logger
}

// NewDoubleSaltedHasher creates a DoubleSaltedHasher over the given inner hasher.
// A nil logger falls back to slog.Default().
func NewDoubleSaltedHasher(inner *Argon2idHasher, logger *slog.Logger) *DoubleSaltedHasher {
	if inner == nil {
		inner = NewArgon2idHasher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DoubleSaltedHasher{inner: inner, logger: logger}
}

// Hash produces a new blob with a fresh outer salt.
func (h *DoubleSaltedHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, outerSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").
			In(string(KindInternal)).
			With("operation", "crypto/rand.Read").
			Wrap(err)
	}

	innerHash, err := h.inner.Hash(combine(password, salt))
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").
			In(string(KindInternal)).
			With("operation", "inner hash").
			Wrap(err)
	}

	return base64.StdEncoding.EncodeToString(salt) + blobFieldSplitter + innerHash, nil
}

// Verify reports whether password matches the stored blob.
func (h *DoubleSaltedHasher) Verify(password, encoded string) bool {
	saltPart, innerHash, found := strings.Cut(encoded, blobFieldSplitter)
	if !found || saltPart == "" || innerHash == "" {
		h.logger.Warn("malformed password blob")
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		h.logger.Warn("malformed password blob salt", "error", err)
		return false
	}

	ok, err := h.inner.Verify(combine(password, salt), innerHash)
	if err != nil {
		h.logger.Warn("password verification failed", "error", err)
		return false
	}
	return ok
}

// combine derives the value handed to the inner hasher.
func combine(password string, salt []byte) string {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyBytes, sha256.New)
	return base64.StdEncoding.EncodeToString(derived)
}

var (
	_ PasswordHasher = (*DoubleSaltedHasher)(nil)
)
