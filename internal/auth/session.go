// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Session configuration.
const (
	SessionTokenBytes  = 32 // 32 bytes = 64 hex chars
	SessionIdleTimeout = 15 * time.Minute
)

// Client session slot keys.
const (
	SlotSessionToken = "SessionId"
	SlotAccountID    = "UserId"
	SlotLoginTime    = "LoginTime"
)

// SessionSlot is the per-browser key/value store carried by the client,
// typically a signed cookie. Set and Clear are buffered until Commit.
type SessionSlot interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Clear()
	// Commit makes buffered changes visible to the client.
	Commit(ctx context.Context) error
}

// ClientContext identifies the browser making a request.
type ClientContext struct {
	Slot      SessionSlot
	IPAddress string
	UserAgent string
}

// SessionState is the result of checking a browser's session.
type SessionState string

// Session states. The non-active values double as the reasons reported to
// clients.
const (
	SessionActive    SessionState = "active"
	SessionMissing   SessionState = "not_authenticated"
	SessionDisplaced SessionState = "session_invalidated"
	SessionIdle      SessionState = "session_expired"
)

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored on the account.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			In(string(KindInternal)).
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// tokenMatches compares a plaintext token with a stored hash in constant time.
func tokenMatches(token string, storedHash *string) bool {
	if token == "" || storedHash == nil || *storedHash == "" {
		return false
	}
	computed := HashSessionToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(*storedHash)) == 1
}

// SessionManager enforces one live browser session per account plus an
// idle timeout. The newest login owns the account's session token; older
// browsers fail their next check.
type SessionManager struct {
	accounts AccountRepository
	clock    func() time.Time
	logger   *slog.Logger
	metrics  Metrics
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(accounts AccountRepository, opts ...Option) (*SessionManager, error) {
	if accounts == nil {
		return nil, oops.Errorf("accounts repository is required")
	}
	o := buildOptions(opts)
	return &SessionManager{accounts: accounts, clock: o.clock, logger: o.logger, metrics: o.metrics}, nil
}

// CreateSession issues a new session token, commits it to the client slot
// and only then stores it on the account. A failed slot commit leaves the
// account untouched. The returned account is the persisted version.
func (m *SessionManager) CreateSession(ctx context.Context, account *Account, client ClientContext) (*Account, string, error) {
	token, hash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", err
	}
	return m.createSessionWithToken(ctx, account, client, token, hash, nil)
}

// createSessionWithToken stores a pre-generated token. also, when set, is
// applied to the account in the same write.
func (m *SessionManager) createSessionWithToken(
	ctx context.Context,
	account *Account,
	client ClientContext,
	token, hash string,
	also func(*Account),
) (*Account, string, error) {
	if client.Slot == nil {
		return nil, "", oops.Code("SESSION_SLOT_MISSING").
			In(string(KindInternal)).
			Errorf("client session slot is required")
	}
	now := m.clock()

	client.Slot.Clear()
	client.Slot.Set(SlotSessionToken, token)
	client.Slot.Set(SlotAccountID, account.ID.String())
	client.Slot.Set(SlotLoginTime, now.UTC().Format(time.RFC3339))
	if err := client.Slot.Commit(ctx); err != nil {
		return nil, "", oops.Code("SESSION_SLOT_COMMIT_FAILED").
			In(string(KindInternal)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	saved, err := m.mutate(ctx, account, func(a *Account) {
		a.SessionTokenHash = &hash
		a.LastLoginAt = &now
		a.LastLoginIP = client.IPAddress
		a.LastLoginAgent = client.UserAgent
		a.LastActivityAt = &now
		a.UpdatedAt = now
		if also != nil {
			also(a)
		}
	})
	if err != nil {
		return nil, "", oops.Code("SESSION_PERSIST_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return saved, token, nil
}

// Check classifies the browser's session against the account.
func (m *SessionManager) Check(account *Account, client ClientContext) SessionState {
	state := m.check(account, client)
	m.metrics.ObserveSessionCheck(string(state))
	return state
}

func (m *SessionManager) check(account *Account, client ClientContext) SessionState {
	if account == nil || client.Slot == nil {
		return SessionMissing
	}
	token, ok := client.Slot.Get(SlotSessionToken)
	if !ok || token == "" {
		return SessionMissing
	}
	if !tokenMatches(token, account.SessionTokenHash) {
		return SessionDisplaced
	}
	if account.LastActivityAt == nil || m.clock().Sub(*account.LastActivityAt) > SessionIdleTimeout {
		return SessionIdle
	}
	return SessionActive
}

// ValidateSession reports whether the browser holds the account's current,
// non-idle session. Callers should refresh activity on true.
func (m *SessionManager) ValidateSession(account *Account, client ClientContext) bool {
	return m.Check(account, client) == SessionActive
}

// InvalidateSession clears the account's session token. Only call this for
// the browser that owns the token, never for a displaced one. If a newer
// login replaced the token in the meantime, the newer token is kept.
func (m *SessionManager) InvalidateSession(ctx context.Context, account *Account) (*Account, error) {
	var expected string
	if account.SessionTokenHash != nil {
		expected = *account.SessionTokenHash
	}
	saved, err := m.mutate(ctx, account, func(a *Account) {
		if a.SessionTokenHash != nil && *a.SessionTokenHash != expected {
			return
		}
		a.SessionTokenHash = nil
		a.UpdatedAt = m.clock()
	})
	if err != nil {
		return nil, oops.Code("SESSION_INVALIDATE_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return saved, nil
}

// UpdateActivity stamps the account's last activity.
func (m *SessionManager) UpdateActivity(ctx context.Context, account *Account) (*Account, error) {
	saved, err := m.mutate(ctx, account, func(a *Account) {
		now := m.clock()
		a.LastActivityAt = &now
		a.UpdatedAt = now
	})
	if err != nil {
		return nil, oops.Code("SESSION_ACTIVITY_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return saved, nil
}

// DetectConcurrentLogin reports whether the account already has a session
// token other than newToken, meaning some browser is about to be displaced.
func (m *SessionManager) DetectConcurrentLogin(account *Account, newToken string) bool {
	if account.SessionTokenHash == nil || *account.SessionTokenHash == "" {
		return false
	}
	return !tokenMatches(newToken, account.SessionTokenHash)
}

func (m *SessionManager) mutate(ctx context.Context, account *Account, fn func(*Account)) (*Account, error) {
	return mutateAccount(ctx, m.accounts, account, fn)
}

// conflictRetryDelay is the pause before the single re-fetch after a lost
// optimistic write.
const conflictRetryDelay = 5 * time.Millisecond

// mutateAccount applies fn to a copy of account and writes it. If the
// write loses an optimistic race, the account is re-fetched, fn is
// reapplied and the write is attempted once more. The caller's account is
// never modified; the written copy is returned on success.
func mutateAccount(ctx context.Context, repo AccountRepository, account *Account, fn func(*Account)) (*Account, error) {
	working := *account
	current := &working
	attempt := 0

	backoff := retry.WithMaxRetries(1, retry.NewConstant(conflictRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			fresh, err := repo.GetByID(ctx, account.ID)
			if err != nil {
				return err
			}
			current = fresh
		}
		attempt++

		fn(current)
		if err := repo.Update(ctx, current); err != nil {
			if errors.Is(err, ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, errorOf(KindConcurrencyConflict, "ACCOUNT_WRITE_CONFLICT").
				With("account_id", account.ID.String()).
				Wrap(err)
		}
		return nil, err
	}
	return current, nil
}

// accountIDFromSlot returns the account id stored in the slot, if any.
func accountIDFromSlot(slot SessionSlot) (ulid.ULID, bool) {
	if slot == nil {
		return ulid.ULID{}, false
	}
	raw, ok := slot.Get(SlotAccountID)
	if !ok {
		return ulid.ULID{}, false
	}
	id, err := ulid.Parse(raw)
	if err != nil {
		return ulid.ULID{}, false
	}
	return id, true
}
