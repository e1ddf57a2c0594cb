// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
)

// testClock is a settable clock shared by every component under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memAccounts is an in-memory AccountRepository with optimistic versioning.
type memAccounts struct {
	mu        sync.Mutex
	byID      map[ulid.ULID]auth.Account
	createErr error
	updateErr error
	// conflicts makes the next n Update calls lose their race.
	conflicts int
	updates   int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: make(map[ulid.ULID]auth.Account)}
}

func (m *memAccounts) Create(_ context.Context, account *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, a := range m.byID {
		if a.Email == account.Email {
			return auth.ErrEmailTaken
		}
	}
	m.byID[account.ID] = *account
	return nil
}

func (m *memAccounts) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &a, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memAccounts) Update(_ context.Context, account *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.byID[account.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if m.conflicts > 0 {
		m.conflicts--
		stored.Version++
		m.byID[account.ID] = stored
		return auth.ErrConflict
	}
	if stored.Version != account.Version {
		return auth.ErrConflict
	}
	account.Version++
	m.byID[account.ID] = *account
	return nil
}

func (m *memAccounts) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[ulid.ULID]auth.Account, len(m.byID))
	for id, a := range m.byID {
		saved[id] = a
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.byID = saved
	}
}

// put stores an account directly.
func (m *memAccounts) put(a *auth.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.ID] = *a
}

func (m *memAccounts) get(t *testing.T, id ulid.ULID) *auth.Account {
	t.Helper()
	a, err := m.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

// memHistory is an in-memory PasswordHistoryRepository.
type memHistory struct {
	mu        sync.Mutex
	entries   []*auth.PasswordHistoryEntry
	appendErr error
	recentErr error
}

func (m *memHistory) Recent(_ context.Context, accountID ulid.ULID, limit int) ([]*auth.PasswordHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	out := m.forAccount(accountID)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memHistory) Append(_ context.Context, entry *auth.PasswordHistoryEntry, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, entry)
	kept := m.forAccount(entry.AccountID)
	if len(kept) > keep {
		kept = kept[:keep]
	}
	retain := make([]*auth.PasswordHistoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.AccountID != entry.AccountID {
			retain = append(retain, e)
		}
	}
	m.entries = append(retain, kept...)
	return nil
}

// forAccount returns the account's entries newest first. Ties on
// CreatedAt are broken by ULID, which is monotonic within a process.
func (m *memHistory) forAccount(id ulid.ULID) []*auth.PasswordHistoryEntry {
	var out []*auth.PasswordHistoryEntry
	for _, e := range m.entries {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.Compare(out[j].ID) > 0
	})
	return out
}

func (m *memHistory) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := append([]*auth.PasswordHistoryEntry(nil), m.entries...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.entries = saved
	}
}

// has reports whether the account's history holds passwordHash.
func (m *memHistory) has(id ulid.ULID, passwordHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.forAccount(id) {
		if e.PasswordHash == passwordHash {
			return true
		}
	}
	return false
}

func (m *memHistory) count(id ulid.ULID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forAccount(id))
}

type issuance struct {
	email, ip string
	at        time.Time
}

// memOTP is an in-memory OTPRepository.
type memOTP struct {
	mu         sync.Mutex
	challenges []*auth.OTPChallenge
	ledger     []issuance
	issueErr   error
}

func (m *memOTP) Stats(_ context.Context, email, ip string, since time.Time) (auth.IssuanceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st auth.IssuanceStats
	for _, row := range m.ledger {
		if row.at.Before(since) {
			continue
		}
		at := row.at
		if row.email == email {
			st.EmailCount++
			if st.OldestEmail == nil || at.Before(*st.OldestEmail) {
				st.OldestEmail = &at
			}
		}
		if row.ip == ip {
			st.IPCount++
			if st.OldestIP == nil || at.Before(*st.OldestIP) {
				st.OldestIP = &at
			}
		}
	}
	return st, nil
}

func (m *memOTP) Issue(_ context.Context, ch *auth.OTPChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issueErr != nil {
		return m.issueErr
	}
	kept := m.challenges[:0]
	for _, c := range m.challenges {
		if c.Email == ch.Email && !c.Used {
			continue
		}
		kept = append(kept, c)
	}
	cp := *ch
	m.challenges = append(kept, &cp)
	m.ledger = append(m.ledger, issuance{email: ch.Email, ip: ch.IPAddress, at: ch.CreatedAt})
	return nil
}

func (m *memOTP) FindUnused(_ context.Context, email, code string) (*auth.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.challenges) - 1; i >= 0; i-- {
		c := m.challenges[i]
		if c.Email == email && c.Code == code && !c.Used {
			cp := *c
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memOTP) Latest(_ context.Context, email string) (*auth.OTPChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.challenges) - 1; i >= 0; i-- {
		if c := m.challenges[i]; c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memOTP) MarkUsed(_ context.Context, id ulid.ULID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.ID == id {
			if c.Used {
				return false, nil
			}
			c.Used = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memOTP) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	kept := m.challenges[:0]
	for _, c := range m.challenges {
		if c.Used || c.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.challenges = kept
	return removed, nil
}

func (m *memOTP) PruneIssuances(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	kept := m.ledger[:0]
	for _, row := range m.ledger {
		if row.at.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.ledger = kept
	return removed, nil
}

func (m *memOTP) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	challenges := make([]*auth.OTPChallenge, 0, len(m.challenges))
	for _, c := range m.challenges {
		cp := *c
		challenges = append(challenges, &cp)
	}
	ledger := append([]issuance(nil), m.ledger...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.challenges, m.ledger = challenges, ledger
	}
}

// lastCode returns the code of the newest challenge for email.
func (m *memOTP) lastCode(t *testing.T, email string) string {
	t.Helper()
	c, err := m.Latest(context.Background(), email)
	require.NoError(t, err)
	return c.Code
}

type resetIssuance struct {
	accountID ulid.ULID
	at        time.Time
}

// memResets is an in-memory ResetTokenRepository.
type memResets struct {
	mu       sync.Mutex
	tokens   []*auth.ResetToken
	ledger   []resetIssuance
	usedErr  error
	pruneErr error
}

func (m *memResets) Create(_ context.Context, token *auth.ResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens = append(m.tokens, &cp)
	m.ledger = append(m.ledger, resetIssuance{accountID: token.AccountID, at: token.CreatedAt})
	return nil
}

func (m *memResets) GetByTokenHash(_ context.Context, hash string) (*auth.ResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.TokenHash == hash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memResets) CountSince(_ context.Context, accountID ulid.ULID, since time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	var oldest *time.Time
	for _, row := range m.ledger {
		if row.accountID != accountID || row.at.Before(since) {
			continue
		}
		count++
		at := row.at
		if oldest == nil || at.Before(*oldest) {
			oldest = &at
		}
	}
	return count, oldest, nil
}

func (m *memResets) MarkUsed(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedErr != nil {
		return false, m.usedErr
	}
	for _, tok := range m.tokens {
		if tok.TokenHash == hash {
			if tok.Used {
				return false, nil
			}
			tok.Used = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memResets) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	kept := m.tokens[:0]
	for _, tok := range m.tokens {
		if tok.Used || tok.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, tok)
	}
	m.tokens = kept
	return removed, nil
}

func (m *memResets) PruneIssuances(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	var removed int64
	kept := m.ledger[:0]
	for _, row := range m.ledger {
		if row.at.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.ledger = kept
	return removed, nil
}

func (m *memResets) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]*auth.ResetToken, 0, len(m.tokens))
	for _, tok := range m.tokens {
		cp := *tok
		tokens = append(tokens, &cp)
	}
	ledger := append([]resetIssuance(nil), m.ledger...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.tokens, m.ledger = tokens, ledger
	}
}

// snapshotter captures a store's state and returns a func restoring it.
type snapshotter interface {
	snapshot() func()
}

// memTx gives the in-memory stores transaction semantics: when fn fails,
// every store is restored to its state before the call.
type memTx struct {
	stores []snapshotter
	runs   int
}

func (m *memTx) InTransaction(ctx context.Context, fn func(context.Context) error) error {
	m.runs++
	restores := make([]func(), 0, len(m.stores))
	for _, s := range m.stores {
		restores = append(restores, s.snapshot())
	}
	if err := fn(ctx); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

// memSlot is a SessionSlot whose Set/Clear are buffered until Commit.
type memSlot struct {
	committed map[string]string
	pending   map[string]string
	commitErr error
	commits   int
}

func newMemSlot() *memSlot {
	return &memSlot{committed: map[string]string{}, pending: map[string]string{}}
}

func (s *memSlot) Get(key string) (string, bool) {
	v, ok := s.pending[key]
	return v, ok
}

func (s *memSlot) Set(key, value string) { s.pending[key] = value }

func (s *memSlot) Clear() { s.pending = map[string]string{} }

func (s *memSlot) Commit(context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits++
	s.committed = make(map[string]string, len(s.pending))
	for k, v := range s.pending {
		s.committed[k] = v
	}
	return nil
}

func browser(slot *memSlot) auth.ClientContext {
	return auth.ClientContext{Slot: slot, IPAddress: "203.0.113.7", UserAgent: "test-agent"}
}

// stubBots returns a fixed verdict.
type stubBots struct {
	verdict auth.BotVerdict
	err     error
	calls   []string
}

func (b *stubBots) Verify(_ context.Context, _, action, _ string) (auth.BotVerdict, error) {
	b.calls = append(b.calls, action)
	return b.verdict, b.err
}

type sentMail struct {
	kind, email, body string
}

// recMailer records sends and fails the kinds listed in fail.
type recMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail map[string]error
}

func (m *recMailer) send(kind, email, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[kind]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMail{kind: kind, email: email, body: body})
	return nil
}

func (m *recMailer) SendOTP(_ context.Context, email, code, _ string) error {
	return m.send("otp", email, code)
}

func (m *recMailer) SendResetLink(_ context.Context, email, link string) error {
	return m.send("reset", email, link)
}

func (m *recMailer) SendWelcome(_ context.Context, email, name string) error {
	return m.send("welcome", email, name)
}

func (m *recMailer) last(kind string) (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i], true
		}
	}
	return sentMail{}, false
}

var sealPrefix = []byte("sealed:")

// prefixSealer marks sealed blobs without encrypting them.
type prefixSealer struct{}

func (prefixSealer) Seal(p []byte) ([]byte, error) {
	return append(append([]byte{}, sealPrefix...), p...), nil
}

func (prefixSealer) Open(s []byte) ([]byte, error) {
	if !bytes.HasPrefix(s, sealPrefix) {
		return nil, errors.New("not sealed")
	}
	return s[len(sealPrefix):], nil
}

// recAudit collects audit entries.
type recAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recAudit) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recAudit) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

// plainHasher is a fast, deterministic PasswordHasher.
type plainHasher struct{}

func (plainHasher) Hash(pw string) (string, error) {
	if pw == "" {
		return "", auth.ErrEmptyPassword
	}
	return "plain:" + pw, nil
}

func (plainHasher) Verify(pw, encoded string) bool {
	return encoded == "plain:"+pw
}

// harness wires a Service over in-memory collaborators.
type harness struct {
	clock    *testClock
	accounts *memAccounts
	history  *memHistory
	otps     *memOTP
	resets   *memResets
	bots     *stubBots
	mailer   *recMailer
	audit    *recAudit
	tx       *memTx

	sessions *auth.SessionManager
	policy   *auth.PolicyEngine
	otp      *auth.OTPIssuer
	tokens   *auth.ResetTokenIssuer
	svc      *auth.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newTestClock(),
		accounts: newMemAccounts(),
		history:  &memHistory{},
		otps:     &memOTP{},
		resets:   &memResets{},
		bots:     &stubBots{verdict: auth.BotVerdict{Valid: true, Score: 0.9}},
		mailer:   &recMailer{fail: map[string]error{}},
		audit:    &recAudit{},
	}
	h.tx = &memTx{stores: []snapshotter{h.accounts, h.history, h.otps, h.resets}}
	opts := []auth.Option{auth.WithClock(h.clock.Now)}

	var err error
	h.sessions, err = auth.NewSessionManager(h.accounts, opts...)
	require.NoError(t, err)
	h.policy, err = auth.NewPolicyEngine(h.history, plainHasher{}, opts...)
	require.NoError(t, err)
	h.otp, err = auth.NewOTPIssuer(h.otps, opts...)
	require.NoError(t, err)
	h.tokens, err = auth.NewResetTokenIssuer(h.resets, opts...)
	require.NoError(t, err)

	h.svc, err = auth.NewService(auth.ServiceDeps{
		Accounts:  h.accounts,
		Tx:        h.tx,
		Hasher:    plainHasher{},
		Sessions:  h.sessions,
		Policy:    h.policy,
		OTP:       h.otp,
		Resets:    h.tokens,
		Bots:      h.bots,
		Mailer:    h.mailer,
		Sealer:    prefixSealer{},
		Audit:     h.audit,
		ResetLink: func(token string) string { return "https://portal.test/reset?token=" + token },
	}, opts...)
	require.NoError(t, err)
	return h
}

// seedAccount stores an account whose password was set an hour ago.
func (h *harness) seedAccount(t *testing.T, email, password string) *auth.Account {
	t.Helper()
	a, err := auth.NewAccount(email, "plain:"+password, nil, h.clock.Now())
	require.NoError(t, err)
	changed := h.clock.Now().Add(-time.Hour)
	expires := changed.Add(auth.PasswordLifetime)
	a.PasswordChangedAt = &changed
	a.PasswordExpiresAt = &expires
	h.accounts.put(a)
	return a
}
