// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/auth/postgres"
	"github.com/keystead/keystead/internal/botcheck"
	"github.com/keystead/keystead/internal/fieldcrypt"
	"github.com/keystead/keystead/internal/web"
)

const (
	alicePassword = "Green-Anchor-77?q"
	freshPassword = "Fresh-Orchid-58#w"
	resetPrefix   = "https://accounts.test/reset?token="
)

// stepClock is a manually advanced clock shared by every component.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// inbox records outgoing mail instead of sending it.
type inbox struct {
	mu    sync.Mutex
	codes map[string]string
	links map[string]string
}

func newInbox() *inbox {
	return &inbox{codes: map[string]string{}, links: map[string]string{}}
}

func (m *inbox) SendOTP(_ context.Context, email, code, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *inbox) SendResetLink(_ context.Context, email, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[email] = link
	return nil
}

func (*inbox) SendWelcome(context.Context, string, string) error { return nil }

func (m *inbox) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

func (m *inbox) link(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[email]
}

// browser is an HTTP client with its own cookie jar.
type browser struct {
	base   string
	client *http.Client
}

func newBrowser(base string) *browser {
	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	return &browser{base: base, client: &http.Client{Jar: jar}}
}

func (b *browser) do(method, path string, body any) (int, map[string]any) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, b.base+path, reader)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (b *browser) post(path string, body any) (int, map[string]any) {
	return b.do(http.MethodPost, path, body)
}

func (b *browser) get(path string) (int, map[string]any) {
	return b.do(http.MethodGet, path, nil)
}

var _ = Describe("Account lifecycle over HTTP", func() {
	var (
		server *httptest.Server
		mail   *inbox
		clock  *stepClock
	)

	BeforeEach(func() {
		truncate()

		clock = &stepClock{now: time.Now().UTC().Truncate(time.Microsecond)}
		mail = newInbox()
		logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		opts := []auth.Option{auth.WithLogger(logger), auth.WithClock(clock.Now)}

		accounts := postgres.NewAccountRepository(testPool)
		hasher := auth.NewDoubleSaltedHasher(auth.NewArgon2idHasherWithParams(auth.Argon2Params{
			Time: 1, Memory: 8 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32,
		}), logger)

		sessions, err := auth.NewSessionManager(accounts, opts...)
		Expect(err).NotTo(HaveOccurred())
		policy, err := auth.NewPolicyEngine(postgres.NewHistoryRepository(testPool), hasher, opts...)
		Expect(err).NotTo(HaveOccurred())
		otp, err := auth.NewOTPIssuer(postgres.NewOTPRepository(testPool), opts...)
		Expect(err).NotTo(HaveOccurred())
		resets, err := auth.NewResetTokenIssuer(postgres.NewResetTokenRepository(testPool), opts...)
		Expect(err).NotTo(HaveOccurred())
		sealer, err := fieldcrypt.New(bytes.Repeat([]byte{3}, 32))
		Expect(err).NotTo(HaveOccurred())

		writer := audit.NewPostgresWriter(testPool)
		auditLog := audit.NewLogger(audit.ModeAll, writer, filepath.Join(GinkgoT().TempDir(), "wal.jsonl"))
		DeferCleanup(auditLog.Close)

		svc, err := auth.NewService(auth.ServiceDeps{
			Accounts:  accounts,
			Tx:        postgres.NewTransactor(testPool),
			Hasher:    hasher,
			Sessions:  sessions,
			Policy:    policy,
			OTP:       otp,
			Resets:    resets,
			Bots:      botcheck.AlwaysAllow{},
			Mailer:    mail,
			Sealer:    sealer,
			Audit:     auditLog,
			ResetLink: func(token string) string { return resetPrefix + token },
		}, opts...)
		Expect(err).NotTo(HaveOccurred())

		cookies, err := web.NewCookieCodec(bytes.Repeat([]byte{9}, 32), false)
		Expect(err).NotTo(HaveOccurred())
		api, err := web.NewServer(web.Config{
			Service:  svc,
			Activity: writer,
			Cookies:  cookies,
			Logger:   logger,
		})
		Expect(err).NotTo(HaveOccurred())

		server = httptest.NewServer(api.Handler())
		DeferCleanup(server.Close)
	})

	register := func(b *browser) {
		status, body := b.post("/api/register", map[string]any{
			"email":         "Alice@Example.com",
			"password":      alicePassword,
			"first_name":    "Alice",
			"last_name":     "Tan",
			"nric":          "S1234567D",
			"date_of_birth": "1990-04-01",
			"captcha_token": "token",
		})
		Expect(status).To(Equal(http.StatusAccepted), "%v", body)
		Expect(body["email"]).To(Equal("alice@example.com"))

		code := mail.code("alice@example.com")
		Expect(code).To(HaveLen(6))

		status, body = b.post("/api/register/verify", map[string]any{
			"email": "alice@example.com",
			"code":  code,
		})
		Expect(status).To(Equal(http.StatusCreated), "%v", body)
	}

	It("registers, verifies and signs the browser in", func() {
		alice := newBrowser(server.URL)
		register(alice)

		status, body := alice.get("/api/session")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["valid"]).To(BeTrue())

		status, body = alice.get("/api/me")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["email"]).To(Equal("alice@example.com"))
		profile, ok := body["profile"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(profile["nric"]).To(Equal("S1234567D"))

		var stored []byte
		Expect(testPool.QueryRow(context.Background(),
			`SELECT sealed_profile FROM accounts WHERE email = 'alice@example.com'`).Scan(&stored)).To(Succeed())
		Expect(string(stored)).NotTo(ContainSubstring("S1234567D"), "profile is sealed at rest")
	})

	It("rejects a wrong code and a reused code", func() {
		alice := newBrowser(server.URL)
		status, _ := alice.post("/api/register/verify", map[string]any{
			"email": "alice@example.com",
			"code":  "123456",
		})
		Expect(status).To(Equal(http.StatusUnauthorized))

		register(alice)
		status, _ = newBrowser(server.URL).post("/api/register/verify", map[string]any{
			"email": "alice@example.com",
			"code":  mail.code("alice@example.com"),
		})
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("keeps a single active session per account", func() {
		first := newBrowser(server.URL)
		register(first)

		second := newBrowser(server.URL)
		status, body := second.post("/api/login", map[string]any{
			"email":    "alice@example.com",
			"password": alicePassword,
		})
		Expect(status).To(Equal(http.StatusOK), "%v", body)
		Expect(body["displaced_other"]).To(BeTrue())

		status, body = first.get("/api/session")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["valid"]).To(BeFalse())
		Expect(body["reason"]).To(Equal(string(auth.SessionDisplaced)))

		status, _ = first.get("/api/me")
		Expect(status).To(Equal(http.StatusUnauthorized))

		status, body = second.get("/api/session")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["valid"]).To(BeTrue(), "the newer session survives")
	})

	It("resets a forgotten password and signs every browser out", func() {
		alice := newBrowser(server.URL)
		register(alice)

		stranger := newBrowser(server.URL)
		status, unknown := stranger.post("/api/password/forgot", map[string]any{"email": "ghost@example.com"})
		Expect(status).To(Equal(http.StatusOK))
		status, known := stranger.post("/api/password/forgot", map[string]any{"email": "alice@example.com"})
		Expect(status).To(Equal(http.StatusOK))
		Expect(known).To(Equal(unknown), "the answer does not reveal whether the email exists")

		token, found := strings.CutPrefix(mail.link("alice@example.com"), resetPrefix)
		Expect(found).To(BeTrue())

		clock.Advance(2 * auth.MinPasswordAge)
		status, body := stranger.post("/api/password/reset", map[string]any{
			"token":        token,
			"new_password": freshPassword,
		})
		Expect(status).To(Equal(http.StatusOK), "%v", body)

		status, body = alice.get("/api/session")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body["valid"]).To(BeFalse())

		status, _ = stranger.post("/api/password/reset", map[string]any{
			"token":        token,
			"new_password": "Another-Pass-31$z",
		})
		Expect(status).To(Equal(http.StatusUnauthorized), "tokens are single use")

		status, _ = alice.post("/api/login", map[string]any{"email": "alice@example.com", "password": alicePassword})
		Expect(status).To(Equal(http.StatusUnauthorized))
		status, _ = alice.post("/api/login", map[string]any{"email": "alice@example.com", "password": freshPassword})
		Expect(status).To(Equal(http.StatusOK))
	})

	It("records the activity trail", func() {
		alice := newBrowser(server.URL)
		register(alice)

		Eventually(func(g Gomega) {
			status, body := alice.get("/api/activity")
			g.Expect(status).To(Equal(http.StatusOK))
			entries, ok := body["entries"].([]any)
			g.Expect(ok).To(BeTrue())
			var actions []string
			for _, e := range entries {
				entry, _ := e.(map[string]any)
				action, _ := entry["action"].(string)
				actions = append(actions, action)
			}
			g.Expect(actions).To(ContainElement(string(audit.ActionRegister)))
		}).WithTimeout(5 * time.Second).WithPolling(100 * time.Millisecond).Should(Succeed())
	})
})
