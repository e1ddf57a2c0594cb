// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/internal/auth/postgres"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newAccount(email string) *auth.Account {
	account, err := auth.NewAccount(email, "hash", []byte("sealed"), now)
	Expect(err).NotTo(HaveOccurred())
	return account
}

var _ = Describe("AccountRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate()
		repo = postgres.NewAccountRepository(testPool)
	})

	It("round-trips every column", func() {
		account := newAccount("bob@example.com")
		Expect(repo.Create(ctx, account)).To(Succeed())

		stored, err := repo.GetByEmail(ctx, "BOB@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ID).To(Equal(account.ID))
		Expect(stored.SealedProfile).To(Equal([]byte("sealed")))
		Expect(stored.EmailVerified).To(BeTrue())
		Expect(stored.SessionTokenHash).To(BeNil())
	})

	It("rejects a second account with the same email in any case", func() {
		Expect(repo.Create(ctx, newAccount("bob@example.com"))).To(Succeed())

		dup := newAccount("bob@example.com")
		dup.Email = "Bob@Example.com"
		err := repo.Create(ctx, dup)
		Expect(err).To(MatchError(auth.ErrEmailTaken))
	})

	It("reports a miss as not found", func() {
		_, err := repo.GetByID(ctx, ulid.Make())
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("applies optimistic versioning", func() {
		account := newAccount("bob@example.com")
		Expect(repo.Create(ctx, account)).To(Succeed())

		first, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		second, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())

		hash := "token-a"
		first.SessionTokenHash = &hash
		Expect(repo.Update(ctx, first)).To(Succeed())
		Expect(first.Version).To(Equal(int64(1)))

		other := "token-b"
		second.SessionTokenHash = &other
		Expect(repo.Update(ctx, second)).To(MatchError(auth.ErrConflict))

		stored, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(*stored.SessionTokenHash).To(Equal("token-a"))
	})

	It("lets exactly one of two racing writers win", func() {
		account := newAccount("bob@example.com")
		Expect(repo.Create(ctx, account)).To(Succeed())

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			conflicts int
		)
		for i := range 2 {
			snapshot, err := repo.GetByID(ctx, account.ID)
			Expect(err).NotTo(HaveOccurred())
			wg.Add(1)
			go func(a *auth.Account, n int) {
				defer GinkgoRecover()
				defer wg.Done()
				a.FailedAttempts = n + 1
				if err := repo.Update(ctx, a); err != nil {
					Expect(err).To(MatchError(auth.ErrConflict))
					mu.Lock()
					conflicts++
					mu.Unlock()
				}
			}(snapshot, i)
		}
		wg.Wait()
		Expect(conflicts).To(Equal(1))
	})
})

var _ = Describe("HistoryRepository", func() {
	It("keeps only the newest entries", func() {
		ctx := context.Background()
		truncate()
		account := newAccount("bob@example.com")
		Expect(postgres.NewAccountRepository(testPool).Create(ctx, account)).To(Succeed())

		repo := postgres.NewHistoryRepository(testPool)
		for i, hash := range []string{"h1", "h2", "h3"} {
			Expect(repo.Append(ctx, &auth.PasswordHistoryEntry{
				ID:           ulid.Make(),
				AccountID:    account.ID,
				PasswordHash: hash,
				CreatedAt:    now.Add(time.Duration(i) * time.Minute),
			}, auth.HistoryDepth)).To(Succeed())
		}

		entries, err := repo.Recent(ctx, account.ID, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(auth.HistoryDepth))
		Expect(entries[0].PasswordHash).To(Equal("h3"))
		Expect(entries[1].PasswordHash).To(Equal("h2"))
	})
})

var _ = Describe("OTPRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.OTPRepository
	)

	challenge := func(code string, at time.Time) *auth.OTPChallenge {
		return &auth.OTPChallenge{
			ID:        ulid.Make(),
			Email:     "alice@x.com",
			Code:      code,
			Payload:   []byte("sealed"),
			IPAddress: "198.51.100.1",
			CreatedAt: at,
			ExpiresAt: at.Add(auth.OTPExpiry),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		truncate()
		repo = postgres.NewOTPRepository(testPool)
	})

	It("supersedes unused codes but keeps counting issuance", func() {
		Expect(repo.Issue(ctx, challenge("111111", now))).To(Succeed())
		Expect(repo.Issue(ctx, challenge("222222", now.Add(time.Minute)))).To(Succeed())

		_, err := repo.FindUnused(ctx, "alice@x.com", "111111")
		Expect(err).To(MatchError(auth.ErrNotFound))
		latest, err := repo.FindUnused(ctx, "alice@x.com", "222222")
		Expect(err).NotTo(HaveOccurred())

		st, err := repo.Stats(ctx, "alice@x.com", "198.51.100.1", now.Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.EmailCount).To(Equal(2))
		Expect(st.IPCount).To(Equal(2))
		Expect(*st.OldestEmail).To(BeTemporally("==", now))

		claimed, err := repo.MarkUsed(ctx, latest.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())
		claimed, err = repo.MarkUsed(ctx, latest.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeFalse())

		used, err := repo.Latest(ctx, "alice@x.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(used.Used).To(BeTrue())
	})

	It("sweeps expired challenges and old ledger rows", func() {
		Expect(repo.Issue(ctx, challenge("111111", now))).To(Succeed())

		removed, err := repo.DeleteExpired(ctx, now.Add(auth.OTPExpiry+time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(Equal(int64(1)))

		pruned, err := repo.PruneIssuances(ctx, now.Add(time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(pruned).To(Equal(int64(1)))
	})
})

var _ = Describe("ResetTokenRepository", func() {
	It("stores, counts and claims tokens", func() {
		ctx := context.Background()
		truncate()
		account := newAccount("bob@example.com")
		Expect(postgres.NewAccountRepository(testPool).Create(ctx, account)).To(Succeed())

		repo := postgres.NewResetTokenRepository(testPool)
		token := &auth.ResetToken{
			ID:        ulid.Make(),
			AccountID: account.ID,
			TokenHash: auth.HashResetToken("plain"),
			CreatedAt: now,
			ExpiresAt: now.Add(auth.ResetTokenExpiry),
		}
		Expect(repo.Create(ctx, token)).To(Succeed())

		count, oldest, err := repo.CountSince(ctx, account.ID, now.Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		Expect(*oldest).To(BeTemporally("==", now))

		stored, err := repo.GetByTokenHash(ctx, token.TokenHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.AccountID).To(Equal(account.ID))

		claimed, err := repo.MarkUsed(ctx, token.TokenHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(BeTrue())

		removed, err := repo.DeleteExpired(ctx, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(Equal(int64(1)), "used tokens are swept")

		count, _, err = repo.CountSince(ctx, account.ID, now.Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1), "issuance ledger outlives the token")

		pruned, err := repo.PruneIssuances(ctx, now.Add(time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(pruned).To(Equal(int64(1)))
	})
})
