// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keystead/keystead/internal/store"
)

// testPool is the shared database pool for integration specs.
var testPool *pgxpool.Pool

func TestAuthPostgres(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth Postgres Suite")
}

var _ = BeforeSuite(func() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("keystead_test"),
		postgres.WithUsername("keystead"),
		postgres.WithPassword("keystead"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	migrator, err := store.NewMigrator(connStr)
	Expect(err).NotTo(HaveOccurred())
	Expect(migrator.Up()).To(Succeed())
	Expect(migrator.Close()).To(Succeed())

	testPool, err = store.Open(ctx, store.PoolConfig{URL: connStr})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(testPool.Close)
})

// truncate empties every table between specs.
func truncate() {
	_, err := testPool.Exec(context.Background(), `
		TRUNCATE accounts, password_history, otp_challenges, otp_issuances, reset_tokens, reset_issuances, audit_log CASCADE
	`)
	Expect(err).NotTo(HaveOccurred())
}
