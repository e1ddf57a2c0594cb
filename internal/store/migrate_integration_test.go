// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/keystead/keystead/internal/store"
)

var _ = Describe("Migrator", Ordered, func() {
	var migrator *store.Migrator

	BeforeAll(func() {
		var err error
		migrator, err = store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(migrator.Close)
	})

	It("starts at version zero", func() {
		status, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Version).To(BeZero())
		Expect(status.Pending).NotTo(BeEmpty())
	})

	It("applies every migration", func() {
		Expect(migrator.Up()).To(Succeed())
		status, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Dirty).To(BeFalse())
		Expect(status.Pending).To(BeEmpty())
		Expect(status.Name).To(Equal("000004_audit_log"))
	})

	It("creates a usable schema", func() {
		ctx := context.Background()
		pool, err := store.Open(ctx, store.PoolConfig{URL: connStr})
		Expect(err).NotTo(HaveOccurred())
		defer pool.Close()

		Expect(store.ReadinessCheck(pool, time.Second)()).To(BeTrue())

		for _, table := range []string{
			"accounts", "password_history", "otp_challenges",
			"otp_issuances", "reset_tokens", "reset_issuances", "audit_log",
		} {
			var exists bool
			Expect(pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
				table).Scan(&exists)).To(Succeed())
			Expect(exists).To(BeTrue(), table)
		}
	})

	It("steps down and back up", func() {
		Expect(migrator.Steps(-1)).To(Succeed())
		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(3)))

		Expect(migrator.Steps(1)).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(4)))
	})

	It("rolls everything back", func() {
		Expect(migrator.Down()).To(Succeed())
		applied, err := migrator.AppliedMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeEmpty())
	})

	It("forces a version without running it", func() {
		Expect(migrator.Force(2)).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())
	})
})
