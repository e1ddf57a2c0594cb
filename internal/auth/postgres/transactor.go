// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/auth"
)

// Transactor implements auth.Transactor using a pgx pool. It stores the
// active pgx.Tx in the context so that repository calls made with that
// context join the transaction.
type Transactor struct {
	pool poolIface
}

// NewTransactor creates a Transactor backed by the given pool.
func NewTransactor(pool poolIface) *Transactor {
	return &Transactor{pool: pool}
}

// InTransaction begins a transaction, stores it in ctx and calls fn. The
// transaction commits when fn returns nil and rolls back otherwise. A call
// made inside another InTransaction joins the outer transaction.
func (t *Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return oops.Code("TX_BEGIN_FAILED").In(string(auth.KindPersistence)).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code("TX_COMMIT_FAILED").In(string(auth.KindPersistence)).Wrap(err)
	}
	return nil
}

var _ auth.Transactor = (*Transactor)(nil)
