// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// poolIface is the subset of pgxpool.Pool used here; pgxmock satisfies it.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const insertEntrySQL = `
	INSERT INTO audit_log (
		id, actor_id, actor_email, action, status, description,
		ip_address, user_agent, extra, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const selectEntryColumns = `
	SELECT id, actor_id, actor_email, action, status, description,
	       ip_address, user_agent, extra, created_at
	FROM audit_log
`

// PostgresWriter implements Writer and the audit read queries for PostgreSQL.
type PostgresWriter struct {
	pool        poolIface
	asyncChan   chan Entry
	stopChan    chan struct{}
	wg          sync.WaitGroup
	batchSize   int
	flushPeriod time.Duration
}

// NewPostgresWriter creates a PostgresWriter with the given pool.
func NewPostgresWriter(pool poolIface) *PostgresWriter {
	writer := &PostgresWriter{
		pool:        pool,
		asyncChan:   make(chan Entry, 1000),
		stopChan:    make(chan struct{}),
		batchSize:   100,
		flushPeriod: 1 * time.Second,
	}

	writer.wg.Add(1)
	go writer.batchConsumer()

	return writer
}

func entryArgs(entry Entry) ([]any, error) {
	var extra []byte
	if len(entry.Extra) > 0 {
		var err error
		extra, err = json.Marshal(entry.Extra)
		if err != nil {
			return nil, oops.Wrap(err)
		}
	}
	return []any{
		entry.ID.String(),
		entry.ActorID,
		entry.ActorEmail,
		string(entry.Action),
		string(entry.Status),
		entry.Description,
		entry.IPAddress,
		entry.UserAgent,
		extra,
		entry.Timestamp,
	}, nil
}

// WriteSync performs a synchronous write to the database.
func (w *PostgresWriter) WriteSync(ctx context.Context, entry Entry) error {
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	if _, err := w.pool.Exec(ctx, insertEntrySQL, args...); err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("actor_id", entry.ActorID).
			With("action", entry.Action).
			Wrap(err)
	}
	return nil
}

// WriteAsync queues an entry for asynchronous batch writing.
func (w *PostgresWriter) WriteAsync(entry Entry) error {
	select {
	case w.asyncChan <- entry:
		return nil
	default:
		channelFullCounter.Inc()
		return oops.Code("AUDIT_CHANNEL_FULL").Errorf("async channel full")
	}
}

// batchConsumer processes async writes in batches.
func (w *PostgresWriter) batchConsumer() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	var batch []Entry

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := w.writeBatch(ctx, batch); err != nil {
			slog.Error("failed to write audit batch", "error", err, "count", len(batch))
			failuresCounter.WithLabelValues("batch_write_failed").Inc()
		}

		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.asyncChan:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.stopChan:
			for {
				select {
				case entry := <-w.asyncChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes multiple entries in a single transaction.
func (w *PostgresWriter) writeBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return oops.Code("AUDIT_BATCH_FAILED").Wrap(err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is expected when transaction commits successfully
		_ = tx.Rollback(ctx)
	}()

	for i := range entries {
		args, err := entryArgs(entries[i])
		if err != nil {
			slog.Error("failed to marshal audit extra", "error", err, "entry_id", entries[i].ID.String())
			continue
		}
		if _, err := tx.Exec(ctx, insertEntrySQL, args...); err != nil {
			return oops.Code("AUDIT_BATCH_FAILED").
				With("entry_id", entries[i].ID.String()).
				Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("AUDIT_BATCH_FAILED").Wrap(err)
	}
	return nil
}

// Close stops the batch consumer after flushing queued entries.
func (w *PostgresWriter) Close() error {
	close(w.stopChan)
	w.wg.Wait()
	return nil
}

// ListByAccount returns the newest entries for an account.
func (w *PostgresWriter) ListByAccount(ctx context.Context, accountID ulid.ULID, limit int) ([]Entry, error) {
	rows, err := w.pool.Query(ctx, selectEntryColumns+`
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID.String(), limit)
	if err != nil {
		return nil, oops.Code("AUDIT_QUERY_FAILED").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return scanEntries(rows)
}

// ListRecent returns the newest entries across all accounts.
func (w *PostgresWriter) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := w.pool.Query(ctx, selectEntryColumns+`
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, oops.Code("AUDIT_QUERY_FAILED").Wrap(err)
	}
	return scanEntries(rows)
}

// PurgeOlderThan deletes entries with the given statuses created before cutoff.
func (w *PostgresWriter) PurgeOlderThan(ctx context.Context, statuses []Status, cutoff time.Time) (int64, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	result, err := w.pool.Exec(ctx, `
		DELETE FROM audit_log WHERE status = ANY($1) AND created_at < $2
	`, names, cutoff)
	if err != nil {
		return 0, oops.Code("AUDIT_PURGE_FAILED").
			With("statuses", names).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			idStr  string
			action string
			status string
			entry  Entry
			extra  []byte
		)
		if err := rows.Scan(
			&idStr,
			&entry.ActorID,
			&entry.ActorEmail,
			&action,
			&status,
			&entry.Description,
			&entry.IPAddress,
			&entry.UserAgent,
			&extra,
			&entry.Timestamp,
		); err != nil {
			return nil, oops.Code("AUDIT_SCAN_FAILED").Wrap(err)
		}

		id, err := ulid.Parse(idStr)
		if err != nil {
			return nil, oops.Code("AUDIT_INVALID_ID").With("id", idStr).Wrap(err)
		}
		entry.ID = id
		entry.Action = Action(action)
		entry.Status = Status(status)

		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &entry.Extra); err != nil {
				return nil, oops.Code("AUDIT_INVALID_EXTRA").With("id", idStr).Wrap(err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("AUDIT_QUERY_FAILED").Wrap(err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ Writer = (*PostgresWriter)(nil)
