// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package audit records security-relevant account activity.
//
// # Routing
//
// The Logger routes entries by status and mode:
//
//	Failed, Warning → sync write → WAL fallback on failure
//	Success, Info (ModeAll only) → async write via buffered channel
//
// Recording never fails the caller. Sync failures that also fail to reach
// the WAL are logged and counted, then dropped.
//
// # Resilience
//
// When sync writes fail, entries are appended to a WAL file, by default
// $XDG_STATE_HOME/keystead/audit-wal.jsonl. ReplayWAL pushes them to the
// writer after an outage.
//
// # Metrics
//
//   - keystead_audit_channel_full_total: Channel overflow counter
//   - keystead_audit_failures_total{reason}: Failure counter by reason
//   - keystead_audit_wal_entries: Current WAL entry count
//
// # Example Usage
//
//	writer := audit.NewPostgresWriter(pool)
//	logger := audit.NewLogger(audit.ModeAll, writer, "")
//	defer logger.Close()
//
//	logger.Record(ctx, audit.Entry{
//	    ActorID:    account.ID.String(),
//	    ActorEmail: account.Email,
//	    Action:     audit.ActionLogin,
//	    Status:     audit.StatusSuccess,
//	    IPAddress:  ip,
//	})
package audit
