// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/xdg"
)

// Mode controls which entries are recorded.
type Mode string

// Audit logging modes.
const (
	ModeAlertsOnly Mode = "alerts_only" // failures + warnings
	ModeAll        Mode = "all"         // everything
)

// Writer is the interface for writing audit entries to a backend.
type Writer interface {
	WriteSync(ctx context.Context, entry Entry) error
	WriteAsync(entry Entry) error
	Close() error
}

var (
	channelFullCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keystead_audit_channel_full_total",
		Help: "Total number of times async audit channel was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keystead_audit_failures_total",
		Help: "Total number of audit logging failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keystead_audit_wal_entries",
		Help: "Current number of entries in the WAL",
	})
)

// Logger routes audit entries based on mode and status.
type Logger struct {
	mode      Mode
	writer    Writer
	walPath   string
	walFile   *os.File
	walMu     sync.Mutex
	asyncChan chan Entry
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	clock     func() time.Time
}

// NewLogger creates a Logger with the given mode, writer, and WAL path.
// If walPath is empty, a default path in the XDG state directory will be used.
func NewLogger(mode Mode, writer Writer, walPath string) *Logger {
	if walPath == "" {
		walPath = defaultWALPath()
	}

	logger := &Logger{
		mode:      mode,
		writer:    writer,
		walPath:   walPath,
		asyncChan: make(chan Entry, 1000),
		stopChan:  make(chan struct{}),
		clock:     time.Now,
	}

	logger.wg.Add(1)
	go logger.asyncConsumer()

	return logger
}

func defaultWALPath() string {
	stateDir, err := xdg.StateDir()
	if err != nil {
		slog.Error("failed to get state directory for WAL", "error", err)
		return filepath.Join(os.TempDir(), "keystead-audit-wal.jsonl")
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		slog.Error("failed to ensure state directory", "error", err)
	}
	return filepath.Join(stateDir, "audit-wal.jsonl")
}

// Record stores an entry. It never fails the caller: write problems are
// logged and counted.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	if l.mode == ModeAlertsOnly && !entry.isAlert() {
		return
	}
	if entry.ID.Compare(ulid.ULID{}) == 0 {
		entry.ID = ulid.Make()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock()
	}

	if entry.isAlert() {
		if err := l.writer.WriteSync(ctx, entry); err != nil {
			if walErr := l.writeToWAL(entry); walErr != nil {
				slog.Error("audit write failed: both DB and WAL failed",
					"db_error", err,
					"wal_error", walErr,
					"actor_id", entry.ActorID,
					"action", entry.Action,
					"status", entry.Status,
				)
				failuresCounter.WithLabelValues("wal_failed").Inc()
			}
		}
		return
	}

	select {
	case l.asyncChan <- entry:
	default:
		channelFullCounter.Inc()
	}
}

// asyncConsumer processes async writes from the channel.
func (l *Logger) asyncConsumer() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		case <-l.stopChan:
			l.drainAsync()
			return
		}
	}
}

func (l *Logger) writeAsync(entry Entry) {
	if err := l.writer.WriteAsync(entry); err != nil {
		slog.Error("async audit write failed",
			"error", err,
			"actor_id", entry.ActorID,
			"action", entry.Action,
		)
		failuresCounter.WithLabelValues("async_write_failed").Inc()
	}
}

// drainAsync processes all remaining entries in the channel.
func (l *Logger) drainAsync() {
	for {
		select {
		case entry := <-l.asyncChan:
			l.writeAsync(entry)
		default:
			return
		}
	}
}

// writeToWAL writes an entry to the write-ahead log.
func (l *Logger) writeToWAL(entry Entry) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	if l.walFile == nil {
		file, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = file
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}

	if _, err := fmt.Fprintf(l.walFile, "%s\n", data); err != nil {
		return oops.Wrap(err)
	}

	walEntriesGauge.Inc()
	return nil
}

// ReplayWAL reads all entries from the WAL and writes them to the writer.
// On success, truncates the WAL file.
func (l *Logger) ReplayWAL(ctx context.Context) error {
	l.walMu.Lock()
	defer l.walMu.Unlock()

	data, err := os.ReadFile(l.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	if len(data) == 0 {
		return nil
	}

	replayed := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Error("failed to unmarshal WAL entry", "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}

		if err := l.writer.WriteSync(ctx, entry); err != nil {
			slog.Error("failed to replay WAL entry", "error", err, "entry_id", entry.ID.String())
			failuresCounter.WithLabelValues("wal_replay_failed").Inc()
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	if err := os.Truncate(l.walPath, 0); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}

	walEntriesGauge.Set(0)
	slog.Info("replayed WAL entries", "count", replayed)
	return nil
}

// Close gracefully shuts down the logger. It is safe to call more than once.
func (l *Logger) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()

		if err := l.writer.Close(); err != nil {
			closeErr = oops.Wrap(err)
			return
		}

		l.walMu.Lock()
		defer l.walMu.Unlock()
		if l.walFile != nil {
			if err := l.walFile.Close(); err != nil {
				closeErr = oops.Wrap(err)
				return
			}
			l.walFile = nil
		}
	})
	return closeErr
}
