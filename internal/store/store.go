// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Package store persists delivered notifications in SQLite via the
// pure-Go modernc.org/sqlite driver. All queries are scoped to a single
// user; there is no cross-user surface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/metrics"
	"github.com/vladgthb/notification/internal/models"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	is_read    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	read_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_read
	ON notifications (user_id, is_read);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created
	ON notifications (user_id, created_at DESC);
`

// Store is the durable notification record store. Safe for concurrent
// use; the underlying *sql.DB pools connections.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens (and if needed creates) the notification database at the
// configured path and applies the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dsn := buildDSN(cfg)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Path, err)
	}

	// WAL-mode sqlite supports one writer; a small pool avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("Notification store ready")
	return &Store{db: db}, nil
}

func buildDSN(cfg config.DatabaseConfig) string {
	if cfg.Path == ":memory:" {
		// Shared cache keeps the in-memory database alive across the
		// pool's connections.
		return "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Insert appends a notification record for a user and returns the
// stored record with its assigned ID and creation timestamp.
func (s *Store) Insert(ctx context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error) {
	start := time.Now()
	rec, err := s.insert(ctx, userID, notifType, details)
	metrics.ObserveStoreOp("insert", start, err)
	return rec, err
}

func (s *Store) insert(ctx context.Context, userID, notifType string, details json.RawMessage) (*models.NotificationRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO notifications (user_id, type, details, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`,
		userID, notifType, string(details), now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("inserting notification for user %s: %w", userID, err)
	}

	return &models.NotificationRecord{
		ID:        id,
		UserID:    userID,
		Type:      notifType,
		Details:   details,
		CreatedAt: now,
		IsRead:    false,
	}, nil
}

// Query returns a user's notifications, newest first. With unreadOnly
// set, read records are filtered out. A user with no records gets an
// empty slice, not an error.
func (s *Store) Query(ctx context.Context, userID string, unreadOnly bool) ([]*models.NotificationRecord, error) {
	start := time.Now()
	recs, err := s.query(ctx, userID, unreadOnly)
	metrics.ObserveStoreOp("query", start, err)
	return recs, err
}

func (s *Store) query(ctx context.Context, userID string, unreadOnly bool) ([]*models.NotificationRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	q := `SELECT id, user_id, type, details, is_read, created_at, read_at
	      FROM notifications WHERE user_id = ?`
	if unreadOnly {
		q += ` AND is_read = 0`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying notifications for user %s: %w", userID, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkRead marks the given notification IDs read for a user. IDs that
// are already read, missing, or owned by another user are skipped.
// Only the records that transitioned in this call are returned.
func (s *Store) MarkRead(ctx context.Context, userID string, ids []int64) (*models.MarkReadResult, error) {
	start := time.Now()
	res, err := s.markRead(ctx, userID, ids)
	metrics.ObserveStoreOp("mark_read", start, err)
	return res, err
}

func (s *Store) markRead(ctx context.Context, userID string, ids []int64) (*models.MarkReadResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(ids) == 0 {
		return &models.MarkReadResult{UpdatedCount: 0, UpdatedRecords: []*models.NotificationRecord{}}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC(), userID)
	for _, id := range ids {
		args = append(args, id)
	}

	// RETURNING restricts the response to rows this statement actually
	// flipped, which is what makes repeated calls idempotent.
	q := fmt.Sprintf(
		`UPDATE notifications SET is_read = 1, read_at = ?
		 WHERE user_id = ? AND is_read = 0 AND id IN (%s)
		 RETURNING id, user_id, type, details, is_read, created_at, read_at`,
		placeholders)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("marking notifications read for user %s: %w", userID, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &models.MarkReadResult{UpdatedCount: len(recs), UpdatedRecords: recs}, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread for user %s: %w", userID, err)
	}
	return n, nil
}

// Ping reports store health for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*models.NotificationRecord, error) {
	recs := []*models.NotificationRecord{}
	for rows.Next() {
		var (
			rec     models.NotificationRecord
			details string
			isRead  int
			readAt  sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Type, &details, &isRead, &rec.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		rec.Details = json.RawMessage(details)
		rec.IsRead = isRead != 0
		if readAt.Valid {
			t := readAt.Time
			rec.ReadAt = &t
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notification rows: %w", err)
	}
	return recs, nil
}
