// Package repository stores the history of evicted sessions.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/remote-agent-terminal/ttysim/internal/model"
)

// DefaultListLimit caps list queries that do not give a limit.
const DefaultListLimit = 100

// ErrRecordNotFound is returned when a history record does not exist.
var ErrRecordNotFound = errors.New("history record not found")

// HistoryRepository provides data access for session history. It implements
// session.HistoryRecorder.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record inserts a history record and sets its ID.
func (r *HistoryRepository) Record(ctx context.Context, rec *model.SessionRecord) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}

	query := `
		INSERT INTO session_history (session_id, created_at, evicted_at, reason, peak_clients, log_file_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.CreatedAt.UTC(),
		rec.EvictedAt.UTC(),
		string(rec.Reason),
		rec.PeakClients,
		nullString(rec.LogFilePath),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get record id: %w", err)
	}
	rec.ID = id
	return nil
}

// Get retrieves a history record by its ID.
func (r *HistoryRepository) Get(ctx context.Context, id int64) (*model.SessionRecord, error) {
	query := `
		SELECT id, session_id, created_at, evicted_at, reason, peak_clients, log_file_path
		FROM session_history
		WHERE id = ?
	`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns the most recently evicted sessions first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `
		SELECT id, session_id, created_at, evicted_at, reason, peak_clients, log_file_path
		FROM session_history
		ORDER BY evicted_at DESC, id DESC
		LIMIT ?
	`
	return r.query(ctx, query, normalizeLimit(limit))
}

// ListBySession returns the history of one session id, newest first.
func (r *HistoryRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*model.SessionRecord, error) {
	query := `
		SELECT id, session_id, created_at, evicted_at, reason, peak_clients, log_file_path
		FROM session_history
		WHERE session_id = ?
		ORDER BY evicted_at DESC, id DESC
		LIMIT ?
	`
	return r.query(ctx, query, sessionID, normalizeLimit(limit))
}

// Count returns the number of history records.
func (r *HistoryRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (r *HistoryRepository) query(ctx context.Context, query string, args ...any) ([]*model.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := make([]*model.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var reason string
	var logFilePath sql.NullString

	err := s.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.CreatedAt,
		&rec.EvictedAt,
		&reason,
		&rec.PeakClients,
		&logFilePath,
	)
	if err != nil {
		return nil, err
	}

	rec.Reason = model.EvictReason(reason)
	if logFilePath.Valid {
		rec.LogFilePath = logFilePath.String
	}
	return rec, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
