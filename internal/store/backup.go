package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rottym/fambam/internal/model"
)

// BackupStore records database snapshots. It sits outside the change log:
// backups are not family data.
type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

const backupColumns = `id, filename, object_key, size_bytes, status, error_message, started_at, completed_at, created_at`

func scanBackup(scanner interface{ Scan(...any) error }) (*model.Backup, error) {
	var (
		b           model.Backup
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	if err := scanner.Scan(&b.ID, &b.Filename, &b.ObjectKey, &b.SizeBytes, &b.Status, &errMsg, &b.StartedAt, &completedAt, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.ErrorMessage = errMsg.String
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

// Create records a pending backup started at now.
func (s *BackupStore) Create(ctx context.Context, filename, key string, now time.Time) (*model.Backup, error) {
	now = now.UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (filename, object_key, status, started_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		filename, key, string(model.BackupStatusPending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *BackupStore) GetByID(ctx context.Context, id int64) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %d: %w", id, err)
	}
	return b, nil
}

// List returns the newest backups first.
func (s *BackupStore) List(ctx context.Context, limit int) ([]model.Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backups ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *BackupStore) SetStatus(ctx context.Context, id int64, status model.BackupStatus, errorMsg string) error {
	var errPtr *string
	if errorMsg != "" {
		errPtr = &errorMsg
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE backups SET status = ?, error_message = ? WHERE id = ?`,
		string(status), errPtr, id,
	); err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	return nil
}

func (s *BackupStore) Complete(ctx context.Context, id, sizeBytes int64, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE backups SET status = ?, size_bytes = ?, completed_at = ?, error_message = NULL WHERE id = ?`,
		string(model.BackupStatusCompleted), sizeBytes, now.UTC(), id,
	); err != nil {
		return fmt.Errorf("complete backup: %w", err)
	}
	return nil
}

// LatestCompleted returns the most recent successful backup, or nil.
func (s *BackupStore) LatestCompleted(ctx context.Context) (*model.Backup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		string(model.BackupStatusCompleted))
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed backup: %w", err)
	}
	return b, nil
}

// DeleteOlderThan removes records created before the cutoff and returns the
// object keys they pointed at.
func (s *BackupStore) DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT object_key FROM backups WHERE created_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("select old backups: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan object key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE created_at < ?`, before.UTC()); err != nil {
		return nil, fmt.Errorf("delete old backups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return keys, nil
}
