// Package backup takes encrypted snapshots of the database and keeps them in
// S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// ErrDisabled is returned when object storage or the passphrase is not
// configured.
var ErrDisabled = errors.New("backup not configured")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds object storage and schedule settings.
type Config struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string
	// Interval between scheduled backups; zero disables the schedule.
	Interval  time.Duration
	Retention time.Duration
}

func (c Config) enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Manager takes, prunes and restores backups. One backup runs at a time.
type Manager struct {
	cfg    Config
	db     *sql.DB
	store  *store.BackupStore
	client s3Client
	now    func() time.Time
	logger *slog.Logger

	run sync.Mutex

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. Without complete storage settings it
// stays disabled and every operation returns ErrDisabled.
func NewManager(cfg Config, db *sql.DB, bs *store.BackupStore, logger *slog.Logger) *Manager {
	var client s3Client
	if cfg.enabled() {
		client = newS3Client(cfg)
	}
	return newManager(cfg, db, bs, client, logger)
}

func newManager(cfg Config, db *sql.DB, bs *store.BackupStore, client s3Client, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		db:     db,
		store:  bs,
		client: client,
		now:    time.Now,
		logger: logger.With("component", "backup"),
		status: Status{State: StateDisabled},
	}
	if client != nil {
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether backups can run.
func (m *Manager) Enabled() bool {
	return m.client != nil
}

// Start begins the scheduled backup loop. It does nothing when backups are
// disabled or no interval is set.
func (m *Manager) Start(ctx context.Context) {
	if m.client == nil {
		return
	}
	if last, err := m.store.LatestCompleted(ctx); err != nil {
		m.logger.Warn("load last backup", "error", err)
	} else if last != nil && last.CompletedAt != nil {
		m.setStatus(Status{State: StateIdle, LastBackup: last.CompletedAt})
	}
	if m.cfg.Interval <= 0 {
		return
	}
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop gracefully stops the backup loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) scheduled(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil {
		if ctx.Err() == nil {
			m.logger.Error("scheduled backup failed", "error", err)
		}
		return
	}
	if n, err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "pruned", n, "error", err)
	}
}

// RunNow snapshots the database, encrypts the snapshot and uploads it. The
// returned record is completed.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	if m.client == nil {
		return nil, ErrDisabled
	}
	m.run.Lock()
	defer m.run.Unlock()

	started := m.now().UTC()
	filename := fmt.Sprintf("fambam-%s.db.enc", started.Format("2006-01-02T150405.000Z"))
	key := m.objectKey(filename)

	record, err := m.store.Create(ctx, filename, key, started)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, err
	}
	m.setStatus(Status{State: StateRunning})

	size, err := m.upload(ctx, record)
	if err != nil {
		m.logger.Error("backup failed", "backup_id", record.ID, "error", err)
		if serr := m.store.SetStatus(context.WithoutCancel(ctx), record.ID, model.BackupStatusFailed, err.Error()); serr != nil {
			m.logger.Error("record backup failure", "backup_id", record.ID, "error", serr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, err
	}

	done := m.now().UTC()
	if err := m.store.Complete(ctx, record.ID, size, done); err != nil {
		return nil, err
	}
	m.setStatus(Status{State: StateIdle, LastBackup: &done})
	m.logger.Info("backup completed", "backup_id", record.ID, "key", key, "size_bytes", size)
	return m.store.GetByID(ctx, record.ID)
}

func (m *Manager) objectKey(filename string) string {
	if m.cfg.Prefix == "" {
		return filename
	}
	return m.cfg.Prefix + "/" + filename
}

func (m *Manager) upload(ctx context.Context, record *model.Backup) (int64, error) {
	dir, err := os.MkdirTemp("", "fambam-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// VACUUM INTO writes a consistent copy while writers carry on.
	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return 0, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return 0, err
	}

	if err := m.store.SetStatus(ctx, record.ID, model.BackupStatusUploading, ""); err != nil {
		return 0, err
	}
	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(record.ObjectKey),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	}); err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), nil
}

// List returns the newest backup records first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.Backup, error) {
	return m.store.List(ctx, limit)
}

// Restore downloads a completed backup, decrypts it, checks its integrity and
// writes it to dst. dst must not exist; swapping it in for the live database
// is left to the operator with the server stopped.
func (m *Manager) Restore(ctx context.Context, backupID int64, dst string) error {
	if m.client == nil {
		return ErrDisabled
	}
	record, err := m.store.GetByID(ctx, backupID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("backup %d not found", backupID)
	}
	if record.Status != model.BackupStatusCompleted {
		return fmt.Errorf("backup %d is %s", backupID, record.Status)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(record.ObjectKey),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	sealed, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		return fmt.Errorf("read download: %w", err)
	}

	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup %d: %w", backupID, err)
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move restored database: %w", err)
	}
	m.logger.Info("backup restored", "backup_id", backupID, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

// Cleanup deletes backups older than the retention period and returns how
// many records were pruned. Object deletions that fail are combined into the
// returned error; their records are gone regardless.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.client == nil {
		return 0, ErrDisabled
	}
	if m.cfg.Retention <= 0 {
		return 0, nil
	}

	keys, err := m.store.DeleteOlderThan(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}

	var errs error
	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if len(keys) > 0 {
		m.logger.Info("old backups pruned", "count", len(keys))
	}
	return len(keys), errs
}
