package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

type FolderStore struct {
	db  *sql.DB
	log *ChangeLog
}

func NewFolderStore(db *sql.DB, log *ChangeLog) *FolderStore {
	return &FolderStore{db: db, log: log}
}

const folderCols = `id, family_id, kind, name, sort_key, created_at, updated_at`

func scanFolder(scanner interface{ Scan(...any) error }) (*model.Folder, error) {
	var f model.Folder
	if err := scanner.Scan(&f.ID, &f.FamilyID, &f.Kind, &f.Name, &f.SortKey, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func getFolder(ctx context.Context, q queryer, id int64) (*model.Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+folderCols+` FROM folders WHERE id = ?`, id)
	f, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}

func (s *FolderStore) GetByID(ctx context.Context, id int64) (*model.Folder, error) {
	return getFolder(ctx, s.db, id)
}

func (s *FolderStore) Create(ctx context.Context, familyID int64, kind, name string) (*model.Folder, int64, error) {
	var f *model.Folder
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO folders (family_id, kind, name, sort_key) VALUES (?, ?, ?, ?)`,
			familyID, kind, name, sortKeyNow(),
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("folder kind %q: %w", kind, apperr.ErrInvalidInput)
			}
			return fmt.Errorf("insert folder: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if f, err = getFolder(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, familyID, model.CollectionFolders, id, model.OpCreated, nil, f)
	})
	if err != nil {
		return nil, 0, err
	}
	return f, seq, nil
}

func (s *FolderStore) Rename(ctx context.Context, id int64, name string) (*model.Folder, int64, error) {
	var after *model.Folder
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("folder %d: %w", id, apperr.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE folders SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), id,
		); err != nil {
			return fmt.Errorf("update folder: %w", err)
		}
		if after, err = getFolder(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionFolders, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, 0, err
	}
	return after, seq, nil
}

func (s *FolderStore) Delete(ctx context.Context, id int64) (int64, error) {
	return s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getFolder(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("folder %d: %w", id, apperr.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete folder: %w", err)
		}
		return rec.record(ctx, before.FamilyID, model.CollectionFolders, id, model.OpDeleted, before, nil)
	})
}
