package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rottym/fambam/internal/model"
)

type FamilyStore struct {
	db *sql.DB
}

func NewFamilyStore(db *sql.DB) *FamilyStore {
	return &FamilyStore{db: db}
}

func (s *FamilyStore) Create(ctx context.Context, name string) (*model.Family, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO families (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("insert family: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID returns the family with its member ids, or nil if it does not
// exist.
func (s *FamilyStore) GetByID(ctx context.Context, id int64) (*model.Family, error) {
	var f model.Family
	var calID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, external_calendar_id, created_at, updated_at FROM families WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &calID, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	f.ExternalCalendarID = stringPtr(calID)

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM members WHERE family_id = ? ORDER BY sort_key, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()

	f.MemberIDs = []int64{}
	for rows.Next() {
		var mid int64
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		f.MemberIDs = append(f.MemberIDs, mid)
	}
	return &f, rows.Err()
}

// SetExternalCalendar links the family to an external calendar. A nil id
// unlinks it.
func (s *FamilyStore) SetExternalCalendar(ctx context.Context, id int64, calendarID *string) (*model.Family, error) {
	var cal sql.NullString
	if calendarID != nil && *calendarID != "" {
		cal = sql.NullString{String: *calendarID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE families SET external_calendar_id = ?, updated_at = ? WHERE id = ?`,
		cal, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("set external calendar: %w", err)
	}
	return s.GetByID(ctx, id)
}

// ListIDs returns every family id.
func (s *FamilyStore) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM families ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list family ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan family id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
