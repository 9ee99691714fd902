package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rottym/fambam/internal/model"
)

type MemberStore struct {
	db  *sql.DB
	log *ChangeLog
}

func NewMemberStore(db *sql.DB, log *ChangeLog) *MemberStore {
	return &MemberStore{db: db, log: log}
}

const memberCols = `id, family_id, name, role, points, notify_opt_in, push_endpoint, push_p256dh, push_auth, pin IS NOT NULL, sort_key, created_at, updated_at`

func scanMember(scanner interface{ Scan(...any) error }) (*model.Member, error) {
	var m model.Member
	var role string
	var optIn, hasPIN int
	var endpoint, p256dh, auth sql.NullString

	err := scanner.Scan(
		&m.ID, &m.FamilyID, &m.Name, &role, &m.Points, &optIn,
		&endpoint, &p256dh, &auth, &hasPIN, &m.SortKey, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Role = model.Role(role)
	m.NotifyOptIn = optIn != 0
	m.HasPIN = hasPIN != 0
	if endpoint.Valid {
		m.HasToken = true
		m.Token = &model.PushToken{Endpoint: endpoint.String, P256dhKey: p256dh.String, AuthKey: auth.String}
	}
	return &m, nil
}

func getMember(ctx context.Context, q queryer, id int64) (*model.Member, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memberCols+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (s *MemberStore) Create(ctx context.Context, familyID int64, name string, role model.Role) (*model.Member, error) {
	var m *model.Member
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO members (family_id, name, role, sort_key) VALUES (?, ?, ?, ?)`,
			familyID, name, string(role), sortKeyNow(),
		)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if m, err = getMember(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, familyID, model.CollectionMembers, id, model.OpCreated, nil, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MemberStore) GetByID(ctx context.Context, id int64) (*model.Member, error) {
	return getMember(ctx, s.db, id)
}

func (s *MemberStore) ListByFamily(ctx context.Context, familyID int64) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberCols+` FROM members WHERE family_id = ? ORDER BY sort_key, id`, familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// update applies a single-row update to a member and records the change.
// It returns nil if the member does not exist.
func (s *MemberStore) update(ctx context.Context, id int64, query string, args ...any) (*model.Member, error) {
	var after *model.Member
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getMember(ctx, tx, id)
		if err != nil || before == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, append(args, id)...); err != nil {
			return fmt.Errorf("update member: %w", err)
		}
		if after, err = getMember(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionMembers, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

func (s *MemberStore) Rename(ctx context.Context, id int64, name string) (*model.Member, error) {
	return s.update(ctx, id, `UPDATE members SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC())
}

func (s *MemberStore) Delete(ctx context.Context, id int64) error {
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getMember(ctx, tx, id)
		if err != nil || before == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		return rec.record(ctx, before.FamilyID, model.CollectionMembers, id, model.OpDeleted, before, nil)
	})
	return err
}

// SetOptIn toggles notifications for a member. Opting out also drops the
// stored push token.
func (s *MemberStore) SetOptIn(ctx context.Context, id int64, optIn bool) (*model.Member, error) {
	if optIn {
		return s.update(ctx, id, `UPDATE members SET notify_opt_in = 1, updated_at = ? WHERE id = ?`, time.Now().UTC())
	}
	return s.update(ctx, id,
		`UPDATE members SET notify_opt_in = 0, push_endpoint = NULL, push_p256dh = NULL, push_auth = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(),
	)
}

func (s *MemberStore) SetPIN(ctx context.Context, id int64, hashedPIN string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE members SET pin = ? WHERE id = ?`, hashedPIN, id)
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	return nil
}

func (s *MemberStore) ClearPIN(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE members SET pin = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear pin: %w", err)
	}
	return nil
}

// GetPINHash returns the bcrypt hash of the member's PIN, or "" if none is
// set.
func (s *MemberStore) GetPINHash(ctx context.Context, id int64) (string, error) {
	var pin sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT pin FROM members WHERE id = ?`, id).Scan(&pin)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("member not found")
	}
	if err != nil {
		return "", fmt.Errorf("query pin: %w", err)
	}
	return pin.String, nil
}
