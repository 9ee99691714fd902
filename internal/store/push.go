package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rottym/fambam/internal/model"
)

type PushStore struct {
	db  *sql.DB
	log *ChangeLog
}

func NewPushStore(db *sql.DB, log *ChangeLog) *PushStore {
	return &PushStore{db: db, log: log}
}

// SetToken stores the member's current push subscription, replacing any
// previous one. It returns nil if the member does not exist.
func (s *PushStore) SetToken(ctx context.Context, memberID int64, token model.PushToken) (*model.Member, error) {
	var after *model.Member
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getMember(ctx, tx, memberID)
		if err != nil || before == nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE members SET push_endpoint = ?, push_p256dh = ?, push_auth = ?, updated_at = ? WHERE id = ?`,
			token.Endpoint, token.P256dhKey, token.AuthKey, time.Now().UTC(), memberID,
		)
		if err != nil {
			return fmt.Errorf("set push token: %w", err)
		}
		if after, err = getMember(ctx, tx, memberID); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionMembers, memberID, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// ClearToken removes the member's push subscription, but only while it is
// still the one at endpoint. An empty endpoint clears unconditionally. It
// reports whether a token was cleared.
func (s *PushStore) ClearToken(ctx context.Context, memberID int64, endpoint string) (bool, error) {
	cleared := false
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getMember(ctx, tx, memberID)
		if err != nil || before == nil {
			return err
		}

		query := `UPDATE members SET push_endpoint = NULL, push_p256dh = NULL, push_auth = NULL, updated_at = ?
		          WHERE id = ? AND push_endpoint IS NOT NULL`
		args := []any{time.Now().UTC(), memberID}
		if endpoint != "" {
			query += ` AND push_endpoint = ?`
			args = append(args, endpoint)
		}
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("clear push token: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		cleared = true

		after, err := getMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionMembers, memberID, model.OpUpdated, before, after)
	})
	if err != nil {
		return false, err
	}
	return cleared, nil
}

// GetPreferences returns the stored notification preferences of a member.
// Types without a row are enabled.
func (s *PushStore) GetPreferences(ctx context.Context, memberID int64) ([]model.NotificationPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, notification_type, enabled, updated_at
		 FROM notification_preferences WHERE member_id = ? ORDER BY notification_type`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("get notification preferences: %w", err)
	}
	defer rows.Close()

	var prefs []model.NotificationPreference
	for rows.Next() {
		var p model.NotificationPreference
		var enabledInt int
		if err := rows.Scan(&p.MemberID, &p.NotificationType, &enabledInt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification preference: %w", err)
		}
		p.Enabled = enabledInt != 0
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// SetPreference upserts a notification preference.
func (s *PushStore) SetPreference(ctx context.Context, memberID int64, notifType string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences (member_id, notification_type, enabled, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(member_id, notification_type) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		memberID, notifType, boolInt(enabled), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set notification preference: %w", err)
	}
	return nil
}

// IsPreferenceEnabled checks if a notification type is enabled for a member.
// Returns true by default if no preference record exists.
func (s *PushStore) IsPreferenceEnabled(ctx context.Context, memberID int64, notifType string) (bool, error) {
	var enabledInt int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM notification_preferences WHERE member_id = ? AND notification_type = ?`,
		memberID, notifType,
	).Scan(&enabledInt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification preference: %w", err)
	}
	return enabledInt != 0, nil
}
