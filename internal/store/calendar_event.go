package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
)

type EventStore struct {
	db  *sql.DB
	log *ChangeLog
}

func NewEventStore(db *sql.DB, log *ChangeLog) *EventStore {
	return &EventStore{db: db, log: log}
}

const eventCols = `id, family_id, title, description, location, start_time, end_time, all_day, recurrence, external_event_id, reminder_sent, sort_key, created_at, updated_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*model.CalendarEvent, error) {
	var e model.CalendarEvent
	var allDay, reminderSent int
	var externalID sql.NullString

	err := scanner.Scan(
		&e.ID, &e.FamilyID, &e.Title, &e.Description, &e.Location, &e.StartTime, &e.EndTime,
		&allDay, &e.Recurrence, &externalID, &reminderSent, &e.SortKey, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.AllDay = allDay != 0
	e.ReminderSent = reminderSent != 0
	e.ExternalEventID = stringPtr(externalID)
	e.AssigneeIDs = []int64{}
	return &e, nil
}

// eventSortKey orders events by start time.
func eventSortKey(start time.Time) int64 {
	return start.UnixMilli()
}

func getEvent(ctx context.Context, q queryer, id int64) (*model.CalendarEvent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventCols+` FROM calendar_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar event: %w", err)
	}
	if err := loadAssignees(ctx, q, []*model.CalendarEvent{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// loadAssignees fills AssigneeIDs for a batch of events.
func loadAssignees(ctx context.Context, q queryer, events []*model.CalendarEvent) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[int64]*model.CalendarEvent, len(events))
	args := make([]any, 0, len(events))
	for _, e := range events {
		byID[e.ID] = e
		args = append(args, e.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(events)), ",")
	rows, err := q.QueryContext(ctx,
		`SELECT event_id, member_id FROM event_assignees WHERE event_id IN (`+placeholders+`) ORDER BY event_id, member_id`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("query event assignees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, memberID int64
		if err := rows.Scan(&eventID, &memberID); err != nil {
			return fmt.Errorf("scan event assignee: %w", err)
		}
		if e := byID[eventID]; e != nil {
			e.AssigneeIDs = append(e.AssigneeIDs, memberID)
		}
	}
	return rows.Err()
}

func setAssignees(ctx context.Context, tx *sql.Tx, eventID int64, memberIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_assignees WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("clear event assignees: %w", err)
	}
	for _, mid := range memberIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_assignees (event_id, member_id) VALUES (?, ?)`, eventID, mid,
		)
		if err != nil {
			return fmt.Errorf("insert event assignee %d: %w", mid, err)
		}
	}
	return nil
}

func (s *EventStore) GetByID(ctx context.Context, id int64) (*model.CalendarEvent, error) {
	return getEvent(ctx, s.db, id)
}

func (s *EventStore) Create(ctx context.Context, familyID int64, in model.CalendarEventInput) (*model.CalendarEvent, int64, error) {
	var e *model.CalendarEvent
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO calendar_events (family_id, title, description, location, start_time, end_time, all_day, recurrence, sort_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			familyID, in.Title, in.Description, in.Location, in.StartTime.UTC(), in.EndTime.UTC(),
			boolInt(in.AllDay), in.Recurrence, eventSortKey(in.StartTime),
		)
		if err != nil {
			return fmt.Errorf("insert calendar event: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if err := setAssignees(ctx, tx, id, in.AssigneeIDs); err != nil {
			return err
		}
		if e, err = getEvent(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, familyID, model.CollectionEvents, id, model.OpCreated, nil, e)
	})
	if err != nil {
		return nil, 0, err
	}
	return e, seq, nil
}

// Update overwrites an event and its assignees. The external id and the
// reminder flag are left alone.
func (s *EventStore) Update(ctx context.Context, id int64, in model.CalendarEventInput) (*model.CalendarEvent, int64, error) {
	var after *model.CalendarEvent
	seq, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("calendar event %d: %w", id, apperr.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE calendar_events
			 SET title = ?, description = ?, location = ?, start_time = ?, end_time = ?, all_day = ?,
			     recurrence = ?, sort_key = ?, updated_at = ?
			 WHERE id = ?`,
			in.Title, in.Description, in.Location, in.StartTime.UTC(), in.EndTime.UTC(), boolInt(in.AllDay),
			in.Recurrence, eventSortKey(in.StartTime), time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("update calendar event: %w", err)
		}
		if err := setAssignees(ctx, tx, id, in.AssigneeIDs); err != nil {
			return err
		}
		if after, err = getEvent(ctx, tx, id); err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionEvents, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return nil, 0, err
	}
	return after, seq, nil
}

func (s *EventStore) Delete(ctx context.Context, id int64) (int64, error) {
	return s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if before == nil {
			return fmt.Errorf("calendar event %d: %w", id, apperr.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete calendar event: %w", err)
		}
		return rec.record(ctx, before.FamilyID, model.CollectionEvents, id, model.OpDeleted, before, nil)
	})
}

// guardedUpdate runs a conditional single-row update on an event and records
// the change if a row matched. It reports whether one did.
func (s *EventStore) guardedUpdate(ctx context.Context, id int64, query string, args ...any) (bool, error) {
	matched := false
	_, err := s.log.write(ctx, func(tx *sql.Tx, rec *recorder) error {
		before, err := getEvent(ctx, tx, id)
		if err != nil || before == nil {
			return err
		}
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update calendar event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		matched = true
		after, err := getEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		return rec.record(ctx, before.FamilyID, model.CollectionEvents, id, model.OpUpdated, before, after)
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// SetExternalID stores the external calendar's id for an event, only if none
// is stored yet. false means another writer got there first.
func (s *EventStore) SetExternalID(ctx context.Context, id int64, externalID string) (bool, error) {
	return s.guardedUpdate(ctx, id,
		`UPDATE calendar_events SET external_event_id = ?, updated_at = ? WHERE id = ? AND external_event_id IS NULL`,
		externalID, time.Now().UTC(), id,
	)
}

// ClearExternalID forgets the external id, only while it still equals
// externalID.
func (s *EventStore) ClearExternalID(ctx context.Context, id int64, externalID string) (bool, error) {
	return s.guardedUpdate(ctx, id,
		`UPDATE calendar_events SET external_event_id = NULL, updated_at = ? WHERE id = ? AND external_event_id = ?`,
		time.Now().UTC(), id, externalID,
	)
}

// ListDueReminders returns events of all families that start in (from, to]
// and have not been reminded yet.
func (s *EventStore) ListDueReminders(ctx context.Context, from, to time.Time) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE reminder_sent = 0 AND sort_key > ? AND sort_key <= ?
		 ORDER BY family_id, sort_key, id`,
		eventSortKey(from), eventSortKey(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	var ptrs []*model.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		ptrs = append(ptrs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := loadAssignees(ctx, s.db, ptrs); err != nil {
		return nil, err
	}
	events := make([]model.CalendarEvent, len(ptrs))
	for i, e := range ptrs {
		events[i] = *e
	}
	return events, nil
}

// ClaimReminder flips reminder_sent from false to true. Only the caller that
// gets true may send the reminder.
func (s *EventStore) ClaimReminder(ctx context.Context, id int64) (bool, error) {
	return s.guardedUpdate(ctx, id,
		`UPDATE calendar_events SET reminder_sent = 1, updated_at = ? WHERE id = ? AND reminder_sent = 0`,
		time.Now().UTC(), id,
	)
}
