package calendar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/store"
)

// Reconciler keeps the external calendar in step with local events. Calls
// for the same event are serialized. A failed provider call changes nothing
// locally; the next edit of the event retries.
type Reconciler struct {
	events   *store.EventStore
	families *store.FamilyStore
	provider Provider
	locks    keyedMutex
	logger   *slog.Logger
}

func NewReconciler(events *store.EventStore, families *store.FamilyStore, provider Provider, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		events:   events,
		families: families,
		provider: provider,
		logger:   logger.With("component", "calendar"),
	}
}

// load returns the event and its family's calendar id, which is empty when
// the family has no external calendar.
func (r *Reconciler) load(ctx context.Context, eventID int64) (*model.CalendarEvent, string, error) {
	e, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, "", err
	}
	if e == nil {
		return nil, "", fmt.Errorf("calendar event %d: %w", eventID, apperr.ErrNotFound)
	}
	fam, err := r.families.GetByID(ctx, e.FamilyID)
	if err != nil {
		return nil, "", err
	}
	if fam == nil || fam.ExternalCalendarID == nil {
		return e, "", nil
	}
	return e, *fam.ExternalCalendarID, nil
}

// UpsertExternal creates the event in the external calendar, or updates it
// if it was mirrored before. It returns the event as stored afterwards.
func (r *Reconciler) UpsertExternal(ctx context.Context, eventID int64) (*model.CalendarEvent, error) {
	unlock := r.locks.Lock(eventID)
	defer unlock()

	e, calendarID, err := r.load(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if calendarID == "" {
		return e, nil
	}

	if e.ExternalEventID != nil {
		if err := r.provider.UpdateEvent(ctx, calendarID, *e.ExternalEventID, toExternal(e)); err != nil {
			r.logger.Warn("update external event", "event_id", eventID, "external_id", *e.ExternalEventID, "error", err)
			return nil, fmt.Errorf("update external event %d: %w", eventID, err)
		}
		return e, nil
	}

	externalID, err := r.provider.CreateEvent(ctx, calendarID, toExternal(e))
	if err != nil {
		r.logger.Warn("create external event", "event_id", eventID, "error", err)
		return nil, fmt.Errorf("create external event %d: %w", eventID, err)
	}

	stored, err := r.events.SetExternalID(ctx, eventID, externalID)
	if err != nil || !stored {
		// Another writer mirrored the event first, or it was deleted.
		r.deleteOrphan(ctx, calendarID, externalID)
		if err != nil {
			return nil, err
		}
	}

	after, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, fmt.Errorf("calendar event %d: %w", eventID, apperr.ErrNotFound)
	}
	r.logger.Info("event mirrored", "event_id", eventID, "external_id", externalID, "stored", stored)
	return after, nil
}

func (r *Reconciler) deleteOrphan(ctx context.Context, calendarID, externalID string) {
	if err := r.provider.DeleteEvent(ctx, calendarID, externalID); err != nil {
		r.logger.Error("delete orphaned external event", "external_id", externalID, "error", err)
	}
}

// DeleteExternal removes the mirrored copy of an event and forgets its
// external id. Events that were never mirrored are left alone.
func (r *Reconciler) DeleteExternal(ctx context.Context, eventID int64) error {
	unlock := r.locks.Lock(eventID)
	defer unlock()

	e, calendarID, err := r.load(ctx, eventID)
	if err != nil {
		return err
	}
	if calendarID == "" || e.ExternalEventID == nil {
		return nil
	}

	externalID := *e.ExternalEventID
	if err := r.provider.DeleteEvent(ctx, calendarID, externalID); err != nil {
		r.logger.Warn("delete external event", "event_id", eventID, "external_id", externalID, "error", err)
		return fmt.Errorf("delete external event %d: %w", eventID, err)
	}
	if _, err := r.events.ClearExternalID(ctx, eventID, externalID); err != nil {
		return err
	}
	r.logger.Info("external event deleted", "event_id", eventID, "external_id", externalID)
	return nil
}
