package push

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rottym/fambam/internal/model"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func ptr(n int64) *int64 { return &n }

func TestTaskDeliveries(t *testing.T) {
	base := model.Task{ID: 7, FamilyID: 1, Kind: model.KindChore, Title: "Dishes", PointValue: 15, Status: model.StatusPending}

	t.Run("created with assignee", func(t *testing.T) {
		after := base
		after.AssigneeID = ptr(3)
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, DocID: 7, Op: model.OpCreated, After: raw(t, after)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].memberID)
		assert.Equal(t, model.NotifTypeAssignmentCreated, got[0].n.Type)
		assert.Equal(t, "/tasks/7", got[0].n.URL)
		assert.Equal(t, "7", got[0].n.Data["task_id"])
	})

	t.Run("created unassigned", func(t *testing.T) {
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpCreated, After: raw(t, base)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("reassigned", func(t *testing.T) {
		before, after := base, base
		before.AssigneeID = ptr(3)
		after.AssigneeID = ptr(4)
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpUpdated, Before: raw(t, before), After: raw(t, after)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(4), got[0].memberID)
		assert.Equal(t, model.NotifTypeAssignmentChanged, got[0].n.Type)
	})

	t.Run("title edit", func(t *testing.T) {
		before, after := base, base
		before.AssigneeID = ptr(3)
		after.AssigneeID = ptr(3)
		after.Title = "Dishes and pans"
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpUpdated, Before: raw(t, before), After: raw(t, after)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("approved", func(t *testing.T) {
		before, after := base, base
		before.AssigneeID = ptr(3)
		before.Status = model.StatusSubmitted
		after.AssigneeID = ptr(3)
		after.Status = model.StatusApproved
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpUpdated, Before: raw(t, before), After: raw(t, after)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, model.NotifTypeChoreApproved, got[0].n.Type)
		assert.Equal(t, "15", got[0].n.Data["points"])
		assert.Contains(t, got[0].n.Body, "+15 points")
	})

	t.Run("submitted", func(t *testing.T) {
		before, after := base, base
		before.AssigneeID = ptr(3)
		after.AssigneeID = ptr(3)
		after.Status = model.StatusSubmitted
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpUpdated, Before: raw(t, before), After: raw(t, after)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("deleted", func(t *testing.T) {
		before := base
		before.AssigneeID = ptr(3)
		got, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, Op: model.OpDeleted, Before: raw(t, before)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := deliveriesFor(model.Change{Collection: model.CollectionTasks, After: json.RawMessage(`{`)})
		assert.Error(t, err)
	})
}

func TestEventDeliveries(t *testing.T) {
	start := time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)
	before := model.CalendarEvent{ID: 9, FamilyID: 1, Title: "Recital", StartTime: start, AssigneeIDs: []int64{2}}
	after := before
	after.AssigneeIDs = []int64{2, 3, 5}

	got, err := deliveriesFor(model.Change{Collection: model.CollectionEvents, Op: model.OpUpdated, Before: raw(t, before), After: raw(t, after)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].memberID)
	assert.Equal(t, int64(5), got[1].memberID)
	assert.Equal(t, model.NotifTypeEventAssigned, got[0].n.Type)
	assert.Equal(t, "/calendar/9", got[0].n.URL)

	got, err = deliveriesFor(model.Change{Collection: model.CollectionEvents, Op: model.OpCreated, After: raw(t, before)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].memberID)
}

func TestOtherCollectionsAreIgnored(t *testing.T) {
	got, err := deliveriesFor(model.Change{Collection: model.CollectionFolders, After: raw(t, model.Folder{ID: 1})})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReminderFor(t *testing.T) {
	e := model.CalendarEvent{ID: 4, FamilyID: 1, Title: "Dentist", StartTime: time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)}
	n := ReminderFor(e)
	assert.Equal(t, model.NotifTypeCalendarReminder, n.Type)
	assert.Equal(t, "Dentist starts at 09:15", n.Body)
	assert.Equal(t, "reminder-4", n.Tag)

	e.AllDay = true
	assert.Equal(t, "Dentist is today", ReminderFor(e).Body)
}
