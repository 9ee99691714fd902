package push

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rottym/fambam/internal/model"
)

// delivery is one notification addressed to one member.
type delivery struct {
	memberID int64
	n        Notification
}

// deliveriesFor derives the notifications a committed change triggers.
func deliveriesFor(c model.Change) ([]delivery, error) {
	switch c.Collection {
	case model.CollectionTasks:
		return taskDeliveries(c)
	case model.CollectionEvents:
		return eventDeliveries(c)
	}
	return nil, nil
}

func decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func taskDeliveries(c model.Change) ([]delivery, error) {
	before, err := decode[model.Task](c.Before)
	if err != nil {
		return nil, fmt.Errorf("decode task %d before: %w", c.DocID, err)
	}
	after, err := decode[model.Task](c.After)
	if err != nil {
		return nil, fmt.Errorf("decode task %d after: %w", c.DocID, err)
	}
	if after == nil || after.AssigneeID == nil {
		return nil, nil
	}

	assignee := *after.AssigneeID
	data := map[string]string{
		"task_id":   strconv.FormatInt(after.ID, 10),
		"family_id": strconv.FormatInt(after.FamilyID, 10),
	}
	url := fmt.Sprintf("/tasks/%d", after.ID)

	var out []delivery
	switch {
	case before == nil:
		out = append(out, delivery{assignee, Notification{
			Title: "New task for you",
			Body:  after.Title,
			URL:   url,
			Tag:   fmt.Sprintf("task-%d", after.ID),
			Type:  model.NotifTypeAssignmentCreated,
			Data:  data,
		}})
	case before.AssigneeID == nil || *before.AssigneeID != assignee:
		out = append(out, delivery{assignee, Notification{
			Title: "Task assigned to you",
			Body:  after.Title,
			URL:   url,
			Tag:   fmt.Sprintf("task-%d", after.ID),
			Type:  model.NotifTypeAssignmentChanged,
			Data:  data,
		}})
	}

	if before != nil && before.Status != model.StatusApproved && after.Status == model.StatusApproved {
		approved := make(map[string]string, len(data)+1)
		for k, v := range data {
			approved[k] = v
		}
		approved["points"] = strconv.Itoa(after.PointValue)
		out = append(out, delivery{assignee, Notification{
			Title: "Chore approved",
			Body:  fmt.Sprintf("%s: +%d points", after.Title, after.PointValue),
			URL:   url,
			Tag:   fmt.Sprintf("approved-%d", after.ID),
			Type:  model.NotifTypeChoreApproved,
			Data:  approved,
		}})
	}
	return out, nil
}

// eventDeliveries notifies members newly added to an event's assignees.
func eventDeliveries(c model.Change) ([]delivery, error) {
	before, err := decode[model.CalendarEvent](c.Before)
	if err != nil {
		return nil, fmt.Errorf("decode event %d before: %w", c.DocID, err)
	}
	after, err := decode[model.CalendarEvent](c.After)
	if err != nil {
		return nil, fmt.Errorf("decode event %d after: %w", c.DocID, err)
	}
	if after == nil {
		return nil, nil
	}

	had := map[int64]bool{}
	if before != nil {
		for _, id := range before.AssigneeIDs {
			had[id] = true
		}
	}

	var out []delivery
	for _, id := range after.AssigneeIDs {
		if had[id] {
			continue
		}
		out = append(out, delivery{id, Notification{
			Title: "Added to an event",
			Body:  fmt.Sprintf("%s on %s", after.Title, after.StartTime.Format("Mon Jan 2 15:04")),
			URL:   fmt.Sprintf("/calendar/%d", after.ID),
			Tag:   fmt.Sprintf("event-%d", after.ID),
			Type:  model.NotifTypeEventAssigned,
			Data: map[string]string{
				"event_id":  strconv.FormatInt(after.ID, 10),
				"family_id": strconv.FormatInt(after.FamilyID, 10),
			},
		}})
	}
	return out, nil
}

// ReminderFor builds the calendar reminder sent to each assignee of an
// event shortly before it starts.
func ReminderFor(e model.CalendarEvent) Notification {
	body := e.Title + " starts at " + e.StartTime.Format("15:04")
	if e.AllDay {
		body = e.Title + " is today"
	}
	return Notification{
		Title: "Calendar reminder",
		Body:  body,
		URL:   fmt.Sprintf("/calendar/%d", e.ID),
		Tag:   fmt.Sprintf("reminder-%d", e.ID),
		Type:  model.NotifTypeCalendarReminder,
		Data: map[string]string{
			"event_id":  strconv.FormatInt(e.ID, 10),
			"family_id": strconv.FormatInt(e.FamilyID, 10),
		},
	}
}
