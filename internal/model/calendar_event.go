package model

import "time"

type CalendarEvent struct {
	ID              int64     `json:"id"`
	FamilyID        int64     `json:"family_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Location        string    `json:"location"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	AllDay          bool      `json:"all_day"`
	Recurrence      string    `json:"recurrence"`
	AssigneeIDs     []int64   `json:"assignee_ids"`
	ExternalEventID *string   `json:"external_event_id"`
	ReminderSent    bool      `json:"reminder_sent"`
	SortKey         int64     `json:"sort_key"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CalendarEventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	AllDay      bool      `json:"all_day"`
	Recurrence  string    `json:"recurrence"`
	AssigneeIDs []int64   `json:"assignee_ids"`
}
