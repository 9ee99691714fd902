package model

import "time"

// Notification type constants
const (
	NotifTypeAssignmentCreated = "assignment_created"
	NotifTypeAssignmentChanged = "assignment_changed"
	NotifTypeChoreApproved     = "chore_approved"
	NotifTypeEventAssigned     = "event_assigned"
	NotifTypeCalendarReminder  = "calendar_reminder"
)

// NotifTypes lists every notification type a member can toggle.
var NotifTypes = []string{
	NotifTypeAssignmentCreated,
	NotifTypeAssignmentChanged,
	NotifTypeChoreApproved,
	NotifTypeEventAssigned,
	NotifTypeCalendarReminder,
}

// PushToken is a member's current Web Push subscription. The endpoint
// identifies the device; the keys encrypt the payload.
type PushToken struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

type NotificationPreference struct {
	MemberID         int64     `json:"member_id"`
	NotificationType string    `json:"notification_type"`
	Enabled          bool      `json:"enabled"`
	UpdatedAt        time.Time `json:"updated_at"`
}
