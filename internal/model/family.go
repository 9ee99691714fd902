package model

import "time"

type Family struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	ExternalCalendarID *string   `json:"external_calendar_id"`
	MemberIDs          []int64   `json:"member_ids"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func (r Role) Valid() bool {
	return r == RoleParent || r == RoleChild
}

// Member is a user scoped to a family. Points is only ever changed by the
// chore approval transaction.
type Member struct {
	ID          int64      `json:"id"`
	FamilyID    int64      `json:"family_id"`
	Name        string     `json:"name"`
	Role        Role       `json:"role"`
	Points      int        `json:"points"`
	NotifyOptIn bool       `json:"notify_opt_in"`
	HasToken    bool       `json:"has_token"`
	HasPIN      bool       `json:"has_pin"`
	Token       *PushToken `json:"-"`
	SortKey     int64      `json:"sort_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
