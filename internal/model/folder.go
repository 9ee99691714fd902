package model

import "time"

// Folder groups memories or playlist items. Items with a nil folder id are
// ungrouped.
type Folder struct {
	ID        int64     `json:"id"`
	FamilyID  int64     `json:"family_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	SortKey   int64     `json:"sort_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
