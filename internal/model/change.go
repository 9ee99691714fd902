package model

import (
	"encoding/json"
	"time"
)

// Collection names, matching the logical document layout.
const (
	CollectionTasks   = "tasks"
	CollectionEvents  = "calendar-events"
	CollectionFolders = "folders"
	CollectionMembers = "members"
)

type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpDeleted ChangeOp = "deleted"
)

// Change is one row of the change log. Seq is strictly increasing across
// the whole store, so every observer sees a document's history in the same
// order.
type Change struct {
	Seq        int64           `json:"seq"`
	FamilyID   int64           `json:"family_id"`
	Collection string          `json:"collection"`
	DocID      int64           `json:"doc_id"`
	Op         ChangeOp        `json:"op"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
