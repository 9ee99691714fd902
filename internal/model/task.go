package model

import "time"

type TaskKind string

const (
	KindTodo  TaskKind = "todo"
	KindChore TaskKind = "chore"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusSubmitted TaskStatus = "submitted"
	StatusApproved  TaskStatus = "approved"
	StatusRejected  TaskStatus = "rejected"
)

type Task struct {
	ID          int64      `json:"id"`
	FamilyID    int64      `json:"family_id"`
	Kind        TaskKind   `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  *int64     `json:"assignee_id"`
	CreatorID   *int64     `json:"creator_id"`
	PointValue  int        `json:"point_value"`
	Status      TaskStatus `json:"status"`
	Completed   bool       `json:"completed"`
	ApproverID  *int64     `json:"approver_id"`
	Version     int64      `json:"version"`
	SubmittedAt *time.Time `json:"submitted_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	SortKey     int64      `json:"sort_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskInput carries the client-editable fields of a task. Status, version
// and the approval fields are owned by the lifecycle and never set here.
type TaskInput struct {
	Kind        TaskKind `json:"kind"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AssigneeID  *int64   `json:"assignee_id"`
	CreatorID   *int64   `json:"creator_id"`
	PointValue  int      `json:"point_value"`
}

type LedgerEntry struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	MemberID   int64     `json:"member_id"`
	ApproverID int64     `json:"approver_id"`
	Points     int       `json:"points"`
	CreatedAt  time.Time `json:"created_at"`
}

type PointBalance struct {
	MemberID    int64  `json:"member_id"`
	MemberName  string `json:"member_name"`
	Balance     int    `json:"balance"`
	TotalEarned int    `json:"total_earned"`
	Credits     int    `json:"credits"`
}
