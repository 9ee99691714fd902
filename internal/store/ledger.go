package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rottym/fambam/internal/model"
)

// LedgerStore reads credited chores and point balances. Writes happen only
// inside TaskStore.Approve.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerCols = `id, task_id, member_id, approver_id, points, created_at`

func scanLedgerEntry(scanner interface{ Scan(...any) error }) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	if err := scanner.Scan(&e.ID, &e.TaskID, &e.MemberID, &e.ApproverID, &e.Points, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByTask returns the credit for a task, or nil if it was never approved.
func (s *LedgerStore) GetByTask(ctx context.Context, taskID int64) (*model.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerCols+` FROM ledger_entries WHERE task_id = ?`, taskID)
	e, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// History returns a member's credits, newest first.
func (s *LedgerStore) History(ctx context.Context, memberID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE member_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		memberID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const balanceQuery = `SELECT m.id, m.name, m.points, COALESCE(SUM(l.points), 0), COUNT(l.id)
	FROM members m LEFT JOIN ledger_entries l ON l.member_id = m.id`

func scanBalance(scanner interface{ Scan(...any) error }) (*model.PointBalance, error) {
	var b model.PointBalance
	if err := scanner.Scan(&b.MemberID, &b.MemberName, &b.Balance, &b.TotalEarned, &b.Credits); err != nil {
		return nil, err
	}
	return &b, nil
}

// Balance returns a member's points, or nil if the member does not exist.
func (s *LedgerStore) Balance(ctx context.Context, memberID int64) (*model.PointBalance, error) {
	row := s.db.QueryRowContext(ctx, balanceQuery+` WHERE m.id = ? GROUP BY m.id`, memberID)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get point balance: %w", err)
	}
	return b, nil
}

// Leaderboard returns every member of a family by points, highest first.
func (s *LedgerStore) Leaderboard(ctx context.Context, familyID int64) ([]model.PointBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		balanceQuery+` WHERE m.family_id = ? GROUP BY m.id ORDER BY m.points DESC, m.name ASC, m.id ASC`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list point balances: %w", err)
	}
	defer rows.Close()

	balances := []model.PointBalance{}
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan point balance: %w", err)
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}
