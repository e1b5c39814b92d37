package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// Journal status values.
const (
	OrderSubmitted = "SUBMITTED"
	OrderFilled    = "FILLED"
	OrderPartial   = "PARTIAL"
	OrderCancelled = "CANCELLED"
	OrderRejected  = "REJECTED"
)

// OrderRecord is one order submission as seen by this process.
type OrderRecord struct {
	ID        string
	RunID     string
	Mode      string
	Symbol    string
	Exchange  string
	Side      string
	Qty       int64
	FilledQty int64
	Price     string
	OrderNo   string
	Status    string
	Reason    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CycleRecord mirrors an execution-run summary for SQL reporting.
type CycleRecord struct {
	RunID      string
	Mode       string
	RunType    string
	Status     string
	Buys       int
	Sells      int
	Skips      int
	Errors     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// CreateOrder inserts a journal row, assigning an id when empty.
func (d *Database) CreateOrder(ctx context.Context, o *OrderRecord) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_journal (
			id, run_id, mode, symbol, exchange, side, qty, filled_qty, price,
			order_no, status, reason, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.RunID, o.Mode, o.Symbol, o.Exchange, o.Side, o.Qty, o.FilledQty, o.Price,
		o.OrderNo, o.Status, o.Reason, o.Error, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderFill sets status and filled quantity.
func (d *Database) UpdateOrderFill(ctx context.Context, id, status string, filledQty int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE order_journal
		SET status = ?, filled_qty = ?, updated_at = ?
		WHERE id = ?
	`, status, filledQty, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder returns one journal row.
func (d *Database) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, run_id, mode, symbol, exchange, side, qty, COALESCE(filled_qty, 0), price,
		       order_no, status, reason, error, created_at, updated_at
		FROM order_journal WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// ListOrders returns the newest journal rows for a mode.
func (d *Database) ListOrders(ctx context.Context, mode string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, run_id, mode, symbol, exchange, side, qty, COALESCE(filled_qty, 0), price,
		       order_no, status, reason, error, created_at, updated_at
		FROM order_journal
		WHERE mode = ?
		ORDER BY created_at DESC
		LIMIT ?`, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*OrderRecord, error) {
	var o OrderRecord
	if err := s.Scan(&o.ID, &o.RunID, &o.Mode, &o.Symbol, &o.Exchange, &o.Side, &o.Qty, &o.FilledQty,
		&o.Price, &o.OrderNo, &o.Status, &o.Reason, &o.Error, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// RecordCycle upserts a cycle summary.
func (d *Database) RecordCycle(ctx context.Context, c CycleRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cycle_runs (run_id, mode, run_type, status, buys, sells, skips, errors, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			buys = excluded.buys,
			sells = excluded.sells,
			skips = excluded.skips,
			errors = excluded.errors,
			finished_at = excluded.finished_at
	`, c.RunID, c.Mode, c.RunType, c.Status, c.Buys, c.Sells, c.Skips, c.Errors, c.StartedAt, c.FinishedAt)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", c.RunID, err)
	}
	return nil
}

// CountCycles returns how many cycles of a type started since t.
func (d *Database) CountCycles(ctx context.Context, mode, runType string, since time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cycle_runs WHERE mode = ? AND run_type = ? AND started_at >= ?`,
		mode, runType, since).Scan(&n)
	return n, err
}
