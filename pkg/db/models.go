package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("record not found")

// Instance is the persisted registration of one strategy instance.
type Instance struct {
	ID        string
	Account   string
	Platform  string
	Strategy  string
	Symbol    string
	Params    []byte // strategy parameters as JSON
	Status    string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderRecord is one submitted order together with the exchange result.
type OrderRecord struct {
	Seq          int64
	InstanceID   string
	Account      string
	ClientID     string
	OrderID      string
	Symbol       string
	Side         string
	PositionSide string
	Action       string
	Rule         int
	Qty          decimal.Decimal
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
	Status       string
	Error        string
	CreatedAt    time.Time
}

// SaveInstance inserts or replaces an instance record.
func (d *Database) SaveInstance(ctx context.Context, in Instance) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO instances (id, account, platform, strategy, symbol, params, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			params = excluded.params,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, in.ID, in.Account, in.Platform, in.Strategy, in.Symbol, string(in.Params), in.Status, in.LastError, in.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", in.ID, err)
	}
	return nil
}

// UpdateInstanceStatus records a status transition.
func (d *Database) UpdateInstanceStatus(ctx context.Context, id, status, lastError string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE instances SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstance removes an instance record. Its order audit is kept.
func (d *Database) DeleteInstance(ctx context.Context, id string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// GetInstance returns one instance record.
func (d *Database) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account, platform, strategy, symbol, params, status, COALESCE(last_error, ''), created_at, updated_at
		FROM instances WHERE id = ?
	`, id)
	in, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return in, err
}

// ListInstances returns the instances of account, or of every account when
// account is empty, oldest first.
func (d *Database) ListInstances(ctx context.Context, account string) ([]Instance, error) {
	query := `
		SELECT id, account, platform, strategy, symbol, params, status, COALESCE(last_error, ''), created_at, updated_at
		FROM instances`
	var args []any
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*Instance, error) {
	var (
		in     Instance
		params string
	)
	if err := s.Scan(&in.ID, &in.Account, &in.Platform, &in.Strategy, &in.Symbol, &params,
		&in.Status, &in.LastError, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	in.Params = []byte(params)
	return &in, nil
}

// RecordOrder appends an order to the audit table and returns its sequence.
func (d *Database) RecordOrder(ctx context.Context, o OrderRecord) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (instance_id, account, client_id, order_id, symbol, side, position_side, action, rule,
			qty, filled_qty, avg_price, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.InstanceID, o.Account, o.ClientID, o.OrderID, o.Symbol, o.Side, o.PositionSide, o.Action, o.Rule,
		o.Qty, o.FilledQty, o.AvgPrice, o.Status, o.Error, o.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("record order %s: %w", o.ClientID, err)
	}
	return res.LastInsertId()
}

// ListOrders returns the most recent orders of an instance, newest first.
func (d *Database) ListOrders(ctx context.Context, account, instanceID string, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, instance_id, account, client_id, COALESCE(order_id, ''), symbol, side, position_side, action,
			COALESCE(rule, 0), qty, filled_qty, avg_price, status, COALESCE(error, ''), created_at
		FROM orders
		WHERE account = ? AND instance_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, account, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.Seq, &o.InstanceID, &o.Account, &o.ClientID, &o.OrderID, &o.Symbol, &o.Side,
			&o.PositionSide, &o.Action, &o.Rule, &o.Qty, &o.FilledQty, &o.AvgPrice, &o.Status, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOrders returns how many audit rows an instance has.
func (d *Database) CountOrders(ctx context.Context, account, instanceID string) (int64, error) {
	var n int64
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE account = ? AND instance_id = ?`, account, instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}
