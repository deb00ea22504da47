package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/margin-trader/internal/asset"
	"github.com/amirphl/margin-trader/internal/db/conf"
	"github.com/amirphl/margin-trader/internal/journal"
	"github.com/amirphl/margin-trader/internal/ledger"
	"github.com/amirphl/margin-trader/internal/position"
	"github.com/amirphl/margin-trader/internal/tick"
	"github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
// This is the atomic unit every balance- and position-affecting path runs in.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// -------- asset.Store --------

func (p *Default) GetAsset(ctx context.Context, symbol string) (*asset.Asset, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT symbol, name, price_scale, qty_scale, image_url
		FROM assets WHERE symbol=$1 LIMIT 1`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset %s: %w", symbol, err)
	}
	defer rows.Close()

	if rows.Next() {
		var a asset.Asset
		if err := rows.Scan(&a.Symbol, &a.Name, &a.PriceScale, &a.QtyScale, &a.ImageURL); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		return &a, nil
	}
	return nil, nil
}

func (p *Default) SaveAsset(ctx context.Context, a asset.Asset) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assets (symbol, name, price_scale, qty_scale, image_url)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (symbol) DO NOTHING`,
			a.Symbol, a.Name, a.PriceScale, a.QtyScale, a.ImageURL)
		if err != nil {
			return fmt.Errorf("failed to save asset %s: %w", a.Symbol, err)
		}
		return nil
	})
}

// -------- ledger.Ledger --------

func (p *Default) GetBalance(ctx context.Context, userID, assetSym string) (int64, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT qty_int FROM balances WHERE user_id=$1 AND asset=$2 LIMIT 1`,
		userID, assetSym)
	if err != nil {
		return 0, fmt.Errorf("failed to query balance for %s/%s: %w", userID, assetSym, err)
	}
	defer rows.Close()

	if rows.Next() {
		var qty int64
		if err := rows.Scan(&qty); err != nil {
			return 0, fmt.Errorf("failed to scan balance: %w", err)
		}
		return qty, nil
	}
	return 0, nil
}

func (p *Default) GetBalances(ctx context.Context, userID string) ([]ledger.Balance, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT user_id, asset, qty_int FROM balances WHERE user_id=$1 ORDER BY asset`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		var b ledger.Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.QtyInt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Default) Credit(ctx context.Context, userID, assetSym string, amountInt int64) error {
	if amountInt < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amountInt)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (user_id, asset, qty_int)
			VALUES ($1,$2,$3)
			ON CONFLICT (user_id, asset) DO UPDATE SET qty_int = balances.qty_int + EXCLUDED.qty_int`,
			userID, assetSym, amountInt)
		if err != nil {
			return fmt.Errorf("failed to credit %d to %s/%s: %w", amountInt, userID, assetSym, err)
		}
		return nil
	})
}

// Debit locks the balance row, checks sufficiency and debits in one unit. The
// row lock scopes the atomic unit to (userId, asset), so two concurrent
// check-then-write attempts against the same balance cannot interleave.
func (p *Default) Debit(ctx context.Context, userID, assetSym string, amountInt int64) error {
	if amountInt < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amountInt)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var qty int64
		err := tx.QueryRowContext(ctx, `
			SELECT qty_int FROM balances WHERE user_id=$1 AND asset=$2 FOR UPDATE`,
			userID, assetSym).Scan(&qty)
		if err == sql.ErrNoRows {
			return ledger.ErrInsufficient
		}
		if err != nil {
			return fmt.Errorf("failed to lock balance for %s/%s: %w", userID, assetSym, err)
		}
		if qty < amountInt {
			return ledger.ErrInsufficient
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE balances SET qty_int = qty_int - $3 WHERE user_id=$1 AND asset=$2`,
			userID, assetSym, amountInt); err != nil {
			return fmt.Errorf("failed to debit %d from %s/%s: %w", amountInt, userID, assetSym, err)
		}
		return nil
	})
}

// -------- position.Store --------

func (p *Default) CreatePosition(ctx context.Context, pos position.Position) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions
				(id, user_id, asset, side, leverage, margin_int, qty_int, open_price_int, status, opened_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			pos.ID, pos.UserID, pos.Asset, pos.Side, pos.Leverage,
			pos.MarginInt, pos.QtyInt, pos.OpenPriceInt, pos.Status, pos.OpenedAt)
		if err != nil {
			return fmt.Errorf("failed to create position %s: %w", pos.ID, err)
		}
		return nil
	})
}

func (p *Default) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, user_id, asset, side, leverage, margin_int, qty_int, open_price_int,
		       status, close_price_int, realized_pnl_int, opened_at, closed_at
		FROM positions WHERE id=$1 LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	defer rows.Close()

	if rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		return pos, nil
	}
	return nil, nil
}

// ClosePosition transitions an OPEN position to a terminal status and records
// the close terms. The status guard is part of the UPDATE itself so a
// position that has already been closed or liquidated is never touched again.
func (p *Default) ClosePosition(ctx context.Context, id string, status position.Status, closePriceInt, realizedPnlInt int64, closedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions
			SET status=$2, close_price_int=$3, realized_pnl_int=$4, closed_at=$5
			WHERE id=$1 AND status='OPEN'`,
			id, status, closePriceInt, realizedPnlInt, closedAt)
		if err != nil {
			return fmt.Errorf("failed to close position %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected closing position %s: %w", id, err)
		}
		if affected == 0 {
			var st position.Status
			err := tx.QueryRowContext(ctx, `SELECT status FROM positions WHERE id=$1`, id).Scan(&st)
			if err == sql.ErrNoRows {
				return position.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check position %s status: %w", id, err)
			}
			return position.ErrNotOpen
		}
		return nil
	})
}

func (p *Default) GetOpenPositionsByAsset(ctx context.Context, assetSym string) ([]position.Position, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, user_id, asset, side, leverage, margin_int, qty_int, open_price_int,
		       status, close_price_int, realized_pnl_int, opened_at, closed_at
		FROM positions WHERE asset=$1 AND status='OPEN' ORDER BY opened_at ASC`, assetSym)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions for %s: %w", assetSym, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (p *Default) GetPositionsByUser(ctx context.Context, userID string, statuses []position.Status) ([]position.Position, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, user_id, asset, side, leverage, margin_int, qty_int, open_price_int,
		       status, close_price_int, realized_pnl_int, opened_at, closed_at
		FROM positions WHERE user_id=$1 AND status = ANY($2) ORDER BY opened_at DESC`,
		userID, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for user %s: %w", userID, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]position.Position, error) {
	var out []position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (*position.Position, error) {
	var pos position.Position
	var closePrice, realizedPnl sql.NullInt64
	var closedAt sql.NullTime
	if err := rows.Scan(&pos.ID, &pos.UserID, &pos.Asset, &pos.Side, &pos.Leverage,
		&pos.MarginInt, &pos.QtyInt, &pos.OpenPriceInt, &pos.Status,
		&closePrice, &realizedPnl, &pos.OpenedAt, &closedAt); err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	if closePrice.Valid {
		pos.ClosePriceInt = &closePrice.Int64
	}
	if realizedPnl.Valid {
		pos.RealizedPnlInt = &realizedPnl.Int64
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		pos.ClosedAt = &t
	}
	pos.OpenedAt = pos.OpenedAt.UTC()
	return &pos, nil
}

// -------- tick.Store --------

// SaveTicks batch-inserts ticks, suppressing duplicates on
// (timestamp, symbol, price). The whole batch commits or rolls back together.
func (p *Default) SaveTicks(ctx context.Context, ticks []tick.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ticks (ts, symbol, price_int)
			VALUES ($1, $2, $3)
			ON CONFLICT (ts, symbol, price_int) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare tick insert: %w", err)
		}
		defer stmt.Close()

		for i, t := range ticks {
			if _, err := stmt.ExecContext(ctx, t.Timestamp, t.Symbol, t.PriceInt); err != nil {
				return fmt.Errorf("failed to save tick at index %d (%s at %s): %w",
					i, t.Symbol, t.Timestamp, err)
			}
		}
		return nil
	})
}

func (p *Default) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]tick.Tick, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT ts, symbol, price_int FROM ticks
		WHERE symbol=$1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var out []tick.Tick
	for rows.Next() {
		var t tick.Tick
		if err := rows.Scan(&t.Timestamp, &t.Symbol, &t.PriceInt); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// -------- journal.Journaler --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data)
			VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		WHERE type=$1 AND time >= $2 AND time < $3 ORDER BY time ASC`,
		eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
