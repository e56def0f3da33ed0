package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/pkg/id"
)

type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) SaveTrade(ctx context.Context, t TradeMeta) error {
	now := time.Now().UTC()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	if t.Status == "" {
		t.Status = statusFor(t.Volume)
	}
	t.UpdatedAt = now

	var pips sql.NullFloat64
	if t.TrailingStopPips != nil {
		pips = sql.NullFloat64{Float64: *t.TrailingStopPips, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
		(ticket, position_id, symbol, broker_symbol, side, volume, open_price, trailing_stop_pips, status, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(t.Ticket), t.PositionID, t.Symbol, t.BrokerSymbol, string(t.Side),
		t.Volume, t.OpenPrice, pips, string(t.Status), t.OpenedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `ticket, position_id, symbol, broker_symbol, side, volume, open_price, trailing_stop_pips, status, opened_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (TradeMeta, error) {
	var (
		rec    TradeMeta
		ticket int64
		side   string
		status string
		pips   sql.NullFloat64
	)
	err := s.Scan(
		&ticket,
		&rec.PositionID,
		&rec.Symbol,
		&rec.BrokerSymbol,
		&side,
		&rec.Volume,
		&rec.OpenPrice,
		&pips,
		&status,
		&rec.OpenedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return TradeMeta{}, err
	}
	rec.Ticket = broker.Ticket(ticket)
	rec.Side = broker.Direction(side)
	rec.Status = Status(status)
	if pips.Valid {
		v := pips.Float64
		rec.TrailingStopPips = &v
	}
	return rec, nil
}

// GetTrade returns a single trade record by ticket.
func (j *SQLite) GetTrade(ctx context.Context, ticket broker.Ticket) (TradeMeta, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE ticket = ?`, int64(ticket))
	rec, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TradeMeta{}, fmt.Errorf("ticket %s: %w", ticket, ErrNotFound)
		}
		return TradeMeta{}, err
	}
	return rec, nil
}

func (j *SQLite) ListTrades(ctx context.Context, status Status) ([]TradeMeta, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY ticket ASC`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeMeta
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) SetTrailing(ctx context.Context, ticket broker.Ticket, pips float64) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE trades SET trailing_stop_pips = ?, updated_at = ? WHERE ticket = ?`,
		pips, time.Now().UTC(), int64(ticket))
	return affected(res, err, ticket)
}

func (j *SQLite) UpdateVolume(ctx context.Context, ticket broker.Ticket, volume float64) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE trades SET volume = ?, status = ?, updated_at = ? WHERE ticket = ?`,
		volume, string(statusFor(volume)), time.Now().UTC(), int64(ticket))
	return affected(res, err, ticket)
}

func affected(res sql.Result, err error, ticket broker.Ticket) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ticket %s: %w", ticket, ErrNotFound)
	}
	return nil
}

func (j *SQLite) TrailingConfig(ctx context.Context, ticket broker.Ticket) (TrailingConfig, bool, error) {
	rec, err := j.GetTrade(ctx, ticket)
	if errors.Is(err, ErrNotFound) {
		return TrailingConfig{}, false, nil
	}
	if err != nil {
		return TrailingConfig{}, false, err
	}
	cfg, ok := trailing(rec)
	return cfg, ok, nil
}

func (j *SQLite) RecordStopAdjustment(ctx context.Context, a StopAdjustment) error {
	if a.ID == "" {
		a.ID = id.New()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO stop_adjustments
		(id, ticket, symbol, old_stop, new_stop, bid, ask, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, int64(a.Ticket), a.Symbol, a.OldStop, a.NewStop, a.Bid, a.Ask, a.Time,
	)
	return err
}

func (j *SQLite) StopAdjustments(ctx context.Context, ticket broker.Ticket) ([]StopAdjustment, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ticket, symbol, old_stop, new_stop, bid, ask, time
		FROM stop_adjustments
		WHERE ticket = ?
		ORDER BY id ASC`, int64(ticket))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StopAdjustment
	for rows.Next() {
		var (
			a StopAdjustment
			t int64
		)
		if err := rows.Scan(&a.ID, &t, &a.Symbol, &a.OldStop, &a.NewStop, &a.Bid, &a.Ask, &a.Time); err != nil {
			return nil, err
		}
		a.Ticket = broker.Ticket(t)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
