// journal/journal.go
package journal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/tradebridge/broker"
)

var ErrNotFound = errors.New("trade not found")

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// TradeMeta is what the bridge remembers about a position it opened,
// keyed by the backend ticket.
type TradeMeta struct {
	Ticket           broker.Ticket    `json:"ticket"`
	PositionID       string           `json:"position_id"`
	Symbol           string           `json:"symbol"`
	BrokerSymbol     string           `json:"broker_symbol"`
	Side             broker.Direction `json:"side"`
	Volume           float64          `json:"volume"`
	OpenPrice        float64          `json:"open_price"`
	TrailingStopPips *float64         `json:"trailing_stop_pips,omitempty"`
	Status           Status           `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TrailingConfig is the per-ticket input of the trailing-stop monitor.
type TrailingConfig struct {
	TrailingStopPips float64
}

// StopAdjustment records one stop-loss move made by the monitor.
type StopAdjustment struct {
	ID      string        `json:"id"`
	Ticket  broker.Ticket `json:"ticket"`
	Symbol  string        `json:"symbol"`
	OldStop float64       `json:"old_stop"`
	NewStop float64       `json:"new_stop"`
	Bid     float64       `json:"bid"`
	Ask     float64       `json:"ask"`
	Time    time.Time     `json:"time"`
}

type Store interface {
	// SaveTrade inserts or replaces the record for t.Ticket.
	SaveTrade(ctx context.Context, t TradeMeta) error
	GetTrade(ctx context.Context, ticket broker.Ticket) (TradeMeta, error)
	// ListTrades returns trades in ticket order; an empty status lists all.
	ListTrades(ctx context.Context, status Status) ([]TradeMeta, error)
	SetTrailing(ctx context.Context, ticket broker.Ticket, pips float64) error
	// UpdateVolume stores the remaining volume, closing the trade at zero.
	UpdateVolume(ctx context.Context, ticket broker.Ticket, volume float64) error
	TrailingConfig(ctx context.Context, ticket broker.Ticket) (TrailingConfig, bool, error)

	RecordStopAdjustment(ctx context.Context, a StopAdjustment) error
	StopAdjustments(ctx context.Context, ticket broker.Ticket) ([]StopAdjustment, error)

	Close() error
}

// trailing extracts the monitor's view of a trade. Closed trades and trades
// without a positive, finite distance are not trailed.
func trailing(t TradeMeta) (TrailingConfig, bool) {
	if t.Status == StatusClosed || t.TrailingStopPips == nil {
		return TrailingConfig{}, false
	}
	if p := *t.TrailingStopPips; !(p > 0) || math.IsInf(p, 0) {
		return TrailingConfig{}, false
	}
	return TrailingConfig{TrailingStopPips: *t.TrailingStopPips}, true
}

func statusFor(volume float64) Status {
	if volume <= 0 {
		return StatusClosed
	}
	return StatusOpen
}

// Open returns the store named by kind: sqlite, badger or memory.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(path)
	case "badger":
		return NewBadger(path)
	default:
		return nil, fmt.Errorf("unknown journal type %q (want sqlite|badger|memory)", kind)
	}
}
