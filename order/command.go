package order

import (
	"math"
	"time"

	"github.com/rustyeddy/tradebridge/broker"
)

type Kind string

const (
	KindOpen   Kind = "open"
	KindClose  Kind = "close"
	KindModify Kind = "modify"
)

// Command is a normalized trade instruction from an upstream signal.
// Symbol is the upstream name; the engine maps it to the broker's.
type Command struct {
	ID               string        `json:"id,omitempty"`
	Kind             Kind          `json:"kind"`
	Symbol           string        `json:"symbol"`
	Side             string        `json:"side,omitempty"`
	Quantity         float64       `json:"qty,omitempty"`
	TakeProfit       *float64      `json:"take_profit,omitempty"`
	StopLoss         *float64      `json:"stop_loss,omitempty"`
	TrailingStopPips *float64      `json:"trailing_stop_pips,omitempty"`
	Ticket           broker.Ticket `json:"ticket,omitempty"`
	PositionID       string        `json:"position_id,omitempty"`
}

// Result is returned for every successful command.
type Result struct {
	Success          bool             `json:"success"`
	Ticket           broker.Ticket    `json:"ticket"`
	Symbol           string           `json:"symbol"`
	Direction        broker.Direction `json:"side,omitempty"`
	Price            float64          `json:"price,omitempty"`
	Volume           float64          `json:"volume,omitempty"`
	RetCode          uint32           `json:"retcode,omitempty"`
	Comment          string           `json:"comment,omitempty"`
	StopLoss         *float64         `json:"stop_loss,omitempty"`
	TakeProfit       *float64         `json:"take_profit,omitempty"`
	TrailingStopPips *float64         `json:"trailing_stop_pips,omitempty"`

	// Close only.
	IsPartial       bool          `json:"is_partial,omitempty"`
	RemainingVolume float64       `json:"remaining_volume,omitempty"`
	ClosedPosition  broker.Ticket `json:"closed_position,omitempty"`

	Request broker.OrderRequest `json:"-"`
	Time    time.Time           `json:"timestamp"`
}

func validPrice(p *float64) bool {
	return p == nil || (*p >= 0 && !math.IsNaN(*p) && !math.IsInf(*p, 0))
}

func validQuantity(q float64) bool {
	return q > 0 && !math.IsInf(q, 0)
}

func validateOpen(cmd Command) (broker.Direction, error) {
	if cmd.Symbol == "" {
		return "", invalid("symbol is required")
	}
	dir, err := broker.ParseDirection(cmd.Side)
	if err != nil {
		return "", invalid("%v", err)
	}
	if !validQuantity(cmd.Quantity) {
		return "", invalid("quantity must be positive, got %v", cmd.Quantity)
	}
	if !validPrice(cmd.TakeProfit) || !validPrice(cmd.StopLoss) {
		return "", invalid("take profit and stop loss must be non-negative prices")
	}
	if !validPrice(cmd.TrailingStopPips) {
		return "", invalid("trailing distance must be a non-negative number")
	}
	return dir, nil
}

func validateClose(cmd Command) error {
	if cmd.Ticket == 0 {
		return invalid("ticket is required")
	}
	if cmd.Symbol == "" {
		return invalid("symbol is required")
	}
	if !validQuantity(cmd.Quantity) {
		return invalid("quantity must be positive, got %v", cmd.Quantity)
	}
	return nil
}

func validateModify(cmd Command) error {
	if cmd.Ticket == 0 {
		return invalid("ticket is required")
	}
	if cmd.Symbol == "" {
		return invalid("symbol is required")
	}
	if cmd.TakeProfit == nil && cmd.StopLoss == nil && cmd.TrailingStopPips == nil {
		return invalid("nothing to modify: set take_profit, stop_loss or trailing_stop_pips")
	}
	if !validPrice(cmd.TakeProfit) || !validPrice(cmd.StopLoss) || !validPrice(cmd.TrailingStopPips) {
		return invalid("take profit, stop loss and trailing distance must be non-negative")
	}
	return nil
}
