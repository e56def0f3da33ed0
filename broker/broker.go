package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/tradebridge/market"
)

// Client is the blocking call surface of the trading backend. Every method
// may block on I/O and should be run through the bridge pool.
//
// Absent data is not an error: SymbolSelect reports false for a symbol the
// backend refuses, SymbolInfo/SymbolTick/AccountInfo return nil, and the
// position queries return an empty slice. An error always means the call
// itself failed.
type Client interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, creds Credentials) error
	Shutdown(ctx context.Context) error
	AccountInfo(ctx context.Context) (*Account, error)

	SymbolSelect(ctx context.Context, symbol string) (bool, error)
	SymbolInfo(ctx context.Context, symbol string) (*market.SymbolInfo, error)
	SymbolTick(ctx context.Context, symbol string) (*market.Tick, error)

	Positions(ctx context.Context) ([]Position, error)
	PositionsByTicket(ctx context.Context, ticket Ticket) ([]Position, error)
	OrderSend(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

type Credentials struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type Account struct {
	Login    int64   `json:"login"`
	Server   string  `json:"server"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
}

// Ticket is the backend-assigned identifier of an order or position.
type Ticket uint64

func (t Ticket) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// UnmarshalJSON accepts a ticket as a JSON number or a decimal string.
func (t *Ticket) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	v, err := ParseTicket(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseTicket(s string) (Ticket, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ticket %q: %w", s, err)
	}
	return Ticket(v), nil
}

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q (want buy|sell)", s)
	}
}

// Inverse returns the direction that offsets a position opened in d.
func (d Direction) Inverse() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

func (d Direction) Long() bool {
	return d == Buy
}

type Position struct {
	Ticket     Ticket    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"type"`
	Volume     float64   `json:"volume"`
	OpenPrice  float64   `json:"price_open"`
	StopLoss   float64   `json:"sl"`
	TakeProfit float64   `json:"tp"`
	Magic      int64     `json:"magic"`
	Comment    string    `json:"comment"`
	OpenTime   time.Time `json:"time"`
}
