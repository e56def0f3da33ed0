// Package mt5bridge implements broker.Client against an MT5 bridge sidecar:
// a small HTTP service running next to the terminal that exposes the
// terminal's blocking API as JSON endpoints.
//
//	POST /initialize            POST /login            POST /shutdown
//	GET  /account               POST /symbols/{s}/select
//	GET  /symbols/{s}           GET  /symbols/{s}/tick
//	GET  /positions[?ticket=N]  POST /orders
//
// A 404 means the requested entity does not exist.
package mt5bridge

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
)

var log = logrus.WithField("component", "mt5bridge")

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

var _ broker.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base, err := BaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "tradebridge/mt5bridge")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}

	c := &Client{http: hc}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// apiError is the sidecar's error body, carrying the terminal's last_error.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Terminal IPC failures from last_error. Any of them means the terminal
// link is gone and the session must be initialized again.
const (
	codeIPCSend    = -10001
	codeIPCReceive = -10002
	codeIPCInit    = -10003
	codeIPCConnect = -10004
)

func lostTerminal(code int) error {
	switch code {
	case codeIPCSend, codeIPCReceive, codeIPCInit, codeIPCConnect:
		return broker.ErrNotInitialized
	}
	return nil
}

// do executes one request. It reports found=false for a 404 and turns any
// other non-2xx response into a *broker.Error.
func (c *Client) do(ctx context.Context, op string, r *resty.Request, method, path string) (bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	reqID := uuid.NewString()
	var apiErr apiError
	resp, err := r.
		SetContext(ctx).
		SetHeader("X-Request-ID", reqID).
		SetError(&apiErr).
		Execute(method, path)
	if err != nil {
		return false, &broker.Error{Op: op, Err: err}
	}

	log.WithFields(logrus.Fields{
		"op":         op,
		"status":     resp.StatusCode(),
		"request_id": reqID,
		"elapsed":    resp.Time(),
	}).Debug("bridge call")

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsError():
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("http %d: %s", resp.StatusCode(), resp.String())
		}
		return false, &broker.Error{Op: op, Code: apiErr.Code, Message: msg, Err: lostTerminal(apiErr.Code)}
	}
	return true, nil
}

func (c *Client) Connect(ctx context.Context) error {
	_, err := c.do(ctx, "initialize", c.http.R(), http.MethodPost, "/initialize")
	return err
}

func (c *Client) Login(ctx context.Context, creds broker.Credentials) error {
	found, err := c.do(ctx, "login", c.http.R().SetBody(creds), http.MethodPost, "/login")
	if err != nil {
		return err
	}
	if !found {
		return &broker.Error{Op: "login", Message: "login endpoint not found"}
	}
	return nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, "shutdown", c.http.R(), http.MethodPost, "/shutdown")
	return err
}

func (c *Client) AccountInfo(ctx context.Context) (*broker.Account, error) {
	var out broker.Account
	found, err := c.do(ctx, "account_info", c.http.R().SetResult(&out), http.MethodGet, "/account")
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SymbolSelect(ctx context.Context, symbol string) (bool, error) {
	var out struct {
		Selected bool `json:"selected"`
	}
	r := c.http.R().SetPathParam("symbol", symbol).SetResult(&out)
	found, err := c.do(ctx, "symbol_select", r, http.MethodPost, "/symbols/{symbol}/select")
	if err != nil || !found {
		return false, err
	}
	return out.Selected, nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*market.SymbolInfo, error) {
	var out market.SymbolInfo
	r := c.http.R().SetPathParam("symbol", symbol).SetResult(&out)
	found, err := c.do(ctx, "symbol_info", r, http.MethodGet, "/symbols/{symbol}")
	if err != nil || !found {
		return nil, err
	}
	if out.Name == "" {
		out.Name = symbol
	}
	return &out, nil
}

// tickMsg is the terminal's tick: time is epoch seconds.
type tickMsg struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Time int64   `json:"time"`
}

func (c *Client) SymbolTick(ctx context.Context, symbol string) (*market.Tick, error) {
	var out tickMsg
	r := c.http.R().SetPathParam("symbol", symbol).SetResult(&out)
	found, err := c.do(ctx, "symbol_info_tick", r, http.MethodGet, "/symbols/{symbol}/tick")
	if err != nil || !found {
		return nil, err
	}
	return &market.Tick{
		Symbol: symbol,
		Bid:    out.Bid,
		Ask:    out.Ask,
		Time:   time.Unix(out.Time, 0).UTC(),
	}, nil
}

type positionMsg struct {
	Ticket    broker.Ticket `json:"ticket"`
	Symbol    string        `json:"symbol"`
	Type      string        `json:"type"`
	Volume    float64       `json:"volume"`
	PriceOpen float64       `json:"price_open"`
	SL        float64       `json:"sl"`
	TP        float64       `json:"tp"`
	Magic     int64         `json:"magic"`
	Comment   string        `json:"comment"`
	Time      int64         `json:"time"`
}

func (m positionMsg) position() (broker.Position, error) {
	dir, err := broker.ParseDirection(m.Type)
	if err != nil {
		return broker.Position{}, fmt.Errorf("position %s: %w", m.Ticket, err)
	}
	return broker.Position{
		Ticket:     m.Ticket,
		Symbol:     m.Symbol,
		Direction:  dir,
		Volume:     m.Volume,
		OpenPrice:  m.PriceOpen,
		StopLoss:   m.SL,
		TakeProfit: m.TP,
		Magic:      m.Magic,
		Comment:    m.Comment,
		OpenTime:   time.Unix(m.Time, 0).UTC(),
	}, nil
}

func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	return c.positions(ctx, c.http.R())
}

func (c *Client) PositionsByTicket(ctx context.Context, ticket broker.Ticket) ([]broker.Position, error) {
	r := c.http.R().SetQueryParam("ticket", strconv.FormatUint(uint64(ticket), 10))
	return c.positions(ctx, r)
}

func (c *Client) positions(ctx context.Context, r *resty.Request) ([]broker.Position, error) {
	var msgs []positionMsg
	found, err := c.do(ctx, "positions_get", r.SetResult(&msgs), http.MethodGet, "/positions")
	if err != nil || !found {
		return nil, err
	}

	out := make([]broker.Position, 0, len(msgs))
	for _, m := range msgs {
		p, err := m.position()
		if err != nil {
			return nil, &broker.Error{Op: "positions_get", Err: err}
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) OrderSend(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	var out broker.OrderResult
	r := c.http.R().SetBody(req).SetResult(&out)
	found, err := c.do(ctx, "order_send", r, http.MethodPost, "/orders")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &broker.Error{Op: "order_send", Message: "order endpoint not found"}
	}
	return &out, nil
}
