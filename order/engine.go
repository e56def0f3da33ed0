// Package order turns trade commands into backend order requests.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
	"github.com/rustyeddy/tradebridge/metrics"
	"github.com/rustyeddy/tradebridge/retry"
	"github.com/rustyeddy/tradebridge/risk"
	"github.com/rustyeddy/tradebridge/symbols"
)

var log = logrus.WithField("component", "order")

const (
	DefaultMagic         = 234000
	DefaultDeviation     = 20
	DefaultCommentPrefix = "TV#"
)

// Connector is the part of the session manager the engine needs.
type Connector interface {
	EnsureConnected(ctx context.Context) error
	Invalidate()
}

type Config struct {
	Magic         int64
	Deviation     int
	CommentPrefix string
	Filling       broker.Filling
	PipPoints     float64
	Retry         retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Magic == 0 {
		c.Magic = DefaultMagic
	}
	if c.Deviation == 0 {
		c.Deviation = DefaultDeviation
	}
	if c.CommentPrefix == "" {
		c.CommentPrefix = DefaultCommentPrefix
	}
	if c.Filling == "" {
		c.Filling = broker.FillingIOC
	}
	if c.PipPoints <= 0 {
		c.PipPoints = risk.DefaultPipPoints
	}
	return c
}

// Engine executes open, close and modify commands. Every backend call runs
// on the bridge pool through the retry controller.
//
// Commands for the same ticket are not serialized: a Close and a Modify
// issued concurrently reach the backend in either order.
type Engine struct {
	client broker.Client
	pool   *bridge.Pool
	conn   Connector
	mapper symbols.Mapper
	cfg    Config
}

func NewEngine(client broker.Client, pool *bridge.Pool, conn Connector, mapper symbols.Mapper, cfg Config) *Engine {
	if mapper == nil {
		mapper = symbols.Identity{}
	}
	return &Engine{
		client: client,
		pool:   pool,
		conn:   conn,
		mapper: mapper,
		cfg:    cfg.withDefaults(),
	}
}

// call runs fn with retries. A lost terminal session invalidates the
// connection so the next command reconnects.
func call[T any](ctx context.Context, e *Engine, name string, fn func(context.Context) (T, error)) (T, error) {
	opts := append(e.cfg.Retry.Options(), retry.Name(name))
	v, err := retry.Do(ctx, e.pool, fn, opts...)
	if err != nil && errors.Is(err, broker.ErrNotInitialized) {
		e.conn.Invalidate()
	}
	return v, err
}

func observe(op Kind, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation):
		result = "invalid"
	case errors.Is(err, ErrOrderRejected):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.Orders.WithLabelValues(string(op), result).Inc()
}

func (e *Engine) comment(positionID string) string {
	if positionID == "" {
		positionID = "unknown"
	}
	return e.cfg.CommentPrefix + positionID
}

func (e *Engine) selectSymbol(ctx context.Context, symbol string) error {
	ok, err := call(ctx, e, "symbol_select", func(ctx context.Context) (bool, error) {
		return e.client.SymbolSelect(ctx, symbol)
	})
	if err != nil {
		return fmt.Errorf("select %s: %w", symbol, err)
	}
	if !ok {
		return fmt.Errorf("%w: failed to select symbol %s", ErrSymbolResolution, symbol)
	}
	return nil
}

func (e *Engine) symbolInfo(ctx context.Context, symbol string) (*market.SymbolInfo, error) {
	info, err := call(ctx, e, "symbol_info", func(ctx context.Context) (*market.SymbolInfo, error) {
		return e.client.SymbolInfo(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", symbol, err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: no symbol info for %s", ErrSymbolResolution, symbol)
	}
	return info, nil
}

func (e *Engine) tick(ctx context.Context, symbol string) (*market.Tick, error) {
	t, err := call(ctx, e, "symbol_info_tick", func(ctx context.Context) (*market.Tick, error) {
		return e.client.SymbolTick(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", symbol, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: no prices for %s", ErrSymbolResolution, symbol)
	}
	return t, nil
}

// position fetches an open position by ticket and, when symbol is not
// empty, checks that it trades that broker symbol.
func (e *Engine) position(ctx context.Context, ticket broker.Ticket, symbol string) (broker.Position, error) {
	ps, err := call(ctx, e, "positions_get", func(ctx context.Context) ([]broker.Position, error) {
		return e.client.PositionsByTicket(ctx, ticket)
	})
	if err != nil {
		return broker.Position{}, fmt.Errorf("position #%s: %w", ticket, err)
	}
	if len(ps) == 0 {
		return broker.Position{}, fmt.Errorf("%w: position #%s", ErrPositionNotFound, ticket)
	}
	p := ps[0]
	if symbol != "" && p.Symbol != symbol {
		return broker.Position{}, fmt.Errorf("%w: position #%s exists but expected %s, found %s",
			ErrSymbolMismatch, ticket, symbol, p.Symbol)
	}
	return p, nil
}

// Position looks up an open position by ticket. A non-empty symbol is
// mapped and must match the position's symbol.
func (e *Engine) Position(ctx context.Context, ticket broker.Ticket, symbol string) (broker.Position, error) {
	if ticket == 0 {
		return broker.Position{}, invalid("ticket is required")
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return broker.Position{}, err
	}
	if symbol != "" {
		symbol = e.mapper.Map(symbol)
	}
	return e.position(ctx, ticket, symbol)
}

func (e *Engine) send(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	log.WithFields(logrus.Fields{
		"action":   req.Action,
		"symbol":   req.Symbol,
		"type":     req.Direction,
		"volume":   req.Volume,
		"price":    req.Price,
		"position": req.Position,
	}).Info("order submitted")

	res, err := call(ctx, e, "order_send", func(ctx context.Context) (*broker.OrderResult, error) {
		res, err := e.client.OrderSend(ctx, req)
		if err == nil && res == nil {
			err = &broker.Error{Op: "order_send", Message: "empty result"}
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func rejected(op Kind, res *broker.OrderResult, msg string) error {
	log.WithFields(logrus.Fields{
		"op":      op,
		"retcode": res.RetCode,
		"comment": res.Comment,
	}).Warn("order rejected")
	return &RejectedError{Op: op, RetCode: res.RetCode, Comment: res.Comment, Message: msg}
}

func roundPtr(p *float64, digits int) *float64 {
	if p == nil {
		return nil
	}
	return broker.Ptr(market.Round(*p, digits))
}

// Open places a market order: buys fill at the ask, sells at the bid.
func (e *Engine) Open(ctx context.Context, cmd Command) (res Result, err error) {
	defer func() { observe(KindOpen, err) }()

	dir, err := validateOpen(cmd)
	if err != nil {
		return Result{}, err
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return Result{}, err
	}

	symbol := e.mapper.Map(cmd.Symbol)
	if err := e.selectSymbol(ctx, symbol); err != nil {
		return Result{}, err
	}
	info, err := e.symbolInfo(ctx, symbol)
	if err != nil {
		return Result{}, err
	}

	price := info.Ask
	if dir == broker.Sell {
		price = info.Bid
	}
	if price <= 0 {
		return Result{}, fmt.Errorf("%w: no quote for %s", ErrSymbolResolution, symbol)
	}

	req := broker.OrderRequest{
		Action:     broker.ActionDeal,
		Symbol:     symbol,
		Volume:     cmd.Quantity,
		Direction:  dir,
		Price:      price,
		Deviation:  e.cfg.Deviation,
		Magic:      e.cfg.Magic,
		Comment:    e.comment(cmd.PositionID),
		TakeProfit: roundPtr(cmd.TakeProfit, info.Digits),
		StopLoss:   roundPtr(cmd.StopLoss, info.Digits),
		TypeTime:   broker.TimeGTC,
		Filling:    e.cfg.Filling,
	}

	out, err := e.send(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", symbol, err)
	}
	if !out.Done() {
		return Result{}, rejected(KindOpen, out, "")
	}

	log.WithFields(logrus.Fields{
		"ticket": out.Order,
		"symbol": symbol,
		"side":   dir,
		"volume": out.Volume,
		"price":  out.Price,
	}).Info("position opened")

	return Result{
		Success:    true,
		Ticket:     out.Order,
		Symbol:     symbol,
		Direction:  dir,
		Price:      out.Price,
		Volume:     out.Volume,
		RetCode:    out.RetCode,
		Comment:    out.Comment,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Request:    req,
		Time:       time.Now().UTC(),
	}, nil
}

// Close offsets all or part of an open position. Longs close at the bid,
// shorts at the ask.
func (e *Engine) Close(ctx context.Context, cmd Command) (res Result, err error) {
	defer func() { observe(KindClose, err) }()

	if err := validateClose(cmd); err != nil {
		return Result{}, err
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return Result{}, err
	}

	symbol := e.mapper.Map(cmd.Symbol)
	if err := e.selectSymbol(ctx, symbol); err != nil {
		return Result{}, err
	}
	info, err := e.symbolInfo(ctx, symbol)
	if err != nil {
		return Result{}, err
	}
	pos, err := e.position(ctx, cmd.Ticket, symbol)
	if err != nil {
		return Result{}, err
	}

	if market.VolumeLess(pos.Volume, cmd.Quantity) {
		return Result{}, fmt.Errorf("%w: close amount %v exceeds position size %v",
			ErrInvalidVolume, cmd.Quantity, pos.Volume)
	}
	partial := market.VolumeLess(cmd.Quantity, pos.Volume)

	dir := pos.Direction.Inverse()
	price := info.Bid
	if pos.Direction == broker.Sell {
		price = info.Ask
	}

	req := broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    symbol,
		Volume:    cmd.Quantity,
		Direction: dir,
		Position:  pos.Ticket,
		Price:     price,
		Deviation: e.cfg.Deviation,
		Magic:     e.cfg.Magic,
		Comment:   e.comment(cmd.PositionID),
		TypeTime:  broker.TimeGTC,
		Filling:   e.cfg.Filling,
	}

	out, err := e.send(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("close #%s: %w", pos.Ticket, err)
	}
	if !out.Done() {
		return Result{}, rejected(KindClose, out, "")
	}

	remaining := 0.0
	after, err := call(ctx, e, "positions_get", func(ctx context.Context) ([]broker.Position, error) {
		return e.client.PositionsByTicket(ctx, pos.Ticket)
	})
	switch {
	case err != nil:
		remaining = market.Round(pos.Volume-cmd.Quantity, 8)
		log.WithError(err).WithField("ticket", pos.Ticket).Warn("remaining volume unknown, assuming requested amount closed")
	case len(after) > 0:
		remaining = after[0].Volume
	}

	log.WithFields(logrus.Fields{
		"ticket":    pos.Ticket,
		"symbol":    symbol,
		"volume":    cmd.Quantity,
		"remaining": remaining,
		"partial":   partial,
		"price":     out.Price,
	}).Info("position closed")

	return Result{
		Success:         true,
		Ticket:          out.Order,
		Symbol:          symbol,
		Direction:       dir,
		Price:           out.Price,
		Volume:          cmd.Quantity,
		RetCode:         out.RetCode,
		Comment:         out.Comment,
		IsPartial:       partial,
		RemainingVolume: remaining,
		ClosedPosition:  pos.Ticket,
		Request:         req,
		Time:            time.Now().UTC(),
	}, nil
}

// Modify changes the stop-loss and/or take-profit of an open position. A
// positive trailing distance in pips replaces any explicit stop-loss with
// one derived from the current quote. Levels left unset keep the
// position's current values.
func (e *Engine) Modify(ctx context.Context, cmd Command) (res Result, err error) {
	defer func() { observe(KindModify, err) }()

	if err := validateModify(cmd); err != nil {
		return Result{}, err
	}
	if err := e.conn.EnsureConnected(ctx); err != nil {
		return Result{}, err
	}

	symbol := e.mapper.Map(cmd.Symbol)
	if err := e.selectSymbol(ctx, symbol); err != nil {
		return Result{}, err
	}
	pos, err := e.position(ctx, cmd.Ticket, symbol)
	if err != nil {
		return Result{}, err
	}

	trailingPips := 0.0
	if cmd.TrailingStopPips != nil {
		trailingPips = *cmd.TrailingStopPips
	}

	// Only switching trailing off: nothing to send to the server.
	if cmd.TakeProfit == nil && cmd.StopLoss == nil && trailingPips == 0 {
		return Result{
			Success:          true,
			Ticket:           pos.Ticket,
			Symbol:           symbol,
			Direction:        pos.Direction,
			TrailingStopPips: cmd.TrailingStopPips,
			Comment:          "trailing disabled",
			Time:             time.Now().UTC(),
		}, nil
	}

	info, err := e.symbolInfo(ctx, symbol)
	if err != nil {
		return Result{}, err
	}
	tick, err := e.tick(ctx, symbol)
	if err != nil {
		return Result{}, err
	}

	sl := cmd.StopLoss
	if trailingPips > 0 {
		distance := risk.PipsToPrice(trailingPips, e.cfg.PipPoints, info.Point)
		sl = broker.Ptr(risk.TrailingStop(pos.Direction, tick.Bid, tick.Ask, distance))
	}
	sl = roundPtr(sl, info.Digits)
	tp := roundPtr(cmd.TakeProfit, info.Digits)

	if sl != nil {
		if err := risk.CheckStop(pos.Direction, *sl, tick.Bid, tick.Ask); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidStopLevel, err)
		}
	}

	req := broker.OrderRequest{
		Action:     broker.ActionSLTP,
		Symbol:     symbol,
		Position:   pos.Ticket,
		StopLoss:   sl,
		TakeProfit: tp,
		TypeTime:   broker.TimeGTC,
	}
	if req.StopLoss == nil {
		req.StopLoss = broker.Ptr(pos.StopLoss)
	}
	if req.TakeProfit == nil {
		req.TakeProfit = broker.Ptr(pos.TakeProfit)
	}

	out, err := e.send(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("modify #%s: %w", pos.Ticket, err)
	}
	if !out.Done() {
		return Result{}, rejected(KindModify, out, modifyRejection(out, tp != nil, sl != nil))
	}

	log.WithFields(logrus.Fields{
		"ticket":   pos.Ticket,
		"symbol":   symbol,
		"sl":       *req.StopLoss,
		"tp":       *req.TakeProfit,
		"trailing": trailingPips,
	}).Info("position modified")

	return Result{
		Success:          true,
		Ticket:           pos.Ticket,
		Symbol:           symbol,
		Direction:        pos.Direction,
		RetCode:          out.RetCode,
		Comment:          out.Comment,
		StopLoss:         sl,
		TakeProfit:       tp,
		TrailingStopPips: cmd.TrailingStopPips,
		Request:          req,
		Time:             time.Now().UTC(),
	}, nil
}
