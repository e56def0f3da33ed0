package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
)

// Op names a backend call for fault injection and call counting.
type Op string

const (
	OpConnect      Op = "connect"
	OpLogin        Op = "login"
	OpShutdown     Op = "shutdown"
	OpAccountInfo  Op = "account_info"
	OpSymbolSelect Op = "symbol_select"
	OpSymbolInfo   Op = "symbol_info"
	OpSymbolTick   Op = "symbol_info_tick"
	OpPositions    Op = "positions_get"
	OpOrderSend    Op = "order_send"
)

// Engine is an in-memory trading backend that behaves like a terminal
// session: it must be connected and logged in, fills market deals at the
// current bid/ask, supports partial closes and SL/TP modification, and
// closes positions whose stops are crossed by UpdatePrice.
type Engine struct {
	mu sync.Mutex

	ticks     *market.TickStore
	symbols   map[string]market.SymbolInfo
	selected  map[string]bool
	positions map[broker.Ticket]*broker.Position
	next      broker.Ticket

	account     broker.Account
	password    string
	initialized bool
	loggedIn    bool

	faults  map[Op][]error
	rejects []broker.OrderResult
	calls   map[Op]int
	sent    []broker.OrderRequest
	latency time.Duration
}

var _ broker.Client = (*Engine)(nil)

func NewEngine(acct broker.Account) *Engine {
	e := &Engine{
		ticks:     market.NewTickStore(),
		symbols:   make(map[string]market.SymbolInfo),
		selected:  make(map[string]bool),
		positions: make(map[broker.Ticket]*broker.Position),
		next:      100000,
		account:   acct,
		faults:    make(map[Op][]error),
		calls:     make(map[Op]int),
	}
	for name, info := range market.Symbols {
		e.symbols[name] = info
	}
	return e
}

// SetSymbol adds or replaces a tradable symbol.
func (e *Engine) SetSymbol(info market.SymbolInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbols[info.Name] = info
}

// SetPassword makes Login reject any other password.
func (e *Engine) SetPassword(pw string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = pw
}

// SetLatency delays every call, outside the engine lock.
func (e *Engine) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Fail queues errors returned, in order, by the next calls of op.
func (e *Engine) Fail(op Op, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = append(e.faults[op], errs...)
}

// Reject makes the next OrderSend return retcode without executing.
func (e *Engine) Reject(retcode uint32, comment string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects = append(e.rejects, broker.OrderResult{RetCode: retcode, Comment: comment})
}

// Calls reports how many times op was invoked.
func (e *Engine) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Sent returns a copy of every request passed to OrderSend.
func (e *Engine) Sent() []broker.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]broker.OrderRequest, len(e.sent))
	copy(out, e.sent)
	return out
}

// Drop simulates the terminal losing its session.
func (e *Engine) Drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
	e.loggedIn = false
}

// Seed inserts a position directly, bypassing order validation.
func (e *Engine) Seed(p broker.Position) broker.Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = e.nextTicketLocked()
	}
	if p.OpenTime.IsZero() {
		p.OpenTime = time.Now()
	}
	e.positions[p.Ticket] = &p
	return p.Ticket
}

// begin counts the call and pops an injected fault. Caller holds e.mu.
func (e *Engine) beginLocked(op Op) error {
	e.calls[op]++
	if q := e.faults[op]; len(q) > 0 {
		err := q[0]
		e.faults[op] = q[1:]
		return err
	}
	return nil
}

func (e *Engine) wait(ctx context.Context) error {
	e.mu.Lock()
	d := e.latency
	e.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) requireTerminalLocked(op Op) error {
	if !e.initialized {
		return &broker.Error{Op: string(op), Code: -10004, Err: broker.ErrNotInitialized}
	}
	return nil
}

func (e *Engine) Connect(ctx context.Context) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpConnect); err != nil {
		return err
	}
	e.initialized = true
	return nil
}

func (e *Engine) Login(ctx context.Context, creds broker.Credentials) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpLogin); err != nil {
		return err
	}
	if err := e.requireTerminalLocked(OpLogin); err != nil {
		return err
	}
	if e.account.Login != 0 && creds.Login != e.account.Login {
		return &broker.Error{Op: string(OpLogin), Code: -6, Message: "authorization failed"}
	}
	if e.password != "" && creds.Password != e.password {
		return &broker.Error{Op: string(OpLogin), Code: -6, Message: "authorization failed"}
	}
	e.account.Login = creds.Login
	if creds.Server != "" {
		e.account.Server = creds.Server
	}
	e.loggedIn = true
	return nil
}

func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpShutdown); err != nil {
		return err
	}
	e.initialized = false
	e.loggedIn = false
	return nil
}

func (e *Engine) AccountInfo(ctx context.Context) (*broker.Account, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpAccountInfo); err != nil {
		return nil, err
	}
	if !e.initialized || !e.loggedIn {
		return nil, nil
	}
	acct := e.account
	acct.Equity = e.equityLocked()
	return &acct, nil
}

func (e *Engine) SymbolSelect(ctx context.Context, symbol string) (bool, error) {
	if err := e.wait(ctx); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpSymbolSelect); err != nil {
		return false, err
	}
	if err := e.requireTerminalLocked(OpSymbolSelect); err != nil {
		return false, err
	}
	if _, ok := e.symbols[symbol]; !ok {
		return false, nil
	}
	e.selected[symbol] = true
	return true, nil
}

func (e *Engine) SymbolInfo(ctx context.Context, symbol string) (*market.SymbolInfo, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpSymbolInfo); err != nil {
		return nil, err
	}
	if err := e.requireTerminalLocked(OpSymbolInfo); err != nil {
		return nil, err
	}
	info, ok := e.symbols[symbol]
	if !ok {
		return nil, nil
	}
	if t, err := e.ticks.Get(symbol); err == nil {
		info.Bid = t.Bid
		info.Ask = t.Ask
	}
	return &info, nil
}

func (e *Engine) SymbolTick(ctx context.Context, symbol string) (*market.Tick, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpSymbolTick); err != nil {
		return nil, err
	}
	if err := e.requireTerminalLocked(OpSymbolTick); err != nil {
		return nil, err
	}
	t, err := e.ticks.Get(symbol)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

func (e *Engine) Positions(ctx context.Context) ([]broker.Position, error) {
	return e.positionsGet(ctx, 0)
}

func (e *Engine) PositionsByTicket(ctx context.Context, ticket broker.Ticket) ([]broker.Position, error) {
	return e.positionsGet(ctx, ticket)
}

func (e *Engine) positionsGet(ctx context.Context, ticket broker.Ticket) ([]broker.Position, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpPositions); err != nil {
		return nil, err
	}
	if err := e.requireTerminalLocked(OpPositions); err != nil {
		return nil, err
	}

	var out []broker.Position
	if ticket != 0 {
		if p, ok := e.positions[ticket]; ok {
			out = append(out, *p)
		}
		return out, nil
	}
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (e *Engine) OrderSend(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.beginLocked(OpOrderSend); err != nil {
		return nil, err
	}
	if err := e.requireTerminalLocked(OpOrderSend); err != nil {
		return nil, err
	}
	e.sent = append(e.sent, req)

	if len(e.rejects) > 0 {
		res := e.rejects[0]
		e.rejects = e.rejects[1:]
		return &res, nil
	}

	switch req.Action {
	case broker.ActionDeal:
		if req.Position != 0 {
			return e.closeLocked(req), nil
		}
		return e.openLocked(req), nil
	case broker.ActionSLTP:
		return e.modifyLocked(req), nil
	default:
		return retcode(broker.RetcodeInvalid, fmt.Sprintf("unsupported action %q", req.Action)), nil
	}
}

func (e *Engine) openLocked(req broker.OrderRequest) *broker.OrderResult {
	if _, ok := e.symbols[req.Symbol]; !ok {
		return retcode(broker.RetcodeInvalid, "unknown symbol")
	}
	if !e.selected[req.Symbol] {
		return retcode(broker.RetcodeInvalid, "symbol not selected")
	}
	t, err := e.ticks.Get(req.Symbol)
	if err != nil {
		return retcode(broker.RetcodeMarketClosed, "market closed")
	}
	if req.Volume <= 0 {
		return retcode(broker.RetcodeInvalidVolume, "invalid volume")
	}

	// Longs fill on ASK, shorts on BID.
	fill := t.Ask
	if req.Direction == broker.Sell {
		fill = t.Bid
	}

	sl, tp := deref(req.StopLoss), deref(req.TakeProfit)
	if !stopsValid(req.Direction, sl, tp, t) {
		return retcode(broker.RetcodeInvalidStops, "invalid stops")
	}

	ticket := e.nextTicketLocked()
	e.positions[ticket] = &broker.Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  fill,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      req.Magic,
		Comment:    req.Comment,
		OpenTime:   t.Time,
	}

	return &broker.OrderResult{
		RetCode: broker.RetcodeDone,
		Order:   ticket,
		Deal:    ticket,
		Volume:  req.Volume,
		Price:   fill,
		Comment: "Request executed",
	}
}

// closeLocked offsets (part of) an open position at the current market.
// - Longs close on BID
// - Shorts close on ASK
func (e *Engine) closeLocked(req broker.OrderRequest) *broker.OrderResult {
	p, ok := e.positions[req.Position]
	if !ok {
		return retcode(broker.RetcodePositionClosed, "position closed")
	}
	if req.Symbol != p.Symbol || req.Direction != p.Direction.Inverse() {
		return retcode(broker.RetcodeInvalid, "invalid request")
	}
	if req.Volume <= 0 || market.VolumeLess(p.Volume, req.Volume) {
		return retcode(broker.RetcodeInvalidVolume, "invalid volume")
	}
	t, err := e.ticks.Get(p.Symbol)
	if err != nil {
		return retcode(broker.RetcodeMarketClosed, "market closed")
	}

	closePrice := t.Bid
	if p.Direction == broker.Sell {
		closePrice = t.Ask
	}
	e.closeVolumeLocked(p, req.Volume, closePrice)

	deal := e.nextTicketLocked()
	return &broker.OrderResult{
		RetCode: broker.RetcodeDone,
		Order:   deal,
		Deal:    deal,
		Volume:  req.Volume,
		Price:   closePrice,
		Comment: "Request executed",
	}
}

func (e *Engine) modifyLocked(req broker.OrderRequest) *broker.OrderResult {
	p, ok := e.positions[req.Position]
	if !ok {
		return retcode(broker.RetcodePositionClosed, "position closed")
	}
	t, err := e.ticks.Get(p.Symbol)
	if err != nil {
		return retcode(broker.RetcodeMarketClosed, "market closed")
	}

	sl, tp := p.StopLoss, p.TakeProfit
	if req.StopLoss != nil {
		sl = *req.StopLoss
	}
	if req.TakeProfit != nil {
		tp = *req.TakeProfit
	}
	if sl == p.StopLoss && tp == p.TakeProfit {
		return retcode(broker.RetcodeNoChanges, "no changes")
	}
	if !stopsValid(p.Direction, sl, tp, t) {
		return retcode(broker.RetcodeInvalidStops, "invalid stops")
	}

	p.StopLoss = sl
	p.TakeProfit = tp
	return &broker.OrderResult{RetCode: broker.RetcodeDone, Comment: "Request executed"}
}

// UpdatePrice sets the latest quote and closes any position on that symbol
// whose stop-loss or take-profit has been crossed.
func (e *Engine) UpdatePrice(t market.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	e.ticks.Set(t)

	for _, p := range e.positions {
		if p.Symbol != t.Symbol {
			continue
		}

		// Correct price side
		mark := t.Bid
		if p.Direction == broker.Sell {
			mark = t.Ask
		}
		if hitStopLoss(p, mark) || hitTakeProfit(p, mark) {
			e.closeVolumeLocked(p, p.Volume, mark)
		}
	}
}

func (e *Engine) closeVolumeLocked(p *broker.Position, volume, price float64) {
	e.account.Balance += realizedPL(*p, volume, price)
	p.Volume = market.Round(p.Volume-volume, 8)
	if p.Volume <= 0 {
		delete(e.positions, p.Ticket)
	}
}

func (e *Engine) equityLocked() float64 {
	equity := e.account.Balance
	for _, p := range e.positions {
		t, err := e.ticks.Get(p.Symbol)
		if err != nil {
			continue
		}
		mark := t.Bid
		if p.Direction == broker.Sell {
			mark = t.Ask
		}
		equity += realizedPL(*p, p.Volume, mark)
	}
	return equity
}

func (e *Engine) nextTicketLocked() broker.Ticket {
	e.next++
	return e.next
}

func retcode(code uint32, comment string) *broker.OrderResult {
	return &broker.OrderResult{RetCode: code, Comment: comment}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
