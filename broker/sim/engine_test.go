package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(broker.Account{Login: 1001, Server: "Demo", Currency: "USD", Balance: 10000})
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Login(ctx, broker.Credentials{Login: 1001, Server: "Demo"}))
	return e
}

func open(t *testing.T, e *Engine, symbol string, dir broker.Direction, vol float64) broker.Ticket {
	t.Helper()
	ctx := context.Background()
	ok, err := e.SymbolSelect(ctx, symbol)
	require.NoError(t, err)
	require.True(t, ok)
	res, err := e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    symbol,
		Volume:    vol,
		Direction: dir,
	})
	require.NoError(t, err)
	require.True(t, res.Done(), "retcode %d", res.RetCode)
	return res.Order
}

func TestEngine_RequiresConnect(t *testing.T) {
	e := NewEngine(broker.Account{Login: 1})
	ctx := context.Background()

	_, err := e.SymbolSelect(ctx, "EURUSD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrNotInitialized))

	acct, err := e.AccountInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, acct)

	err = e.Login(ctx, broker.Credentials{Login: 1})
	assert.True(t, errors.Is(err, broker.ErrNotInitialized))
}

func TestEngine_LoginChecksCredentials(t *testing.T) {
	e := NewEngine(broker.Account{Login: 7})
	e.SetPassword("secret")
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))

	var berr *broker.Error
	err := e.Login(ctx, broker.Credentials{Login: 8, Password: "secret"})
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, -6, berr.Code)

	require.Error(t, e.Login(ctx, broker.Credentials{Login: 7, Password: "nope"}))
	require.NoError(t, e.Login(ctx, broker.Credentials{Login: 7, Password: "secret", Server: "Live"}))

	acct, err := e.AccountInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "Live", acct.Server)
}

func TestEngine_OpenFillsAtCorrectSide(t *testing.T) {
	e := newEngine(t)
	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})

	long := open(t, e, "EURUSD", broker.Buy, 0.1)
	short := open(t, e, "EURUSD", broker.Sell, 0.2)

	ps, err := e.PositionsByTicket(context.Background(), long)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, 1.1002, ps[0].OpenPrice)

	ps, err = e.PositionsByTicket(context.Background(), short)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, 1.1000, ps[0].OpenPrice)

	all, err := e.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].Ticket, all[1].Ticket)
}

func TestEngine_OpenRejectsBadStops(t *testing.T) {
	e := newEngine(t)
	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
	ctx := context.Background()
	_, err := e.SymbolSelect(ctx, "EURUSD")
	require.NoError(t, err)

	res, err := e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    0.1,
		Direction: broker.Buy,
		StopLoss:  broker.Ptr(1.1010),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodeInvalidStops, res.RetCode)
}

func TestEngine_PartialAndFullClose(t *testing.T) {
	e := newEngine(t)
	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
	ticket := open(t, e, "EURUSD", broker.Buy, 1.0)
	ctx := context.Background()

	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1012, Ask: 1.1014})

	res, err := e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    0.4,
		Direction: broker.Sell,
		Position:  ticket,
	})
	require.NoError(t, err)
	require.True(t, res.Done())
	assert.Equal(t, 1.1012, res.Price)

	ps, err := e.PositionsByTicket(ctx, ticket)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.InDelta(t, 0.6, ps[0].Volume, 1e-9)

	res, err = e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    1.0,
		Direction: broker.Sell,
		Position:  ticket,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodeInvalidVolume, res.RetCode)

	res, err = e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    0.6,
		Direction: broker.Sell,
		Position:  ticket,
	})
	require.NoError(t, err)
	require.True(t, res.Done())

	ps, err = e.PositionsByTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Empty(t, ps)

	acct, err := e.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000+1.0*0.0010, acct.Balance, 1e-9)

	res, err = e.OrderSend(ctx, broker.OrderRequest{
		Action:    broker.ActionDeal,
		Symbol:    "EURUSD",
		Volume:    0.1,
		Direction: broker.Sell,
		Position:  ticket,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodePositionClosed, res.RetCode)
}

func TestEngine_ModifyStops(t *testing.T) {
	e := newEngine(t)
	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
	ticket := open(t, e, "EURUSD", broker.Buy, 0.1)
	ctx := context.Background()

	res, err := e.OrderSend(ctx, broker.OrderRequest{
		Action:     broker.ActionSLTP,
		Symbol:     "EURUSD",
		Position:   ticket,
		StopLoss:   broker.Ptr(1.0950),
		TakeProfit: broker.Ptr(1.1100),
	})
	require.NoError(t, err)
	require.True(t, res.Done())

	res, err = e.OrderSend(ctx, broker.OrderRequest{
		Action:   broker.ActionSLTP,
		Symbol:   "EURUSD",
		Position: ticket,
		StopLoss: broker.Ptr(1.0950),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodeNoChanges, res.RetCode)

	res, err = e.OrderSend(ctx, broker.OrderRequest{
		Action:   broker.ActionSLTP,
		Symbol:   "EURUSD",
		Position: ticket,
		StopLoss: broker.Ptr(1.1005),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodeInvalidStops, res.RetCode)

	ps, err := e.PositionsByTicket(ctx, ticket)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, 1.0950, ps[0].StopLoss)
	assert.Equal(t, 1.1100, ps[0].TakeProfit)
}

func TestEngine_StopLossTriggers(t *testing.T) {
	tests := []struct {
		name string
		dir  broker.Direction
		sl   float64
		bid  float64
		ask  float64
		gone bool
	}{
		{"long above stop", broker.Buy, 1.0950, 1.0960, 1.0962, false},
		{"long at stop", broker.Buy, 1.0950, 1.0950, 1.0952, true},
		{"short below stop", broker.Sell, 1.1050, 1.1030, 1.1032, false},
		{"short at stop", broker.Sell, 1.1050, 1.1048, 1.1050, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			ticket := e.Seed(broker.Position{
				Symbol:    "EURUSD",
				Direction: tt.dir,
				Volume:    0.1,
				OpenPrice: 1.1000,
				StopLoss:  tt.sl,
			})
			e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: tt.bid, Ask: tt.ask})

			ps, err := e.PositionsByTicket(context.Background(), ticket)
			require.NoError(t, err)
			assert.Equal(t, tt.gone, len(ps) == 0)
		})
	}
}

func TestEngine_FaultsAndRejects(t *testing.T) {
	e := newEngine(t)
	e.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
	ctx := context.Background()

	boom := errors.New("boom")
	e.Fail(OpPositions, boom)

	_, err := e.Positions(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = e.Positions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, e.Calls(OpPositions))

	e.Reject(broker.RetcodeNoMoney, "no money")
	res, err := e.OrderSend(ctx, broker.OrderRequest{Action: broker.ActionDeal, Symbol: "EURUSD", Volume: 1, Direction: broker.Buy})
	require.NoError(t, err)
	assert.Equal(t, broker.RetcodeNoMoney, res.RetCode)
	assert.Len(t, e.Sent(), 1)

	e.Drop()
	_, err = e.Positions(ctx)
	assert.ErrorIs(t, err, broker.ErrNotInitialized)
}

func TestEngine_SymbolInfoCarriesQuote(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	info, err := e.SymbolInfo(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, info)

	tick, err := e.SymbolTick(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, tick)

	e.UpdatePrice(market.Tick{Symbol: "BTCUSD", Bid: 50000, Ask: 50010})
	info, err = e.SymbolInfo(ctx, "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Digits)
	assert.Equal(t, 50000.0, info.Bid)
	assert.Equal(t, 50010.0, info.Ask)
}
