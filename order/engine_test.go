package order

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/broker/sim"
	"github.com/rustyeddy/tradebridge/market"
	"github.com/rustyeddy/tradebridge/retry"
	"github.com/rustyeddy/tradebridge/session"
	"github.com/rustyeddy/tradebridge/symbols"
)

func newHarness(t *testing.T) (*Engine, *sim.Engine) {
	t.Helper()
	backend := sim.NewEngine(broker.Account{Login: 77, Server: "Demo", Currency: "USD", Balance: 10000})
	backend.UpdatePrice(market.Tick{Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10020})
	backend.UpdatePrice(market.Tick{Symbol: "BTCUSD", Bid: 50000, Ask: 50010})

	pool := bridge.New(4)
	t.Cleanup(pool.Close)
	sess := session.New(backend, pool, session.Config{
		Credentials: broker.Credentials{Login: 77, Server: "Demo"},
		Cooldown:    time.Millisecond,
	})

	e := NewEngine(backend, pool, sess, symbols.NewTable(nil, ""), Config{
		Retry: retry.Policy{BaseDelay: time.Millisecond},
	})
	return e, backend
}

func openCmd(side string, qty float64) Command {
	return Command{Kind: KindOpen, Symbol: "EUR/USD", Side: side, Quantity: qty, PositionID: "p1"}
}

func TestOpen_DirectionAndPrice(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	buy, err := e.Open(ctx, openCmd("buy", 0.1))
	require.NoError(t, err)
	assert.True(t, buy.Success)
	assert.Equal(t, "EURUSD", buy.Symbol)
	assert.Equal(t, broker.Buy, buy.Direction)
	assert.Equal(t, 1.1002, buy.Price)
	assert.NotZero(t, buy.Ticket)

	req := buy.Request
	assert.Equal(t, broker.ActionDeal, req.Action)
	assert.Equal(t, 1.1002, req.Price)
	assert.Equal(t, int64(DefaultMagic), req.Magic)
	assert.Equal(t, DefaultDeviation, req.Deviation)
	assert.Equal(t, "TV#p1", req.Comment)
	assert.Equal(t, broker.FillingIOC, req.Filling)
	assert.Equal(t, broker.TimeGTC, req.TypeTime)
	assert.Nil(t, req.StopLoss)
	assert.Nil(t, req.TakeProfit)

	sell, err := e.Open(ctx, Command{Kind: KindOpen, Symbol: "EURUSD", Side: "sell", Quantity: 0.2})
	require.NoError(t, err)
	assert.Equal(t, broker.Sell, sell.Direction)
	assert.Equal(t, 1.1, sell.Price)
	assert.Equal(t, "TV#unknown", sell.Request.Comment)

	ps, err := backend.Positions(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestOpen_RoundsStops(t *testing.T) {
	e, _ := newHarness(t)

	cmd := openCmd("buy", 0.1)
	cmd.TakeProfit = broker.Ptr(1.123456789)
	cmd.StopLoss = broker.Ptr(1.0912344)
	res, err := e.Open(context.Background(), cmd)
	require.NoError(t, err)

	require.NotNil(t, res.TakeProfit)
	require.NotNil(t, res.StopLoss)
	assert.Equal(t, 1.12346, *res.TakeProfit)
	assert.Equal(t, 1.09123, *res.StopLoss)
	assert.Equal(t, 1.12346, *res.Request.TakeProfit)
}

func TestOpen_ValidationBeforeAnyBackendCall(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"missing symbol", Command{Side: "buy", Quantity: 1}},
		{"bad side", Command{Symbol: "EURUSD", Side: "hold", Quantity: 1}},
		{"zero quantity", Command{Symbol: "EURUSD", Side: "buy"}},
		{"negative stop", Command{Symbol: "EURUSD", Side: "buy", Quantity: 1, StopLoss: broker.Ptr(-1)}},
		{"nan trailing", Command{Symbol: "EURUSD", Side: "buy", Quantity: 1, TrailingStopPips: broker.Ptr(math.NaN())}},
		{"infinite trailing", Command{Symbol: "EURUSD", Side: "buy", Quantity: 1, TrailingStopPips: broker.Ptr(math.Inf(1))}},
		{"negative trailing", Command{Symbol: "EURUSD", Side: "buy", Quantity: 1, TrailingStopPips: broker.Ptr(-5)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backend := newHarness(t)
			_, err := e.Open(context.Background(), tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 0, backend.Calls(sim.OpConnect))
		})
	}
}

func TestOpen_UnknownSymbol(t *testing.T) {
	e, backend := newHarness(t)

	_, err := e.Open(context.Background(), Command{Symbol: "XYZABC", Side: "buy", Quantity: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSymbolResolution)
	assert.Equal(t, 1, backend.Calls(sim.OpSymbolSelect))
	assert.Empty(t, backend.Sent())
}

func TestOpen_Rejected(t *testing.T) {
	e, backend := newHarness(t)
	backend.Reject(broker.RetcodeNoMoney, "No money")

	_, err := e.Open(context.Background(), openCmd("buy", 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)

	var rerr *RejectedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, broker.RetcodeNoMoney, rerr.RetCode)
	assert.Equal(t, KindOpen, rerr.Op)
	assert.Contains(t, err.Error(), "No money")
	assert.Len(t, backend.Sent(), 1, "rejections are not retried")
}

func TestOpen_RetriesTransportFailures(t *testing.T) {
	e, backend := newHarness(t)
	backend.Fail(sim.OpOrderSend, errors.New("ipc timeout"), errors.New("ipc timeout"))

	res, err := e.Open(context.Background(), openCmd("buy", 0.1))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, backend.Calls(sim.OpOrderSend))
}

func TestOpen_ExhaustedRetries(t *testing.T) {
	e, backend := newHarness(t)
	last := errors.New("third failure")
	backend.Fail(sim.OpOrderSend, errors.New("first"), errors.New("second"), last)

	_, err := e.Open(context.Background(), openCmd("buy", 0.1))
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	var rerr *retry.Error
	assert.ErrorAs(t, err, &rerr)
}

func TestClose_Partial(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	opened, err := e.Open(ctx, openCmd("buy", 1.0))
	require.NoError(t, err)

	res, err := e.Close(ctx, Command{Kind: KindClose, Symbol: "EURUSD", Ticket: opened.Ticket, Quantity: 0.4})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsPartial)
	assert.InDelta(t, 0.6, res.RemainingVolume, 1e-9)
	assert.Equal(t, broker.Sell, res.Direction)
	assert.Equal(t, 1.1, res.Price)
	assert.Equal(t, opened.Ticket, res.ClosedPosition)
	assert.Equal(t, opened.Ticket, res.Request.Position)
	assert.Equal(t, 1.1, res.Request.Price)

	ps, err := backend.PositionsByTicket(ctx, opened.Ticket)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.InDelta(t, 0.6, ps[0].Volume, 1e-9)
}

func TestClose_FullShort(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	opened, err := e.Open(ctx, Command{Symbol: "EURUSD", Side: "sell", Quantity: 0.5})
	require.NoError(t, err)

	res, err := e.Close(ctx, Command{Symbol: "EURUSD", Ticket: opened.Ticket, Quantity: 0.5})
	require.NoError(t, err)
	assert.False(t, res.IsPartial)
	assert.Zero(t, res.RemainingVolume)
	assert.Equal(t, broker.Buy, res.Direction)
	assert.Equal(t, 1.1002, res.Request.Price)

	ps, err := backend.PositionsByTicket(ctx, opened.Ticket)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestClose_OverVolumeNeverSends(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	opened, err := e.Open(ctx, openCmd("buy", 1.0))
	require.NoError(t, err)
	sent := len(backend.Sent())

	_, err = e.Close(ctx, Command{Symbol: "EURUSD", Ticket: opened.Ticket, Quantity: 1.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidVolume)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, backend.Sent(), sent)
}

func TestClose_LookupErrors(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	_, err := e.Close(ctx, Command{Symbol: "EURUSD", Ticket: 424242, Quantity: 1})
	assert.ErrorIs(t, err, ErrPositionNotFound)

	opened, err := e.Open(ctx, openCmd("buy", 1.0))
	require.NoError(t, err)
	_, err = e.Close(ctx, Command{Symbol: "BTCUSD", Ticket: opened.Ticket, Quantity: 1})
	assert.ErrorIs(t, err, ErrSymbolMismatch)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Close(ctx, Command{Symbol: "EURUSD", Quantity: 1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModify_StopLossOnlyKeepsTakeProfit(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	cmd := openCmd("buy", 0.1)
	cmd.TakeProfit = broker.Ptr(1.12)
	opened, err := e.Open(ctx, cmd)
	require.NoError(t, err)

	res, err := e.Modify(ctx, Command{Kind: KindModify, Symbol: "EURUSD", Ticket: opened.Ticket, StopLoss: broker.Ptr(1.095)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, broker.ActionSLTP, res.Request.Action)
	assert.Equal(t, 1.12, *res.Request.TakeProfit)
	assert.Equal(t, 1.095, *res.Request.StopLoss)
	assert.Nil(t, res.TakeProfit)

	ps, err := backend.PositionsByTicket(ctx, opened.Ticket)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, 1.12, ps[0].TakeProfit)
	assert.Equal(t, 1.095, ps[0].StopLoss)
}

func TestModify_TrailingDistance(t *testing.T) {
	tests := []struct {
		side string
		want float64
	}{
		{"buy", 1.098},   // bid 1.10000 - 20 pips
		{"sell", 1.1022}, // ask 1.10020 + 20 pips
	}

	for _, tt := range tests {
		t.Run(tt.side, func(t *testing.T) {
			e, _ := newHarness(t)
			ctx := context.Background()

			opened, err := e.Open(ctx, openCmd(tt.side, 0.1))
			require.NoError(t, err)

			res, err := e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: opened.Ticket, TrailingStopPips: broker.Ptr(20)})
			require.NoError(t, err)
			require.NotNil(t, res.StopLoss)
			assert.Equal(t, tt.want, *res.StopLoss)
			assert.Equal(t, 20.0, *res.TrailingStopPips)
		})
	}
}

func TestModify_AdverseStopRejectedLocally(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	long, err := e.Open(ctx, openCmd("buy", 0.1))
	require.NoError(t, err)
	short, err := e.Open(ctx, openCmd("sell", 0.1))
	require.NoError(t, err)
	sent := len(backend.Sent())

	_, err = e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: long.Ticket, StopLoss: broker.Ptr(1.1)})
	assert.ErrorIs(t, err, ErrInvalidStopLevel)

	_, err = e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: short.Ticket, StopLoss: broker.Ptr(1.1002)})
	assert.ErrorIs(t, err, ErrInvalidStopLevel)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: short.Ticket, StopLoss: broker.Ptr(0)})
	assert.ErrorIs(t, err, ErrInvalidStopLevel)

	assert.Len(t, backend.Sent(), sent)
}

func TestModify_InvalidStopsMessage(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"sl only", Command{StopLoss: broker.Ptr(1.09)}, "Invalid StopLoss level"},
		{"tp only", Command{TakeProfit: broker.Ptr(1.2)}, "Invalid TakeProfit level"},
		{"both", Command{StopLoss: broker.Ptr(1.09), TakeProfit: broker.Ptr(1.2)}, "Invalid TP/SL levels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, backend := newHarness(t)
			ctx := context.Background()
			opened, err := e.Open(ctx, openCmd("buy", 0.1))
			require.NoError(t, err)

			backend.Reject(broker.RetcodeInvalidStops, "Invalid stops")
			cmd := tt.cmd
			cmd.Symbol = "EURUSD"
			cmd.Ticket = opened.Ticket

			_, err = e.Modify(ctx, cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOrderRejected)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModify_Validation(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	_, err := e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: 1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Modify(ctx, Command{Symbol: "EURUSD", StopLoss: broker.Ptr(1.0)})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, backend.Calls(sim.OpConnect))
}

func TestModify_DisableTrailingSendsNothing(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	opened, err := e.Open(ctx, openCmd("buy", 0.1))
	require.NoError(t, err)
	sent := len(backend.Sent())

	res, err := e.Modify(ctx, Command{Symbol: "EURUSD", Ticket: opened.Ticket, TrailingStopPips: broker.Ptr(0)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, backend.Sent(), sent)
}

func TestPosition(t *testing.T) {
	e, _ := newHarness(t)
	ctx := context.Background()

	opened, err := e.Open(ctx, openCmd("sell", 0.3))
	require.NoError(t, err)

	p, err := e.Position(ctx, opened.Ticket, "eur/usd")
	require.NoError(t, err)
	assert.Equal(t, broker.Sell, p.Direction)
	assert.InDelta(t, 0.3, p.Volume, 1e-9)

	p, err = e.Position(ctx, opened.Ticket, "")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", p.Symbol)

	_, err = e.Position(ctx, opened.Ticket, "BTCUSD")
	assert.ErrorIs(t, err, ErrSymbolMismatch)
}

func TestEngine_ReconnectsAfterSessionLoss(t *testing.T) {
	e, backend := newHarness(t)
	ctx := context.Background()

	_, err := e.Open(ctx, openCmd("buy", 0.1))
	require.NoError(t, err)

	backend.Drop()
	_, err = e.Open(ctx, openCmd("buy", 0.1))
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Calls(sim.OpConnect))
}
