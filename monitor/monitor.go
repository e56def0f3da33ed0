// Package monitor runs the trailing-stop loop: once per interval it walks
// every open position that has a trailing distance configured and ratchets
// its stop-loss behind the market once the position is far enough in profit.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/journal"
	"github.com/rustyeddy/tradebridge/market"
	"github.com/rustyeddy/tradebridge/metrics"
	"github.com/rustyeddy/tradebridge/retry"
	"github.com/rustyeddy/tradebridge/risk"
)

var log = logrus.WithField("component", "monitor")

const (
	DefaultInterval   = time.Second
	DefaultMinProfit  = 10.0
	DefaultMultiplier = 0.0001
)

// Class sets trailing parameters for symbols containing Match.
type Class struct {
	Name       string
	Match      string
	Multiplier float64
	// MinProfit overrides Config.MinProfit when set.
	MinProfit *float64
}

func DefaultClasses() []Class {
	return []Class{{Name: "crypto", Match: "BTC", Multiplier: 0.1}}
}

type Config struct {
	Interval time.Duration
	// MinProfit is the unrealized move, in price units, a position needs
	// before its stop is trailed. The comparison is strict. Nil means
	// DefaultMinProfit.
	MinProfit         *float64
	DefaultMultiplier float64
	Classes           []Class
	Retry             retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinProfit == nil {
		c.MinProfit = broker.Ptr(DefaultMinProfit)
	}
	if c.DefaultMultiplier <= 0 {
		c.DefaultMultiplier = DefaultMultiplier
	}
	if c.Classes == nil {
		c.Classes = DefaultClasses()
	}
	return c
}

type TrailingSource interface {
	TrailingConfig(ctx context.Context, ticket broker.Ticket) (journal.TrailingConfig, bool, error)
}

type StopRecorder interface {
	RecordStopAdjustment(ctx context.Context, a journal.StopAdjustment) error
}

type Connection interface {
	IsConnected() bool
}

type Monitor struct {
	client   broker.Client
	pool     *bridge.Pool
	conn     Connection
	source   TrailingSource
	recorder StopRecorder
	cfg      Config

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a monitor. recorder may be nil.
func New(client broker.Client, pool *bridge.Pool, conn Connection, source TrailingSource, recorder StopRecorder, cfg Config) *Monitor {
	return &Monitor{
		client:   client,
		pool:     pool,
		conn:     conn,
		source:   source,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		stop:     make(chan struct{}),
	}
}

// Run loops until Stop is called or ctx ends. Errors never end the loop.
func (m *Monitor) Run(ctx context.Context) error {
	log.WithField("interval", m.cfg.Interval).Info("trailing stop monitor started")
	defer log.Info("trailing stop monitor stopped")

	for {
		select {
		case <-m.stop:
			return nil
		default:
		}

		if err := m.iterate(ctx); err != nil {
			log.WithError(err).Error("monitor pass failed")
		}
		metrics.MonitorIterations.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-time.After(m.cfg.Interval):
		}
	}
}

// Stop makes Run return before its next pass.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) iterate(ctx context.Context) error {
	if !m.conn.IsConnected() {
		return nil
	}

	opts := append(m.cfg.Retry.Options(), retry.Name("positions_get"))
	positions, err := retry.Do(ctx, m.pool, m.client.Positions, opts...)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}

	for _, p := range positions {
		if err := m.trail(ctx, p); err != nil {
			metrics.TrailingAdjustments.WithLabelValues("error").Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"ticket": p.Ticket,
				"symbol": p.Symbol,
			}).Warn("trailing stop update failed")
		}
	}
	return nil
}

// params returns the distance multiplier and profit threshold for symbol.
func (m *Monitor) params(symbol string) (multiplier, minProfit float64) {
	upper := strings.ToUpper(symbol)
	for _, c := range m.cfg.Classes {
		if c.Match == "" || !strings.Contains(upper, strings.ToUpper(c.Match)) {
			continue
		}
		minProfit = *m.cfg.MinProfit
		if c.MinProfit != nil {
			minProfit = *c.MinProfit
		}
		return c.Multiplier, minProfit
	}
	return m.cfg.DefaultMultiplier, *m.cfg.MinProfit
}

func (m *Monitor) trail(ctx context.Context, p broker.Position) error {
	tc, ok, err := m.source.TrailingConfig(ctx, p.Ticket)
	if err != nil {
		return fmt.Errorf("trailing config: %w", err)
	}
	if !ok || tc.TrailingStopPips <= 0 {
		return nil
	}

	opts := m.cfg.Retry.Options()
	info, err := retry.Do(ctx, m.pool, func(ctx context.Context) (*market.SymbolInfo, error) {
		return m.client.SymbolInfo(ctx, p.Symbol)
	}, append(opts, retry.Name("symbol_info"))...)
	if err != nil {
		return err
	}
	tick, err := retry.Do(ctx, m.pool, func(ctx context.Context) (*market.Tick, error) {
		return m.client.SymbolTick(ctx, p.Symbol)
	}, append(opts, retry.Name("symbol_info_tick"))...)
	if err != nil {
		return err
	}
	if info == nil || tick == nil {
		log.WithField("symbol", p.Symbol).Debug("no quote, skipping")
		return nil
	}

	multiplier, minProfit := m.params(p.Symbol)
	distance := tc.TrailingStopPips * multiplier

	profit := risk.Profit(p.Direction, p.OpenPrice, tick.Bid, tick.Ask)
	if !(profit > minProfit) {
		return nil
	}

	candidate := market.Round(risk.TrailingStop(p.Direction, tick.Bid, tick.Ask, distance), info.Digits)
	if !risk.Improves(p.Direction, p.StopLoss, candidate) {
		return nil
	}

	req := broker.OrderRequest{
		Action:     broker.ActionSLTP,
		Symbol:     p.Symbol,
		Position:   p.Ticket,
		StopLoss:   broker.Ptr(candidate),
		TakeProfit: broker.Ptr(p.TakeProfit),
		TypeTime:   broker.TimeGTC,
	}

	// One shot: the next pass recomputes from fresh prices.
	res, err := bridge.Call(ctx, m.pool, func(ctx context.Context) (*broker.OrderResult, error) {
		return m.client.OrderSend(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("order send: %w", err)
	}
	if !res.Done() {
		metrics.TrailingAdjustments.WithLabelValues("rejected").Inc()
		fields := logrus.Fields{"ticket": p.Ticket, "symbol": p.Symbol, "sl": candidate}
		if res != nil {
			fields["retcode"] = res.RetCode
			fields["comment"] = res.Comment
		}
		log.WithFields(fields).Warn("trailing stop rejected")
		return nil
	}

	metrics.TrailingAdjustments.WithLabelValues("moved").Inc()
	log.WithFields(logrus.Fields{
		"ticket": p.Ticket,
		"symbol": p.Symbol,
		"side":   p.Direction,
		"old_sl": p.StopLoss,
		"new_sl": candidate,
		"profit": profit,
	}).Info("trailing stop moved")

	if m.recorder != nil {
		adj := journal.StopAdjustment{
			Ticket:  p.Ticket,
			Symbol:  p.Symbol,
			OldStop: p.StopLoss,
			NewStop: candidate,
			Bid:     tick.Bid,
			Ask:     tick.Ask,
			Time:    time.Now().UTC(),
		}
		if err := m.recorder.RecordStopAdjustment(ctx, adj); err != nil {
			log.WithError(err).WithField("ticket", p.Ticket).Warn("stop adjustment not recorded")
		}
	}
	return nil
}
