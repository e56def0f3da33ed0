// Package service is the entry point for trade commands. It owns the
// worker pool, the backend session, the order engine and the trailing-stop
// monitor, and keeps the journal in step with what the backend executed.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/journal"
	"github.com/rustyeddy/tradebridge/monitor"
	"github.com/rustyeddy/tradebridge/order"
	"github.com/rustyeddy/tradebridge/pkg/id"
	"github.com/rustyeddy/tradebridge/session"
	"github.com/rustyeddy/tradebridge/symbols"
)

var log = logrus.WithField("component", "service")

type Config struct {
	Workers        int
	Session        session.Config
	Orders         order.Config
	Monitor        monitor.Config
	MonitorEnabled bool
	Mapper         symbols.Mapper
}

type Service struct {
	store   journal.Store
	pool    *bridge.Pool
	session *session.Manager
	orders  *order.Engine
	monitor *monitor.Monitor

	monitorEnabled bool
	group          *errgroup.Group
	cancel         context.CancelFunc
	shutdownOnce   sync.Once
	shutdownErr    error
}

func New(client broker.Client, store journal.Store, cfg Config) *Service {
	pool := bridge.New(cfg.Workers)
	sess := session.New(client, pool, cfg.Session)
	return &Service{
		store:          store,
		pool:           pool,
		session:        sess,
		orders:         order.NewEngine(client, pool, sess, cfg.Mapper, cfg.Orders),
		monitor:        monitor.New(client, pool, sess, store, store, cfg.Monitor),
		monitorEnabled: cfg.MonitorEnabled,
	}
}

func (s *Service) Session() *session.Manager {
	return s.session
}

// Start makes a first connection attempt and launches the monitor. A
// failed connect is logged; commands retry it.
func (s *Service) Start(ctx context.Context) error {
	if s.group != nil {
		return errors.New("service already started")
	}

	if err := s.session.EnsureConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.WithError(err).Warn("initial connect failed")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.group = &errgroup.Group{}
	if s.monitorEnabled {
		s.group.Go(func() error {
			err := s.monitor.Run(runCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	log.WithField("monitor", s.monitorEnabled).Info("service started")
	return nil
}

// Shutdown stops the monitor, closes the backend session, drains the pool
// and closes the journal. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.group != nil {
			s.monitor.Stop()
			s.cancel()
			if err := s.group.Wait(); err != nil {
				errs = append(errs, fmt.Errorf("monitor: %w", err))
			}
		}
		if err := s.session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		s.pool.Close()
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
		log.Info("service stopped")
	})
	return s.shutdownErr
}

// Execute dispatches cmd by kind.
func (s *Service) Execute(ctx context.Context, cmd order.Command) (order.Result, error) {
	if cmd.ID == "" {
		cmd.ID = id.New()
	}
	switch cmd.Kind {
	case order.KindOpen:
		return s.OpenMarketOrder(ctx, cmd)
	case order.KindClose:
		return s.ClosePosition(ctx, cmd)
	case order.KindModify:
		return s.UpdatePosition(ctx, cmd)
	default:
		return order.Result{}, fmt.Errorf("%w: unknown command kind %q", order.ErrValidation, cmd.Kind)
	}
}

func cmdLog(cmd order.Command) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"id":     cmd.ID,
		"kind":   cmd.Kind,
		"symbol": cmd.Symbol,
	})
}

// OpenMarketOrder opens a position and records it, with any trailing
// distance, in the journal.
func (s *Service) OpenMarketOrder(ctx context.Context, cmd order.Command) (order.Result, error) {
	res, err := s.orders.Open(ctx, cmd)
	if err != nil {
		cmdLog(cmd).WithError(err).Warn("open failed")
		return res, err
	}
	res.TrailingStopPips = cmd.TrailingStopPips

	now := time.Now().UTC()
	meta := journal.TradeMeta{
		Ticket:           res.Ticket,
		PositionID:       cmd.PositionID,
		Symbol:           cmd.Symbol,
		BrokerSymbol:     res.Symbol,
		Side:             res.Direction,
		Volume:           res.Volume,
		OpenPrice:        res.Price,
		TrailingStopPips: cmd.TrailingStopPips,
		Status:           journal.StatusOpen,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveTrade(ctx, meta); err != nil {
		cmdLog(cmd).WithError(err).WithField("ticket", res.Ticket).Error("trade not journaled")
	}
	return res, nil
}

// ClosePosition closes all or part of a position and stores the volume
// left open.
func (s *Service) ClosePosition(ctx context.Context, cmd order.Command) (order.Result, error) {
	res, err := s.orders.Close(ctx, cmd)
	if err != nil {
		cmdLog(cmd).WithError(err).Warn("close failed")
		return res, err
	}

	err = s.store.UpdateVolume(ctx, res.ClosedPosition, res.RemainingVolume)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		cmdLog(cmd).WithField("ticket", res.ClosedPosition).Debug("closed position was not journaled")
	case err != nil:
		cmdLog(cmd).WithError(err).WithField("ticket", res.ClosedPosition).Error("volume not journaled")
	}
	return res, nil
}

// UpdatePosition modifies stop-loss and take-profit. A trailing distance
// in the command replaces the one the monitor uses; zero disables it.
func (s *Service) UpdatePosition(ctx context.Context, cmd order.Command) (order.Result, error) {
	res, err := s.orders.Modify(ctx, cmd)
	if err != nil {
		cmdLog(cmd).WithError(err).Warn("modify failed")
		return res, err
	}
	if cmd.TrailingStopPips == nil {
		return res, nil
	}

	pips := *cmd.TrailingStopPips
	err = s.store.SetTrailing(ctx, res.Ticket, pips)
	if errors.Is(err, journal.ErrNotFound) {
		err = s.adopt(ctx, cmd, res, pips)
	}
	if err != nil {
		cmdLog(cmd).WithError(err).WithField("ticket", res.Ticket).Error("trailing distance not journaled")
	}
	return res, nil
}

// adopt journals a position that was opened outside the bridge so the
// monitor can trail it.
func (s *Service) adopt(ctx context.Context, cmd order.Command, res order.Result, pips float64) error {
	pos, err := s.orders.Position(ctx, res.Ticket, "")
	if err != nil {
		return fmt.Errorf("adopt #%s: %w", res.Ticket, err)
	}
	now := time.Now().UTC()
	return s.store.SaveTrade(ctx, journal.TradeMeta{
		Ticket:           pos.Ticket,
		PositionID:       cmd.PositionID,
		Symbol:           cmd.Symbol,
		BrokerSymbol:     pos.Symbol,
		Side:             pos.Direction,
		Volume:           pos.Volume,
		OpenPrice:        pos.OpenPrice,
		TrailingStopPips: &pips,
		Status:           journal.StatusOpen,
		OpenedAt:         pos.OpenTime,
		UpdatedAt:        now,
	})
}

// Position reports an open position after checking it trades symbol.
func (s *Service) Position(ctx context.Context, ticket broker.Ticket, symbol string) (broker.Position, error) {
	return s.orders.Position(ctx, ticket, symbol)
}

func (s *Service) Trades(ctx context.Context, status journal.Status) ([]journal.TradeMeta, error) {
	return s.store.ListTrades(ctx, status)
}
