// Package replay drives the paper backend from a CSV price tape and turns
// scripted events on the tape into trade commands.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
	"github.com/rustyeddy/tradebridge/order"
)

var log = logrus.WithField("component", "replay")

// Quoter accepts price updates. The paper backend implements it.
type Quoter interface {
	UpdatePrice(t market.Tick)
}

type Executor interface {
	Execute(ctx context.Context, cmd order.Command) (order.Result, error)
}

// Options controls how replay behaves.
type Options struct {
	// If true: process tick first (UpdatePrice), then event.
	// OPEN then fills at that row's prices.
	TickThenEvent bool

	// Delay pauses after every row so background loops see each quote.
	Delay time.Duration

	// AfterRow runs after each row has been applied.
	AfterRow func(ctx context.Context, row int) error
}

// Outcome is the result of one scripted event. Err holds a rejected or
// invalid command; it does not stop the replay.
type Outcome struct {
	Row    int
	Event  string
	Result order.Result
	Err    error
}

// CSV replays ticks from a CSV file and applies optional scripted events.
//
// CSV formats supported:
//
//  1. Basic ticks:
//     time,symbol,bid,ask
//
//  2. Ticks + events:
//     time,symbol,bid,ask,event,arg1,arg2,arg3,arg4,arg5
//
// Events (case-insensitive), all on the row's symbol:
//
//	OPEN:       arg1=side  arg2=qty  arg3=position id (optional)
//	OPEN_SLTP:  arg1=side  arg2=qty  arg3=stopLoss  arg4=takeProfit
//	CLOSE:      arg1=ticket  arg2=qty
//	MODIFY:     arg1=ticket  arg2=stopLoss  arg3=takeProfit  (empty keeps)
//	TRAIL:      arg1=ticket  arg2=pips
//
// A ticket of "last" refers to the most recent successful OPEN.
func CSV(ctx context.Context, path string, q Quoter, ex Executor, opts Options) ([]Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(ctx, f, q, ex, opts)
}

func Read(ctx context.Context, r io.Reader, q Quoter, ex Executor, opts Options) ([]Outcome, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	p := &player{q: q, ex: ex, opts: opts}
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.out, err
		}
		if len(rec) == 0 {
			continue
		}
		if row == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.out, err
		}
		if err := p.apply(ctx, row, rec); err != nil {
			return p.out, fmt.Errorf("row %d: %w", row, err)
		}
		if opts.AfterRow != nil {
			if err := opts.AfterRow(ctx, row); err != nil {
				return p.out, err
			}
		}
		if opts.Delay > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				return p.out, err
			}
		}
	}
	log.WithField("events", len(p.out)).Info("replay finished")
	return p.out, nil
}

type player struct {
	q    Quoter
	ex   Executor
	opts Options
	last broker.Ticket
	out  []Outcome
}

func (p *player) apply(ctx context.Context, row int, rec []string) error {
	// Minimum tick columns: time,symbol,bid,ask
	if len(rec) < 4 {
		return fmt.Errorf("bad row (need at least 4 cols time,symbol,bid,ask): %v", rec)
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(rec[0]))
	if err != nil {
		return fmt.Errorf("bad time %q: %w", rec[0], err)
	}
	symbol := strings.TrimSpace(rec[1])
	bid, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil {
		return fmt.Errorf("bad bid %q: %w", rec[2], err)
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
	if err != nil {
		return fmt.Errorf("bad ask %q: %w", rec[3], err)
	}
	tick := market.Tick{Symbol: symbol, Time: t, Bid: bid, Ask: ask}

	// Optional event columns: event,arg1,arg2,...
	event := ""
	var args []string
	if len(rec) >= 5 {
		event = strings.ToUpper(strings.TrimSpace(rec[4]))
	}
	if len(rec) >= 6 {
		args = rec[5:]
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}

	if p.opts.TickThenEvent || event == "" {
		p.q.UpdatePrice(tick)
		if event == "" {
			return nil
		}
		return p.event(ctx, row, symbol, event, args)
	}

	// Event first, then tick (rare, but supported)
	if err := p.event(ctx, row, symbol, event, args); err != nil {
		return err
	}
	p.q.UpdatePrice(tick)
	return nil
}

func (p *player) event(ctx context.Context, row int, symbol, event string, args []string) error {
	cmd, err := p.command(symbol, event, args)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}

	res, err := p.ex.Execute(ctx, cmd)
	if err == nil && cmd.Kind == order.KindOpen {
		p.last = res.Ticket
	}
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"row": row, "event": event}).Warn("event failed")
	}
	p.out = append(p.out, Outcome{Row: row, Event: event, Result: res, Err: err})
	return nil
}

func (p *player) command(symbol, event string, args []string) (order.Command, error) {
	cmd := order.Command{Symbol: symbol}
	var err error

	switch event {
	case "OPEN", "OPEN_SLTP":
		// OPEN,buy,0.1[,position id]
		if len(args) < 2 {
			return cmd, fmt.Errorf("need arg1=side arg2=qty")
		}
		cmd.Kind = order.KindOpen
		cmd.Side = args[0]
		if cmd.Quantity, err = parseFloat("qty", args[1]); err != nil {
			return cmd, err
		}
		if event == "OPEN" {
			if len(args) >= 3 {
				cmd.PositionID = args[2]
			}
			return cmd, nil
		}
		// OPEN_SLTP,buy,0.1,1.0980,1.1050
		if len(args) < 4 {
			return cmd, fmt.Errorf("need arg3=stopLoss arg4=takeProfit")
		}
		if cmd.StopLoss, err = optFloat("stopLoss", args[2]); err != nil {
			return cmd, err
		}
		cmd.TakeProfit, err = optFloat("takeProfit", args[3])
		return cmd, err

	case "CLOSE":
		// CLOSE,<ticket>,<qty>
		if len(args) < 2 {
			return cmd, fmt.Errorf("need arg1=ticket arg2=qty")
		}
		cmd.Kind = order.KindClose
		if cmd.Ticket, err = p.ticket(args[0]); err != nil {
			return cmd, err
		}
		cmd.Quantity, err = parseFloat("qty", args[1])
		return cmd, err

	case "MODIFY":
		// MODIFY,<ticket>,<sl>,<tp>
		if len(args) < 2 {
			return cmd, fmt.Errorf("need arg1=ticket arg2=stopLoss [arg3=takeProfit]")
		}
		cmd.Kind = order.KindModify
		if cmd.Ticket, err = p.ticket(args[0]); err != nil {
			return cmd, err
		}
		if cmd.StopLoss, err = optFloat("stopLoss", args[1]); err != nil {
			return cmd, err
		}
		if len(args) >= 3 {
			cmd.TakeProfit, err = optFloat("takeProfit", args[2])
		}
		return cmd, err

	case "TRAIL":
		// TRAIL,<ticket>,<pips>
		if len(args) < 2 {
			return cmd, fmt.Errorf("need arg1=ticket arg2=pips")
		}
		cmd.Kind = order.KindModify
		if cmd.Ticket, err = p.ticket(args[0]); err != nil {
			return cmd, err
		}
		cmd.TrailingStopPips, err = optFloat("pips", args[1])
		if err == nil && cmd.TrailingStopPips == nil {
			err = fmt.Errorf("pips is required")
		}
		return cmd, err

	default:
		return cmd, fmt.Errorf("unknown event %q", event)
	}
}

func (p *player) ticket(s string) (broker.Ticket, error) {
	if strings.EqualFold(s, "last") {
		if p.last == 0 {
			return 0, fmt.Errorf("no position opened yet")
		}
		return p.last, nil
	}
	return broker.ParseTicket(s)
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", name, s, err)
	}
	return v, nil
}

func optFloat(name, s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parseFloat(name, s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
