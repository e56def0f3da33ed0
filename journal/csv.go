package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// WriteTradesCSV writes one header row and one row per trade.
func WriteTradesCSV(w io.Writer, trades []TradeMeta) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ticket", "position_id", "symbol", "broker_symbol", "side", "volume", "open_price", "trailing_stop_pips", "status", "opened_at", "updated_at"}); err != nil {
		return err
	}
	for _, t := range trades {
		pips := ""
		if t.TrailingStopPips != nil {
			pips = f(*t.TrailingStopPips)
		}
		if err := cw.Write([]string{
			t.Ticket.String(),
			t.PositionID,
			t.Symbol,
			t.BrokerSymbol,
			string(t.Side),
			f(t.Volume),
			f(t.OpenPrice),
			pips,
			string(t.Status),
			t.OpenedAt.Format(time.RFC3339),
			t.UpdatedAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteStopsCSV writes the stop adjustment audit trail.
func WriteStopsCSV(w io.Writer, stops []StopAdjustment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "ticket", "symbol", "old_stop", "new_stop", "bid", "ask", "time"}); err != nil {
		return err
	}
	for _, a := range stops {
		if err := cw.Write([]string{
			a.ID,
			a.Ticket.String(),
			a.Symbol,
			f(a.OldStop),
			f(a.NewStop),
			f(a.Bid),
			f(a.Ask),
			a.Time.Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
