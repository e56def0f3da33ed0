package sim

import "github.com/rustyeddy/tradebridge/broker"

// realizedPL is the quote-currency P/L of closing volume lots of p at
// closePrice, with a contract size of one unit per lot.
func realizedPL(p broker.Position, volume, closePrice float64) float64 {
	move := closePrice - p.OpenPrice
	if p.Direction == broker.Sell {
		move = -move
	}
	return volume * move
}
