// Package risk holds the price arithmetic shared by the order engine and
// the trailing-stop monitor. Results are unrounded; callers round to the
// symbol's digits once all arithmetic is done.
package risk

import "github.com/rustyeddy/tradebridge/broker"

// DefaultPipPoints is the number of points in one pip for 5/3-digit quotes.
const DefaultPipPoints = 10

// PipsToPrice converts a pip distance into a price distance.
func PipsToPrice(pips, pipPoints, point float64) float64 {
	if pipPoints <= 0 {
		pipPoints = DefaultPipPoints
	}
	return pips * pipPoints * point
}

// TrailingStop places a stop distance away from the side of the book the
// position would close on: below the bid for longs, above the ask for shorts.
func TrailingStop(dir broker.Direction, bid, ask, distance float64) float64 {
	if dir.Long() {
		return bid - distance
	}
	return ask + distance
}

// Profit is the unrealized move of a position in price units.
func Profit(dir broker.Direction, open, bid, ask float64) float64 {
	if dir.Long() {
		return bid - open
	}
	return open - ask
}
