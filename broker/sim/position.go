package sim

import (
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/market"
)

func hitStopLoss(p *broker.Position, mark float64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.Direction == broker.Buy {
		return mark <= p.StopLoss
	}
	return mark >= p.StopLoss
}

func hitTakeProfit(p *broker.Position, mark float64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.Direction == broker.Buy {
		return mark >= p.TakeProfit
	}
	return mark <= p.TakeProfit
}

// stopsValid applies the server-side rule: a long's stop sits below the bid
// and its target above it; a short mirrors that around the ask. Zero means
// "not set".
func stopsValid(dir broker.Direction, sl, tp float64, t market.Tick) bool {
	if dir == broker.Buy {
		if sl > 0 && sl >= t.Bid {
			return false
		}
		if tp > 0 && tp <= t.Bid {
			return false
		}
		return true
	}
	if sl > 0 && sl <= t.Ask {
		return false
	}
	if tp > 0 && tp >= t.Ask {
		return false
	}
	return true
}
