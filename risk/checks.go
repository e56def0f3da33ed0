package risk

import (
	"fmt"

	"github.com/rustyeddy/tradebridge/broker"
)

// Violation describes a stop placed on the wrong side of the market.
type Violation struct {
	Code string
	Msg  string
}

func (v Violation) Error() string {
	return v.Msg
}

// CheckStop returns a Violation when a stop would trigger immediately: a
// long stop must sit strictly below the bid, a short stop strictly above the
// ask. Zero is an ordinary price here, so it clears a long's stop and is
// rejected for a short.
func CheckStop(dir broker.Direction, stop, bid, ask float64) error {
	if dir.Long() && stop >= bid {
		return Violation{
			Code: "SL_ABOVE_BID",
			Msg:  fmt.Sprintf("stop loss %g must be below bid %g for a buy position", stop, bid),
		}
	}
	if !dir.Long() && stop <= ask {
		return Violation{
			Code: "SL_BELOW_ASK",
			Msg:  fmt.Sprintf("stop loss %g must be above ask %g for a sell position", stop, ask),
		}
	}
	return nil
}

// Improves reports whether moving the stop from current to candidate locks
// in more profit. A short with no stop (current == 0) always improves.
func Improves(dir broker.Direction, current, candidate float64) bool {
	if dir.Long() {
		return candidate > current
	}
	return current == 0 || candidate < current
}
