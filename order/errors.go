package order

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/tradebridge/broker"
)

var (
	// ErrValidation marks errors raised before any backend call.
	ErrValidation = errors.New("invalid command")

	ErrSymbolResolution = errors.New("symbol resolution failed")
	ErrPositionNotFound = errors.New("position not found")
	ErrOrderRejected    = errors.New("order rejected")

	ErrInvalidVolume    = fmt.Errorf("%w: close volume exceeds position volume", ErrValidation)
	ErrSymbolMismatch   = fmt.Errorf("%w: symbol mismatch", ErrValidation)
	ErrInvalidStopLevel = fmt.Errorf("%w: invalid stop level", ErrValidation)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// RejectedError is a request the trade server answered with a return code
// other than done.
type RejectedError struct {
	Op      Kind
	RetCode uint32
	Comment string
	Message string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Comment
	}
	return fmt.Sprintf("%s rejected: [%d] %s", e.Op, e.RetCode, msg)
}

func (e *RejectedError) Unwrap() error {
	return ErrOrderRejected
}

// modifyRejection explains an SL/TP modification failure, naming the level
// the server objected to when it reports invalid stops.
func modifyRejection(res *broker.OrderResult, tpSet, slSet bool) string {
	if res.RetCode == broker.RetcodeInvalidStops {
		switch {
		case tpSet && !slSet:
			return "Invalid TakeProfit level"
		case slSet && !tpSet:
			return "Invalid StopLoss level"
		default:
			return "Invalid TP/SL levels"
		}
	}
	return res.Comment
}
