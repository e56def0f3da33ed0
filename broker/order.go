package broker

type Action string

const (
	// ActionDeal opens a market position, or closes one when Position is set.
	ActionDeal Action = "deal"
	// ActionSLTP modifies the stop-loss/take-profit of an open position.
	ActionSLTP Action = "sltp"
)

type Filling string

const (
	FillingIOC Filling = "ioc"
	FillingFOK Filling = "fok"
)

type TimeInForce string

const TimeGTC TimeInForce = "gtc"

type OrderRequest struct {
	Action     Action      `json:"action"`
	Symbol     string      `json:"symbol"`
	Volume     float64     `json:"volume,omitempty"`
	Direction  Direction   `json:"type,omitempty"`
	Price      float64     `json:"price,omitempty"`
	Deviation  int         `json:"deviation,omitempty"`
	Magic      int64       `json:"magic,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	StopLoss   *float64    `json:"sl,omitempty"`
	TakeProfit *float64    `json:"tp,omitempty"`
	Position   Ticket      `json:"position,omitempty"`
	TypeTime   TimeInForce `json:"type_time,omitempty"`
	Filling    Filling     `json:"type_filling,omitempty"`
}

type OrderResult struct {
	RetCode uint32  `json:"retcode"`
	Order   Ticket  `json:"order"`
	Deal    Ticket  `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

func (r *OrderResult) Done() bool {
	return r != nil && r.RetCode == RetcodeDone
}

// Trade server return codes.
const (
	RetcodeRequote        uint32 = 10004
	RetcodeReject         uint32 = 10006
	RetcodePlaced         uint32 = 10008
	RetcodeDone           uint32 = 10009
	RetcodeError          uint32 = 10011
	RetcodeInvalid        uint32 = 10013
	RetcodeInvalidVolume  uint32 = 10014
	RetcodeInvalidPrice   uint32 = 10015
	RetcodeInvalidStops   uint32 = 10016
	RetcodeMarketClosed   uint32 = 10018
	RetcodeNoMoney        uint32 = 10019
	RetcodeNoChanges      uint32 = 10025
	RetcodePositionClosed uint32 = 10036
)

func Ptr(v float64) *float64 {
	return &v
}
