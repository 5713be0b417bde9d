package event

// Kind discriminates event payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindTradeOpened
	KindTradeClosed
	KindOpenCanceled
	KindCloseCanceled
	KindOrderPlaced
	KindOrderUpdated
	KindOrderCanceled
	KindLiquidation
	KindFundingSynced
	KindEpochAdvanced
)

func (k Kind) String() string {
	switch k {
	case KindTradeOpened:
		return "TradeOpened"
	case KindTradeClosed:
		return "TradeClosed"
	case KindOpenCanceled:
		return "OpenCanceled"
	case KindCloseCanceled:
		return "CloseCanceled"
	case KindOrderPlaced:
		return "OrderPlaced"
	case KindOrderUpdated:
		return "OrderUpdated"
	case KindOrderCanceled:
		return "OrderCanceled"
	case KindLiquidation:
		return "Liquidation"
	case KindFundingSynced:
		return "FundingSynced"
	case KindEpochAdvanced:
		return "EpochAdvanced"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event emitted by the trading engine. Sequence is the
// engine's monotonic operation counter; Block and Timestamp are the versioned
// inputs the operation ran under, never wall-clock.
type Envelope struct {
	Sequence  int64       `json:"sequence"`
	Kind      Kind        `json:"-"`
	KindName  string      `json:"kind"`
	Trader    string      `json:"trader,omitempty"`
	PairIndex *uint16     `json:"pair_index,omitempty"`
	Block     int64       `json:"block"`
	Timestamp int64       `json:"timestamp_micros"`
	Payload   interface{} `json:"payload"`
}

// Payload is the interface all event payloads implement
type Payload interface {
	Kind() Kind
}

// Wrap builds an envelope around a payload.
func Wrap(seq int64, trader string, pairIndex *uint16, block, tsMicros int64, p Payload) Envelope {
	return Envelope{
		Sequence:  seq,
		Kind:      p.Kind(),
		KindName:  p.Kind().String(),
		Trader:    trader,
		PairIndex: pairIndex,
		Block:     block,
		Timestamp: tsMicros,
		Payload:   p,
	}
}
