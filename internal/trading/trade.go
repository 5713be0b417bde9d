package trading

import (
	"errors"

	"github.com/google/uuid"
)

// MaxTradesPerPair is the fixed slot-array size per (trader, pair).
const MaxTradesPerPair = 3

// OrderType selects the execution mode of an open request.
type OrderType int32

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStopLimit
	OrderTypeMomentum
)

func (ot OrderType) String() string {
	switch ot {
	case OrderTypeMarket:
		return "Market"
	case OrderTypeLimit:
		return "Limit"
	case OrderTypeStopLimit:
		return "StopLimit"
	case OrderTypeMomentum:
		return "Momentum"
	default:
		return "Unknown"
	}
}

// TriggerType tags a maintenance-order descriptor.
type TriggerType int32

const (
	TriggerOpen TriggerType = iota // limit fill
	TriggerLiq
	TriggerSL
	TriggerTP
)

func (tt TriggerType) String() string {
	switch tt {
	case TriggerOpen:
		return "Open"
	case TriggerLiq:
		return "Liq"
	case TriggerSL:
		return "SL"
	case TriggerTP:
		return "TP"
	default:
		return "Unknown"
	}
}

// OrderDescriptor identifies the target of a triggerOrder call. The original
// wire format packed these fields into one word; a tagged struct keeps the
// same information without the bit twiddling.
type OrderDescriptor struct {
	Type      TriggerType
	Trader    string
	PairIndex uint16
	SlotIndex uint8
}

// Trade is an open position. Unique by (Trader, PairIndex, SlotIndex).
type Trade struct {
	ID               uuid.UUID
	Trader           string
	PairIndex        uint16
	SlotIndex        uint8
	Collateral       int64 // collateral scale, net of open fees
	Leverage         int64
	Long             bool
	OpenPrice        int64 // price scale
	TakeProfit       int64 // price scale, 0 = unset
	StopLoss         int64 // price scale, 0 = unset
	OpenedAtBlock    int64
	AccFundingAtOpen int64 // funding accumulator snapshot at open, rate scale
	LastUpdatedBlock int64 // staleness marker for SL/TP triggers
}

// PositionSize returns collateral * leverage in collateral units.
func (t *Trade) PositionSize() int64 {
	return t.Collateral * t.Leverage
}

// SideSign returns +1 for long, -1 for short.
func (t *Trade) SideSign() int64 {
	if t.Long {
		return 1
	}
	return -1
}

// PendingOrder is a resting limit / stop-limit / momentum order. PositionSize
// is the escrowed collateral, refunded bit-exact on cancellation.
type PendingOrder struct {
	Trader        string
	PairIndex     uint16
	SlotIndex     uint8
	Type          OrderType
	Long          bool
	MinPrice      int64 // price scale
	MaxPrice      int64
	TakeProfit    int64
	StopLoss      int64
	MaxSlippageP  int64 // percent scale
	PositionSize  int64 // escrowed collateral, collateral scale
	Leverage      int64
	PlacedAtBlock int64
}

// OutcomeKind distinguishes executed operations from soft cancellations.
// Cancellations are first-class outcomes, not errors: callers must branch on
// kind rather than assume success.
type OutcomeKind int32

const (
	OutcomeExecuted OutcomeKind = iota
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	if k == OutcomeCanceled {
		return "Canceled"
	}
	return "Executed"
}

// CancelReason explains a canceled outcome.
type CancelReason int32

const (
	CancelNone CancelReason = iota
	CancelSlippageExceeded
	CancelPriceOutOfRange
	CancelLiqNotReached
	CancelTriggerNotReached
	CancelRecentUpdate
	CancelNotEnoughAssets
	CancelExposureCap
	CancelFeesExceedCollateral
)

func (r CancelReason) String() string {
	switch r {
	case CancelNone:
		return "None"
	case CancelSlippageExceeded:
		return "SlippageExceeded"
	case CancelPriceOutOfRange:
		return "PriceOutOfRange"
	case CancelLiqNotReached:
		return "LiqNotReached"
	case CancelTriggerNotReached:
		return "TriggerNotReached"
	case CancelRecentUpdate:
		return "RecentUpdate"
	case CancelNotEnoughAssets:
		return "NotEnoughAssets"
	case CancelExposureCap:
		return "ExposureCap"
	case CancelFeesExceedCollateral:
		return "FeesExceedCollateral"
	default:
		return "Unknown"
	}
}

// Outcome is the result of a state-machine operation.
type Outcome struct {
	Kind           OutcomeKind
	Reason         CancelReason
	OrderID        uint64 // monotonic, assigned to every executed or canceled operation
	Trade          *Trade // resulting or affected trade, nil if none
	Payout         int64  // credited to escrow, collateral scale
	ExecutionPrice int64  // price scale, 0 if no execution happened
}

// Precondition failures — synchronous, user-visible, no state change.
var (
	ErrNoTrade           = errors.New("no trade at slot")
	ErrNoOrder           = errors.New("no pending order at slot")
	ErrBeingMarketClosed = errors.New("market close already in flight for slot")
	ErrBelowMin          = errors.New("parameter below minimum")
	ErrAboveMax          = errors.New("parameter above maximum")
)
