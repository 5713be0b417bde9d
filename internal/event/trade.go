package event

import (
	"github.com/google/uuid"
)

// TradeOpened records a position entering a slot, either from a market open
// or a limit fill.
type TradeOpened struct {
	TradeID    uuid.UUID `json:"trade_id"`
	Trader     string    `json:"trader"`
	PairIndex  uint16    `json:"pair_index"`
	SlotIndex  uint8     `json:"slot_index"`
	Long       bool      `json:"long"`
	Collateral int64     `json:"collateral"` // net of open fees, collateral scale
	Leverage   int64     `json:"leverage"`
	OpenPrice  int64     `json:"open_price"` // price scale, spread and impact applied
	TakeProfit int64     `json:"take_profit,omitempty"`
	StopLoss   int64     `json:"stop_loss,omitempty"`
	LimitFill  bool      `json:"limit_fill,omitempty"`
}

func (*TradeOpened) Kind() Kind { return KindTradeOpened }

// TradeClosed records a slot emptying through a market close, stop loss or
// take profit. Payout is what reached escrow; zero means the position was
// wiped by losses and funding.
type TradeClosed struct {
	TradeID    uuid.UUID `json:"trade_id"`
	Trader     string    `json:"trader"`
	PairIndex  uint16    `json:"pair_index"`
	SlotIndex  uint8     `json:"slot_index"`
	Long       bool      `json:"long"`
	ClosePrice int64     `json:"close_price"`
	Profit     int64     `json:"profit"` // signed, collateral scale, before fees
	FundingFee int64     `json:"funding_fee"`
	CloseFee   int64     `json:"close_fee"`
	Payout     int64     `json:"payout"`
	Trigger    string    `json:"trigger"` // "market", "sl", "tp"
}

func (*TradeClosed) Kind() Kind { return KindTradeClosed }

// Liquidation records a forced close. The trader receives nothing; remaining
// collateral goes to the pool and the liquidation fee to the trigger caller.
type Liquidation struct {
	TradeID   uuid.UUID `json:"trade_id"`
	Trader    string    `json:"trader"`
	PairIndex uint16    `json:"pair_index"`
	SlotIndex uint8     `json:"slot_index"`
	Long      bool      `json:"long"`
	LiqPrice  int64     `json:"liq_price"`
	MarkPrice int64     `json:"mark_price"`
	Remaining int64     `json:"remaining"` // collateral absorbed by the pool
}

func (*Liquidation) Kind() Kind { return KindLiquidation }

// OpenCanceled records a soft cancellation of an open attempt. Refund is the
// escrow credit, strictly positive (collateral minus the retained oracle fee).
type OpenCanceled struct {
	Trader    string `json:"trader"`
	PairIndex uint16 `json:"pair_index"`
	SlotIndex uint8  `json:"slot_index"`
	Reason    string `json:"reason"`
	Refund    int64  `json:"refund"`
}

func (*OpenCanceled) Kind() Kind { return KindOpenCanceled }

// CloseCanceled records a market-close attempt that could not settle, most
// often because the pool could not cover the payout. The trade stays open.
type CloseCanceled struct {
	TradeID   uuid.UUID `json:"trade_id"`
	Trader    string    `json:"trader"`
	PairIndex uint16    `json:"pair_index"`
	SlotIndex uint8     `json:"slot_index"`
	Reason    string    `json:"reason"`
}

func (*CloseCanceled) Kind() Kind { return KindCloseCanceled }

// OrderPlaced records a resting limit / stop-limit / momentum order.
type OrderPlaced struct {
	Trader    string `json:"trader"`
	PairIndex uint16 `json:"pair_index"`
	SlotIndex uint8  `json:"slot_index"`
	OrderType string `json:"order_type"`
	Long      bool   `json:"long"`
	MinPrice  int64  `json:"min_price"`
	MaxPrice  int64  `json:"max_price"`
	Escrowed  int64  `json:"escrowed"` // collateral scale
	Leverage  int64  `json:"leverage"`
}

func (*OrderPlaced) Kind() Kind { return KindOrderPlaced }

// OrderUpdated records price-bound or protection changes to a resting order
// or open trade (SL/TP updates share this payload).
type OrderUpdated struct {
	Trader     string `json:"trader"`
	PairIndex  uint16 `json:"pair_index"`
	SlotIndex  uint8  `json:"slot_index"`
	Field      string `json:"field"` // "bounds", "sl", "tp"
	MinPrice   int64  `json:"min_price,omitempty"`
	MaxPrice   int64  `json:"max_price,omitempty"`
	StopLoss   int64  `json:"stop_loss,omitempty"`
	TakeProfit int64  `json:"take_profit,omitempty"`
}

func (*OrderUpdated) Kind() Kind { return KindOrderUpdated }

// OrderCanceled records removal of a resting order, whether trader-requested
// or a soft cancellation during trigger execution. Refund is bit-exact equal
// to the escrowed collateral for trader-requested cancels.
type OrderCanceled struct {
	Trader    string `json:"trader"`
	PairIndex uint16 `json:"pair_index"`
	SlotIndex uint8  `json:"slot_index"`
	Reason    string `json:"reason"`
	Refund    int64  `json:"refund"`
}

func (*OrderCanceled) Kind() Kind { return KindOrderCanceled }
