package query

import "time"

// TradeHistoryEntry is one trade's lifecycle record for API queries.
type TradeHistoryEntry struct {
	TradeID     string `json:"trade_id"`
	Trader      string `json:"trader"`
	PairIndex   int32  `json:"pair_index"`
	SlotIndex   int32  `json:"slot_index"`
	Long        bool   `json:"long"`
	Collateral  int64  `json:"collateral"`
	Leverage    int64  `json:"leverage"`
	OpenPrice   int64  `json:"open_price"`
	ClosePrice  *int64 `json:"close_price,omitempty"`
	Payout      *int64 `json:"payout,omitempty"`
	Status      string `json:"status"`
	OpenedBlock int64  `json:"opened_block"`
	ClosedBlock *int64 `json:"closed_block,omitempty"`
}

// EventLogEntry is one engine event for API queries.
type EventLogEntry struct {
	Sequence  int64     `json:"sequence"`
	Kind      string    `json:"kind"`
	Trader    string    `json:"trader,omitempty"`
	PairIndex *int32    `json:"pair_index,omitempty"`
	Block     int64     `json:"block"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}

// TraderStats summarizes a trader's history.
type TraderStats struct {
	Trader       string `json:"trader"`
	OpenTrades   int64  `json:"open_trades"`
	ClosedTrades int64  `json:"closed_trades"`
	Liquidations int64  `json:"liquidations"`
	TotalPayout  int64  `json:"total_payout"`
}
