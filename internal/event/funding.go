package event

// FundingSynced records a successful funding accrual for a pair.
type FundingSynced struct {
	PairIndex    uint16 `json:"pair_index"`
	Rate         int64  `json:"rate"` // signed per-block rate, positive = longs pay
	AccRateLong  int64  `json:"acc_rate_long"`
	AccRateShort int64  `json:"acc_rate_short"`
	LongOI       int64  `json:"long_oi"`
	ShortOI      int64  `json:"short_oi"`
	SyncedBlock  int64  `json:"synced_block"`
}

func (*FundingSynced) Kind() Kind { return KindFundingSynced }

// EpochAdvanced records one vault epoch step and the share price it produced.
type EpochAdvanced struct {
	EpochID        int64 `json:"epoch_id"`
	EpochStart     int64 `json:"epoch_start_micros"`
	AccPnlPerToken int64 `json:"acc_pnl_per_token"`
	SharePrice     int64 `json:"share_price"`
	PendingPnl     int64 `json:"pending_pnl"` // still deferred after clamping
}

func (*EpochAdvanced) Kind() Kind { return KindEpochAdvanced }
