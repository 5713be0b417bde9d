package trading

// EngineState is the engine's exportable in-memory state. Funding, vault and
// escrow state are captured by their own packages; together they form one
// consistent snapshot because export runs under the engine lock while no
// operation is in flight.
type EngineState struct {
	Sequence  int64
	Block     int64
	NowMicros int64
	Trades    []*Trade
	Orders    []*PendingOrder
	Referrers map[string]string
}

// ExportState copies the engine's mutable state for snapshotting.
func (e *Engine) ExportState() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()

	trades := e.ledger.AllTrades()
	tradeCopies := make([]*Trade, 0, len(trades))
	for _, t := range trades {
		c := *t
		tradeCopies = append(tradeCopies, &c)
	}

	orders := e.ledger.AllPendingOrders()
	orderCopies := make([]*PendingOrder, 0, len(orders))
	for _, o := range orders {
		c := *o
		orderCopies = append(orderCopies, &c)
	}

	referrers := make(map[string]string, len(e.referrers))
	for k, v := range e.referrers {
		referrers[k] = v
	}

	return EngineState{
		Sequence:  e.sequence,
		Block:     e.block,
		NowMicros: e.now,
		Trades:    tradeCopies,
		Orders:    orderCopies,
		Referrers: referrers,
	}
}

// RestoreState loads a snapshot into an empty engine. Open interest is not
// re-registered with the funding engine: the funding snapshot already carries
// it.
func (e *Engine) RestoreState(s EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = s.Sequence
	e.block = s.Block
	e.now = s.NowMicros

	e.ledger = NewLedger()
	for _, t := range s.Trades {
		c := *t
		e.ledger.StoreTrade(&c)
	}
	for _, o := range s.Orders {
		c := *o
		e.ledger.StorePendingOrder(&c)
	}

	e.referrers = make(map[string]string, len(s.Referrers))
	for k, v := range s.Referrers {
		e.referrers[k] = v
	}
}

// Sequence returns the last assigned operation sequence.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// RestingOrderCount returns the total number of pending orders.
func (e *Engine) RestingOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.PendingOrderCountTotal()
}
