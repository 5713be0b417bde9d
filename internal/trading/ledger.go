package trading

// PairKey addresses per-(trader, pair) state.
type PairKey struct {
	Trader    string
	PairIndex uint16
}

// SlotKey addresses a single trade or pending-order slot.
type SlotKey struct {
	Trader    string
	PairIndex uint16
	SlotIndex uint8
}

// Ledger is the source of truth for open trades and pending orders. It is the
// exclusive owner of both record types; only the trading engine mutates it,
// under the engine's single-writer lock.
//
// Pending orders live in one dense array with a back-reference index map:
// removal swaps the last element into the freed position and fixes up its
// index entry, keeping removal O(1) without holes.
type Ledger struct {
	trades      map[PairKey]*[MaxTradesPerPair]*Trade
	tradesCount map[PairKey]int

	pendingOrders []*PendingOrder
	pendingIndex  map[SlotKey]int
	pendingCount  map[PairKey]int

	beingMarketClosed map[SlotKey]bool
}

func NewLedger() *Ledger {
	return &Ledger{
		trades:            make(map[PairKey]*[MaxTradesPerPair]*Trade),
		tradesCount:       make(map[PairKey]int),
		pendingIndex:      make(map[SlotKey]int),
		pendingCount:      make(map[PairKey]int),
		beingMarketClosed: make(map[SlotKey]bool),
	}
}

// --- Trades ---

// FirstEmptyTradeSlot returns the lowest free slot index, or false if the
// trader's slot array for the pair is full.
func (l *Ledger) FirstEmptyTradeSlot(trader string, pairIndex uint16) (uint8, bool) {
	slots := l.trades[PairKey{Trader: trader, PairIndex: pairIndex}]
	if slots == nil {
		return 0, true
	}
	for i := range slots {
		if slots[i] == nil {
			return uint8(i), true
		}
	}
	return 0, false
}

// StoreTrade writes a trade into its slot. The slot must be empty.
func (l *Ledger) StoreTrade(t *Trade) {
	key := PairKey{Trader: t.Trader, PairIndex: t.PairIndex}
	slots := l.trades[key]
	if slots == nil {
		slots = &[MaxTradesPerPair]*Trade{}
		l.trades[key] = slots
	}
	slots[t.SlotIndex] = t
	l.tradesCount[key]++
}

// Trade returns the trade at a slot, or nil.
func (l *Ledger) Trade(trader string, pairIndex uint16, slotIndex uint8) *Trade {
	slots := l.trades[PairKey{Trader: trader, PairIndex: pairIndex}]
	if slots == nil || int(slotIndex) >= len(slots) {
		return nil
	}
	return slots[slotIndex]
}

// RemoveTrade frees the slot. Terminal state for a slot is always empty.
func (l *Ledger) RemoveTrade(trader string, pairIndex uint16, slotIndex uint8) {
	key := PairKey{Trader: trader, PairIndex: pairIndex}
	slots := l.trades[key]
	if slots == nil || slots[slotIndex] == nil {
		return
	}
	slots[slotIndex] = nil
	l.tradesCount[key]--
	if l.tradesCount[key] == 0 {
		delete(l.trades, key)
		delete(l.tradesCount, key)
	}
}

// OpenTradesCount returns the number of open trades for (trader, pair).
func (l *Ledger) OpenTradesCount(trader string, pairIndex uint16) int {
	return l.tradesCount[PairKey{Trader: trader, PairIndex: pairIndex}]
}

// TradesOf returns all open trades for a trader on a pair, slot order.
func (l *Ledger) TradesOf(trader string, pairIndex uint16) []*Trade {
	slots := l.trades[PairKey{Trader: trader, PairIndex: pairIndex}]
	if slots == nil {
		return nil
	}
	out := make([]*Trade, 0, MaxTradesPerPair)
	for _, t := range slots {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// AllTrades returns every open trade. Iteration order is unspecified.
func (l *Ledger) AllTrades() []*Trade {
	var out []*Trade
	for _, slots := range l.trades {
		for _, t := range slots {
			if t != nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// --- Pending orders ---

// FirstEmptyOrderSlot returns the lowest free pending-order slot index for
// (trader, pair), or false if all slots are taken.
func (l *Ledger) FirstEmptyOrderSlot(trader string, pairIndex uint16) (uint8, bool) {
	for i := 0; i < MaxTradesPerPair; i++ {
		key := SlotKey{Trader: trader, PairIndex: pairIndex, SlotIndex: uint8(i)}
		if _, taken := l.pendingIndex[key]; !taken {
			return uint8(i), true
		}
	}
	return 0, false
}

// StorePendingOrder appends an order to the dense array. The slot must be free.
func (l *Ledger) StorePendingOrder(o *PendingOrder) {
	key := SlotKey{Trader: o.Trader, PairIndex: o.PairIndex, SlotIndex: o.SlotIndex}
	l.pendingOrders = append(l.pendingOrders, o)
	l.pendingIndex[key] = len(l.pendingOrders) - 1
	l.pendingCount[PairKey{Trader: o.Trader, PairIndex: o.PairIndex}]++
}

// PendingOrder returns the order at a slot, or nil.
func (l *Ledger) PendingOrder(trader string, pairIndex uint16, slotIndex uint8) *PendingOrder {
	idx, ok := l.pendingIndex[SlotKey{Trader: trader, PairIndex: pairIndex, SlotIndex: slotIndex}]
	if !ok {
		return nil
	}
	return l.pendingOrders[idx]
}

// RemovePendingOrder swap-removes the order: the last element of the dense
// array moves into the freed position and its back-reference is updated.
func (l *Ledger) RemovePendingOrder(trader string, pairIndex uint16, slotIndex uint8) bool {
	key := SlotKey{Trader: trader, PairIndex: pairIndex, SlotIndex: slotIndex}
	idx, ok := l.pendingIndex[key]
	if !ok {
		return false
	}

	last := len(l.pendingOrders) - 1
	if idx != last {
		moved := l.pendingOrders[last]
		l.pendingOrders[idx] = moved
		l.pendingIndex[SlotKey{Trader: moved.Trader, PairIndex: moved.PairIndex, SlotIndex: moved.SlotIndex}] = idx
	}
	l.pendingOrders[last] = nil
	l.pendingOrders = l.pendingOrders[:last]
	delete(l.pendingIndex, key)

	pk := PairKey{Trader: trader, PairIndex: pairIndex}
	l.pendingCount[pk]--
	if l.pendingCount[pk] == 0 {
		delete(l.pendingCount, pk)
	}
	return true
}

// OpenLimitOrdersCount returns the number of pending orders for (trader, pair).
func (l *Ledger) OpenLimitOrdersCount(trader string, pairIndex uint16) int {
	return l.pendingCount[PairKey{Trader: trader, PairIndex: pairIndex}]
}

// PendingOrderCountTotal returns the total number of resting orders.
func (l *Ledger) PendingOrderCountTotal() int {
	return len(l.pendingOrders)
}

// AllPendingOrders returns every resting order. Iteration order is unspecified.
func (l *Ledger) AllPendingOrders() []*PendingOrder {
	out := make([]*PendingOrder, len(l.pendingOrders))
	copy(out, l.pendingOrders)
	return out
}

// --- Market-close guard ---

// IsBeingMarketClosed reports whether a market close is in flight for a slot.
func (l *Ledger) IsBeingMarketClosed(trader string, pairIndex uint16, slotIndex uint8) bool {
	return l.beingMarketClosed[SlotKey{Trader: trader, PairIndex: pairIndex, SlotIndex: slotIndex}]
}

// SetBeingMarketClosed acquires or releases the advisory close lock.
func (l *Ledger) SetBeingMarketClosed(trader string, pairIndex uint16, slotIndex uint8, v bool) {
	key := SlotKey{Trader: trader, PairIndex: pairIndex, SlotIndex: slotIndex}
	if v {
		l.beingMarketClosed[key] = true
	} else {
		delete(l.beingMarketClosed, key)
	}
}
