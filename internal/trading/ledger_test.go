package trading

import (
	"testing"

	"github.com/rs/zerolog"
)

func storeOrder(l *Ledger, trader string, pair uint16, slot uint8) *PendingOrder {
	o := &PendingOrder{Trader: trader, PairIndex: pair, SlotIndex: slot, MinPrice: 1, MaxPrice: 2, PositionSize: 100, Leverage: 2}
	l.StorePendingOrder(o)
	return o
}

// ============================================================================
// Test: trade slots
// ============================================================================

func TestLedger_TradeSlotLifecycle(t *testing.T) {
	l := NewLedger()

	slot, free := l.FirstEmptyTradeSlot("a", 0)
	if !free || slot != 0 {
		t.Fatalf("fresh ledger: got (%d, %v), want (0, true)", slot, free)
	}

	for i := 0; i < MaxTradesPerPair; i++ {
		l.StoreTrade(&Trade{Trader: "a", PairIndex: 0, SlotIndex: uint8(i)})
	}
	if _, free := l.FirstEmptyTradeSlot("a", 0); free {
		t.Error("full slot array should report no free slot")
	}
	if got := l.OpenTradesCount("a", 0); got != MaxTradesPerPair {
		t.Errorf("count: got %d, want %d", got, MaxTradesPerPair)
	}

	// Freeing the middle slot makes it the first empty one again.
	l.RemoveTrade("a", 0, 1)
	slot, free = l.FirstEmptyTradeSlot("a", 0)
	if !free || slot != 1 {
		t.Errorf("after removal: got (%d, %v), want (1, true)", slot, free)
	}
	if l.Trade("a", 0, 1) != nil {
		t.Error("removed slot should be empty")
	}
	if l.Trade("a", 0, 0) == nil || l.Trade("a", 0, 2) == nil {
		t.Error("neighboring slots must survive removal")
	}
}

// ============================================================================
// Test: pending-order dense array
// ============================================================================

func TestLedger_SwapRemoveKeepsIndexConsistent(t *testing.T) {
	l := NewLedger()
	storeOrder(l, "a", 0, 0)
	storeOrder(l, "b", 0, 0)
	storeOrder(l, "c", 0, 0)

	// Removing the first entry swaps the last one into its place; every
	// surviving order must still be addressable by its slot key.
	if !l.RemovePendingOrder("a", 0, 0) {
		t.Fatal("remove should succeed")
	}
	if got := l.PendingOrderCountTotal(); got != 2 {
		t.Errorf("total: got %d, want 2", got)
	}
	if o := l.PendingOrder("b", 0, 0); o == nil || o.Trader != "b" {
		t.Errorf("b lookup after swap: got %+v", o)
	}
	if o := l.PendingOrder("c", 0, 0); o == nil || o.Trader != "c" {
		t.Errorf("c lookup after swap: got %+v", o)
	}
	if l.PendingOrder("a", 0, 0) != nil {
		t.Error("removed order still addressable")
	}

	if l.RemovePendingOrder("a", 0, 0) {
		t.Error("double remove should report false")
	}
}

func TestLedger_OrderSlotReuse(t *testing.T) {
	l := NewLedger()
	storeOrder(l, "a", 0, 0)
	storeOrder(l, "a", 0, 1)

	l.RemovePendingOrder("a", 0, 0)
	slot, free := l.FirstEmptyOrderSlot("a", 0)
	if !free || slot != 0 {
		t.Errorf("got (%d, %v), want (0, true)", slot, free)
	}
	if got := l.OpenLimitOrdersCount("a", 0); got != 1 {
		t.Errorf("count: got %d, want 1", got)
	}
}

// ============================================================================
// Test: market-close guard
// ============================================================================

func TestCloseTradeMarket_RejectsWhileCloseInFlight(t *testing.T) {
	e := NewEngine(Deps{Logger: zerolog.Nop()})
	e.ledger.StoreTrade(&Trade{Trader: "a", PairIndex: 0, SlotIndex: 0, Collateral: 100, Leverage: 2})
	e.ledger.SetBeingMarketClosed("a", 0, 0, true)

	if _, err := e.CloseTradeMarket("a", 0, 0, nil); err != ErrBeingMarketClosed {
		t.Errorf("got %v, want ErrBeingMarketClosed", err)
	}
}
