package trading_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"PerpEngine/internal/escrow"
	"PerpEngine/internal/event"
	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/funding"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/registry"
	"PerpEngine/internal/trading"
	"PerpEngine/internal/vault"
)

const (
	btcPrice   = 50_000 * fpmath.One // price scale
	collateral = 10_000_000          // collateral scale, gross of fees
	leverage   = 10
	oracleFee  = 1_000

	// Derived open math at 0.1% open fee: size 100_000_000, open fee 100_000,
	// net collateral 9_899_000, net size 98_990_000.
	netCollateral = 9_899_000
)

// priceFeed is a controllable oracle verifier. AsOf increments on every call
// so repeated proofs always pass the forward-only cache.
type priceFeed struct {
	price int64
	asOf  int64
}

func (p *priceFeed) Verify(proof []byte, ids []uint16) ([]oracle.VerifiedPrice, error) {
	p.asOf++
	out := make([]oracle.VerifiedPrice, 0, len(ids))
	for _, id := range ids {
		out = append(out, oracle.VerifiedPrice{InstrumentID: id, Price: p.price, AsOf: p.asOf})
	}
	return out, nil
}

type harness struct {
	engine   *trading.Engine
	feed     *priceFeed
	registry *registry.Registry
	vault    *vault.Vault
	escrow   *escrow.Escrow
	funding  *funding.Engine
	persist  chan event.Envelope
}

// newHarnessWith seeds one pair (spread and impact disabled so execution
// prices are exact), a 1B-asset vault, and an engine advanced to block 1.
func newHarnessWith(t *testing.T, maxCollateralP int64, fp funding.Params) *harness {
	t.Helper()

	reg := registry.New()
	if err := reg.AddGroup(registry.Group{Index: 0, Name: "crypto", MinLeverage: 2, MaxLeverage: 150, MaxCollateralP: maxCollateralP}); err != nil {
		t.Fatalf("add group: %v", err)
	}
	if err := reg.AddFee(registry.Fee{
		Index: 0, Name: "standard",
		OpenFeeP:         fpmath.One / 1000,
		CloseFeeP:        fpmath.One / 1000,
		OracleFee:        oracleFee,
		TriggerOrderFeeP: fpmath.One / 1000,
		ReferralP:        fpmath.One / 10,
	}); err != nil {
		t.Fatalf("add fee: %v", err)
	}
	if err := reg.AddPair(registry.Pair{Index: 0, From: "BTC", To: "USD", GroupIndex: 0, FeeIndex: 0, LiqThresholdP: 9 * fpmath.One / 10}); err != nil {
		t.Fatalf("add pair: %v", err)
	}

	feed := &priceFeed{price: btcPrice}
	adapter := oracle.NewAdapter(feed, 0)

	fe := funding.NewEngine(adapter)
	if err := fe.RegisterGroup(0, funding.Params{}); err != nil {
		t.Fatalf("register funding group: %v", err)
	}
	if err := fe.RegisterPair(0, 0, fp); err != nil {
		t.Fatalf("register funding pair: %v", err)
	}

	v := vault.New(vault.Params{}, 0)
	if _, err := v.Deposit(1_000_000_000, "lp", 0); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	esc := escrow.New()
	persist := make(chan event.Envelope, 256)

	e := trading.NewEngine(trading.Deps{
		Logger:      zerolog.Nop(),
		Registry:    reg,
		Oracle:      adapter,
		Funding:     fe,
		Vault:       v,
		Escrow:      esc,
		PersistChan: persist,
	})
	e.AdvanceBlock(1, 1_000_000)

	return &harness{engine: e, feed: feed, registry: reg, vault: v, escrow: esc, funding: fe, persist: persist}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, 0, funding.Params{})
}

func marketOpen(trader string) trading.OpenRequest {
	return trading.OpenRequest{
		Trader:       trader,
		PairIndex:    0,
		Type:         trading.OrderTypeMarket,
		Long:         true,
		Collateral:   collateral,
		Leverage:     leverage,
		WantedPrice:  btcPrice,
		MaxSlippageP: fpmath.One / 10,
	}
}

func mustOpen(t *testing.T, h *harness, req trading.OpenRequest) *trading.Trade {
	t.Helper()
	out, err := h.engine.OpenTrade(req, []byte("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("open canceled: %s", out.Reason)
	}
	return out.Trade
}

// ============================================================================
// Test: market open
// ============================================================================

func TestOpenTrade_MarketFill(t *testing.T) {
	h := newHarness(t)
	assetsBefore := h.vault.Assets()

	out, err := h.engine.OpenTrade(marketOpen("alice"), []byte("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("outcome: got %s (%s), want Executed", out.Kind, out.Reason)
	}
	if out.ExecutionPrice != btcPrice {
		t.Errorf("execution price: got %d, want %d", out.ExecutionPrice, btcPrice)
	}
	if out.Trade.Collateral != netCollateral {
		t.Errorf("net collateral: got %d, want %d", out.Trade.Collateral, netCollateral)
	}
	if out.Trade.SlotIndex != 0 {
		t.Errorf("slot: got %d, want 0", out.Trade.SlotIndex)
	}

	// Open fee plus oracle fee land in the pool.
	if got := h.vault.Assets() - assetsBefore; got != 101_000 {
		t.Errorf("pool delta: got %d, want 101000", got)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 1 {
		t.Errorf("open trades: got %d, want 1", got)
	}
}

func TestOpenTrade_SlippageCancel(t *testing.T) {
	h := newHarness(t)
	h.feed.price = 50_500 * fpmath.One // 1% over the wanted price

	req := marketOpen("alice")
	req.MaxSlippageP = fpmath.One / 200 // 0.5% tolerance

	out, err := h.engine.OpenTrade(req, []byte("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelSlippageExceeded {
		t.Fatalf("outcome: got %s (%s), want Canceled (SlippageExceeded)", out.Kind, out.Reason)
	}

	// Refund is the collateral minus the retained oracle fee, via escrow.
	wantRefund := int64(collateral - oracleFee)
	if out.Payout != wantRefund {
		t.Errorf("refund: got %d, want %d", out.Payout, wantRefund)
	}
	if got := h.escrow.Balance("alice"); got != wantRefund {
		t.Errorf("escrow: got %d, want %d", got, wantRefund)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 0 {
		t.Errorf("trades after cancel: got %d, want 0", got)
	}
}

func TestOpenTrade_ValidationErrors(t *testing.T) {
	h := newHarness(t)

	req := marketOpen("alice")
	req.Leverage = 1 // group minimum is 2
	if _, err := h.engine.OpenTrade(req, []byte("p")); !errors.Is(err, trading.ErrBelowMin) {
		t.Errorf("low leverage: got %v, want ErrBelowMin", err)
	}

	req = marketOpen("alice")
	req.Leverage = 151
	if _, err := h.engine.OpenTrade(req, []byte("p")); !errors.Is(err, trading.ErrAboveMax) {
		t.Errorf("high leverage: got %v, want ErrAboveMax", err)
	}

	req = marketOpen("alice")
	req.Collateral = 0
	if _, err := h.engine.OpenTrade(req, []byte("p")); !errors.Is(err, trading.ErrBelowMin) {
		t.Errorf("zero collateral: got %v, want ErrBelowMin", err)
	}

	req = marketOpen("alice")
	req.TakeProfit = btcPrice - 1 // under entry for a long
	if _, err := h.engine.OpenTrade(req, []byte("p")); !errors.Is(err, trading.ErrBelowMin) {
		t.Errorf("inverted take profit: got %v, want ErrBelowMin", err)
	}

	req = marketOpen("alice")
	req.StopLoss = btcPrice + 1 // over entry for a long
	if _, err := h.engine.OpenTrade(req, []byte("p")); !errors.Is(err, trading.ErrAboveMax) {
		t.Errorf("inverted stop loss: got %v, want ErrAboveMax", err)
	}
}

func TestOpenTrade_SlotExhaustion(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < trading.MaxTradesPerPair; i++ {
		mustOpen(t, h, marketOpen("alice"))
	}
	if _, err := h.engine.OpenTrade(marketOpen("alice"), []byte("p")); !errors.Is(err, trading.ErrAboveMax) {
		t.Errorf("got %v, want ErrAboveMax", err)
	}
}

func TestOpenTrade_ReferralCut(t *testing.T) {
	h := newHarness(t)
	h.engine.SetReferrer("alice", "ref")
	mustOpen(t, h, marketOpen("alice"))

	// 10% of the 100_000 open fee.
	if got := h.escrow.Balance("ref"); got != 10_000 {
		t.Errorf("referrer escrow: got %d, want 10000", got)
	}
}

func TestOpenTrade_ExposureCapCancel(t *testing.T) {
	// 1% of the 1B vault caps group exposure at 10_000_000; the position's
	// 100_000_000 size blows through it.
	h := newHarnessWith(t, fpmath.One/100, funding.Params{})

	out, err := h.engine.OpenTrade(marketOpen("alice"), []byte("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelExposureCap {
		t.Errorf("outcome: got %s (%s), want Canceled (ExposureCap)", out.Kind, out.Reason)
	}
}

// ============================================================================
// Test: resting orders
// ============================================================================

func TestPlaceAndCancelOrder_BitExactRefund(t *testing.T) {
	h := newHarness(t)

	req := marketOpen("alice")
	req.Type = trading.OrderTypeLimit
	req.MinPrice = 49_000 * fpmath.One
	req.MaxPrice = 49_500 * fpmath.One

	out, err := h.engine.OpenTrade(req, []byte("p"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("place outcome: %s (%s)", out.Kind, out.Reason)
	}
	if got := len(h.engine.PendingOrders("alice", 0)); got != 1 {
		t.Fatalf("pending orders: got %d, want 1", got)
	}

	assetsBefore := h.vault.Assets()
	cancel, err := h.engine.CancelOpenLimitOrder("alice", 0, 0)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancel.Kind != trading.OutcomeCanceled || cancel.Reason != trading.CancelNone {
		t.Errorf("cancel outcome: got %s (%s)", cancel.Kind, cancel.Reason)
	}

	// Trader-requested cancellation refunds the escrowed collateral bit for
	// bit; the pool takes nothing.
	if cancel.Payout != collateral {
		t.Errorf("refund: got %d, want %d", cancel.Payout, int64(collateral))
	}
	if got := h.escrow.Balance("alice"); got != collateral {
		t.Errorf("escrow: got %d, want %d", got, int64(collateral))
	}
	if got := h.vault.Assets(); got != assetsBefore {
		t.Errorf("pool moved on cancel: got %d, want %d", got, assetsBefore)
	}
	if got := len(h.engine.PendingOrders("alice", 0)); got != 0 {
		t.Errorf("pending orders after cancel: got %d, want 0", got)
	}
}

func TestUpdateOpenLimitOrder(t *testing.T) {
	h := newHarness(t)

	req := marketOpen("alice")
	req.Type = trading.OrderTypeLimit
	req.MinPrice = 49_000 * fpmath.One
	req.MaxPrice = 49_500 * fpmath.One
	mustPlace(t, h, req)

	if err := h.engine.UpdateOpenLimitOrder("alice", 0, 0, 0, 10, 0, 0); !errors.Is(err, trading.ErrBelowMin) {
		t.Errorf("invalid window: got %v, want ErrBelowMin", err)
	}

	if err := h.engine.UpdateOpenLimitOrder("alice", 0, 0, 48_000*fpmath.One, 48_500*fpmath.One, 0, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	o := h.engine.PendingOrders("alice", 0)[0]
	if o.MinPrice != 48_000*fpmath.One || o.MaxPrice != 48_500*fpmath.One {
		t.Errorf("window: got [%d, %d]", o.MinPrice, o.MaxPrice)
	}
}

func mustPlace(t *testing.T, h *harness, req trading.OpenRequest) {
	t.Helper()
	out, err := h.engine.OpenTrade(req, []byte("p"))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("place outcome: %s (%s)", out.Kind, out.Reason)
	}
}

// ============================================================================
// Test: market close
// ============================================================================

func TestCloseTradeMarket_RoundTrip(t *testing.T) {
	h := newHarness(t)
	mustOpen(t, h, marketOpen("alice"))

	out, err := h.engine.CloseTradeMarket("alice", 0, 0, []byte("p"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("close outcome: %s (%s)", out.Kind, out.Reason)
	}

	// Flat price: payout is net collateral minus the 98_990 close fee.
	wantPayout := int64(netCollateral - 98_990)
	if out.Payout != wantPayout {
		t.Errorf("payout: got %d, want %d", out.Payout, wantPayout)
	}
	if got := h.escrow.Balance("alice"); got != wantPayout {
		t.Errorf("escrow: got %d, want %d", got, wantPayout)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 0 {
		t.Errorf("trades after close: got %d, want 0", got)
	}

	// The freed slot is reused.
	tr := mustOpen(t, h, marketOpen("alice"))
	if tr.SlotIndex != 0 {
		t.Errorf("slot after reopen: got %d, want 0", tr.SlotIndex)
	}
}

func TestCloseTradeMarket_ProfitDrawsFromPool(t *testing.T) {
	h := newHarness(t)
	mustOpen(t, h, marketOpen("alice"))

	// +10% at 10x caps out at +100% of collateral.
	h.feed.price = 55_000 * fpmath.One
	out, err := h.engine.CloseTradeMarket("alice", 0, 0, []byte("p"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("close outcome: %s (%s)", out.Kind, out.Reason)
	}

	wantPayout := int64(netCollateral + netCollateral - 98_990)
	if out.Payout != wantPayout {
		t.Errorf("payout: got %d, want %d", out.Payout, wantPayout)
	}
}

func TestCloseTradeMarket_NoTrade(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.CloseTradeMarket("alice", 0, 0, []byte("p")); !errors.Is(err, trading.ErrNoTrade) {
		t.Errorf("got %v, want ErrNoTrade", err)
	}
}

// ============================================================================
// Test: triggers
// ============================================================================

func TestTriggerOpen_FillsInsideWindow(t *testing.T) {
	h := newHarness(t)

	req := marketOpen("alice")
	req.Type = trading.OrderTypeLimit
	req.MinPrice = 49_000 * fpmath.One
	req.MaxPrice = 51_000 * fpmath.One
	mustPlace(t, h, req)

	desc := trading.OrderDescriptor{Type: trading.TriggerOpen, Trader: "alice", PairIndex: 0, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("trigger outcome: %s (%s)", out.Kind, out.Reason)
	}

	// The executor earns 0.1% of the leveraged escrow: 100_000. The fill then
	// runs on 9_900_000 gross collateral.
	if got := h.escrow.Balance("bot"); got != 100_000 {
		t.Errorf("executor fee: got %d, want 100000", got)
	}
	if out.Trade.Collateral != 9_800_000 {
		t.Errorf("net collateral: got %d, want 9800000", out.Trade.Collateral)
	}
	if got := len(h.engine.PendingOrders("alice", 0)); got != 0 {
		t.Errorf("order not consumed: %d left", got)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 1 {
		t.Errorf("trades: got %d, want 1", got)
	}
}

func TestTriggerOpen_NotReached(t *testing.T) {
	h := newHarness(t)

	req := marketOpen("alice")
	req.Type = trading.OrderTypeLimit
	req.MinPrice = 48_000 * fpmath.One
	req.MaxPrice = 49_000 * fpmath.One // current price 50k is outside
	mustPlace(t, h, req)

	desc := trading.OrderDescriptor{Type: trading.TriggerOpen, Trader: "alice", PairIndex: 0, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelTriggerNotReached {
		t.Errorf("outcome: got %s (%s), want Canceled (TriggerNotReached)", out.Kind, out.Reason)
	}
	// The order survives for the next price.
	if got := len(h.engine.PendingOrders("alice", 0)); got != 1 {
		t.Errorf("order count: got %d, want 1", got)
	}
}

func TestTriggerOpen_FeeHeavyOrderCancelsNotBurns(t *testing.T) {
	h := newHarness(t)

	// 150x on 1100 collateral: trigger fee 165 plus open fee 140 plus the
	// 1000 oracle fee exceed the escrow, so the fill cannot survive.
	req := trading.OpenRequest{
		Trader:     "carol",
		PairIndex:  0,
		Type:       trading.OrderTypeLimit,
		Long:       true,
		Collateral: 1100,
		Leverage:   150,
		MinPrice:   49_000 * fpmath.One,
		MaxPrice:   51_000 * fpmath.One,
	}
	mustPlace(t, h, req)
	assetsBefore := h.vault.Assets()

	desc := trading.OrderDescriptor{Type: trading.TriggerOpen, Trader: "carol", PairIndex: 0, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelFeesExceedCollateral {
		t.Fatalf("outcome: got %s (%s), want Canceled (FeesExceedCollateral)", out.Kind, out.Reason)
	}

	// Every unit of the 1100 escrow is accounted for: 100 back to the trader,
	// the 1000 oracle fee to the pool, nothing to the executor.
	if out.Payout != 100 {
		t.Errorf("refund: got %d, want 100", out.Payout)
	}
	if got := h.escrow.Balance("carol"); got != 100 {
		t.Errorf("trader escrow: got %d, want 100", got)
	}
	if got := h.escrow.Balance("bot"); got != 0 {
		t.Errorf("executor escrow: got %d, want 0", got)
	}
	if got := h.vault.Assets() - assetsBefore; got != 1000 {
		t.Errorf("pool delta: got %d, want 1000", got)
	}
	if got := len(h.engine.PendingOrders("carol", 0)); got != 0 {
		t.Errorf("pending orders: got %d, want 0", got)
	}
	if got := len(h.engine.Trades("carol", 0)); got != 0 {
		t.Errorf("trades: got %d, want 0", got)
	}
}

func TestTriggerOpen_SlippageGuard(t *testing.T) {
	h := newHarness(t)

	// Pair 1 carries a 1% spread, so a long fills 0.5% over the verified
	// price.
	if err := h.registry.AddPair(registry.Pair{
		Index: 1, From: "ETH", To: "USD", GroupIndex: 0, FeeIndex: 0,
		SpreadP: fpmath.One / 100, LiqThresholdP: 9 * fpmath.One / 10,
	}); err != nil {
		t.Fatalf("add pair: %v", err)
	}
	if err := h.funding.RegisterPair(1, 0, funding.Params{}); err != nil {
		t.Fatalf("register funding pair: %v", err)
	}

	place := func(trader string, maxSlippageP int64) {
		t.Helper()
		mustPlace(t, h, trading.OpenRequest{
			Trader:       trader,
			PairIndex:    1,
			Type:         trading.OrderTypeLimit,
			Long:         true,
			Collateral:   collateral,
			Leverage:     leverage,
			MinPrice:     49_000 * fpmath.One,
			MaxPrice:     51_000 * fpmath.One,
			MaxSlippageP: maxSlippageP,
		})
	}

	// 0.4% tolerance against a 0.5% spread: the order cancels with the
	// standard refund.
	place("alice", fpmath.One/250)
	desc := trading.OrderDescriptor{Type: trading.TriggerOpen, Trader: "alice", PairIndex: 1, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelSlippageExceeded {
		t.Fatalf("outcome: got %s (%s), want Canceled (SlippageExceeded)", out.Kind, out.Reason)
	}
	if got := h.escrow.Balance("alice"); got != collateral-oracleFee {
		t.Errorf("refund: got %d, want %d", got, int64(collateral-oracleFee))
	}
	if got := len(h.engine.PendingOrders("alice", 1)); got != 0 {
		t.Errorf("pending orders: got %d, want 0", got)
	}

	// 0.5% tolerance matches the spread exactly: the order fills.
	place("bob", fpmath.One/200)
	desc = trading.OrderDescriptor{Type: trading.TriggerOpen, Trader: "bob", PairIndex: 1, SlotIndex: 0}
	out, err = h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("outcome: %s (%s)", out.Kind, out.Reason)
	}
	if out.ExecutionPrice != 50_250*fpmath.One {
		t.Errorf("execution price: got %d, want %d", out.ExecutionPrice, 50_250*fpmath.One)
	}
}

func TestTriggerProtection_TakeProfitFillsAtLevel(t *testing.T) {
	h := newHarness(t)
	req := marketOpen("alice")
	req.TakeProfit = 51_000 * fpmath.One
	mustOpen(t, h, req)
	h.engine.AdvanceBlock(2, 2_000_000)

	desc := trading.OrderDescriptor{Type: trading.TriggerTP, Trader: "alice", PairIndex: 0, SlotIndex: 0}

	// Below the level: soft cancel, trade untouched.
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelTriggerNotReached {
		t.Fatalf("outcome: got %s (%s), want Canceled (TriggerNotReached)", out.Kind, out.Reason)
	}

	h.feed.price = 52_000 * fpmath.One
	out, err = h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("outcome: %s (%s)", out.Kind, out.Reason)
	}
	// Protection orders fill at their level, not the observed price.
	if out.ExecutionPrice != 51_000*fpmath.One {
		t.Errorf("execution price: got %d, want %d", out.ExecutionPrice, 51_000*fpmath.One)
	}

	// +2% at 10x = +20% of collateral, minus close fee and trigger fee.
	wantPayout := int64(netCollateral + netCollateral/5 - 98_990 - 98_990)
	if out.Payout != wantPayout {
		t.Errorf("payout: got %d, want %d", out.Payout, wantPayout)
	}
	if got := h.escrow.Balance("bot"); got != 98_990 {
		t.Errorf("executor fee: got %d, want 98990", got)
	}
}

func TestTriggerProtection_StopLossWipesCollateral(t *testing.T) {
	h := newHarness(t)
	req := marketOpen("alice")
	req.StopLoss = 45_000 * fpmath.One
	mustOpen(t, h, req)
	h.engine.AdvanceBlock(2, 2_000_000)

	// -10% at 10x: the stop level alone wipes the collateral.
	h.feed.price = 44_000 * fpmath.One
	desc := trading.OrderDescriptor{Type: trading.TriggerSL, Trader: "alice", PairIndex: 0, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("outcome: %s (%s)", out.Kind, out.Reason)
	}
	if out.ExecutionPrice != 45_000*fpmath.One {
		t.Errorf("execution price: got %d, want stop level", out.ExecutionPrice)
	}
	if out.Payout != 0 {
		t.Errorf("payout: got %d, want 0", out.Payout)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 0 {
		t.Errorf("trade should be closed, %d left", got)
	}
}

func TestTriggerProtection_SameBlockUpdateCancels(t *testing.T) {
	h := newHarness(t)
	req := marketOpen("alice")
	req.StopLoss = 45_000 * fpmath.One
	mustOpen(t, h, req)
	h.engine.AdvanceBlock(2, 2_000_000)

	// Moving the stop in the current block shields it from triggers until the
	// next block: no update-then-snipe within one price.
	if err := h.engine.UpdateSL("alice", 0, 0, 46_000*fpmath.One); err != nil {
		t.Fatalf("update sl: %v", err)
	}

	h.feed.price = 45_500 * fpmath.One
	desc := trading.OrderDescriptor{Type: trading.TriggerSL, Trader: "alice", PairIndex: 0, SlotIndex: 0}
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelRecentUpdate {
		t.Errorf("same block: got %s (%s), want Canceled (RecentUpdate)", out.Kind, out.Reason)
	}

	h.engine.AdvanceBlock(3, 3_000_000)
	out, err = h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Errorf("next block: got %s (%s), want Executed", out.Kind, out.Reason)
	}
}

// ============================================================================
// Test: liquidation
// ============================================================================

func TestTriggerLiquidation(t *testing.T) {
	h := newHarness(t)
	mustOpen(t, h, marketOpen("alice"))

	// 90% of 9_899_000 collateral over a 98_990_000 position is a 9% price
	// distance: liquidation at 45_500.
	liq, err := h.engine.LiquidationPrice("alice", 0, 0)
	if err != nil {
		t.Fatalf("liq price: %v", err)
	}
	if liq != 45_500*fpmath.One {
		t.Errorf("liq price: got %d, want %d", liq, 45_500*fpmath.One)
	}

	desc := trading.OrderDescriptor{Type: trading.TriggerLiq, Trader: "alice", PairIndex: 0, SlotIndex: 0}

	h.feed.price = 46_000 * fpmath.One
	out, err := h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeCanceled || out.Reason != trading.CancelLiqNotReached {
		t.Fatalf("above liq: got %s (%s), want Canceled (LiqNotReached)", out.Kind, out.Reason)
	}

	h.feed.price = 45_400 * fpmath.One
	out, err = h.engine.TriggerOrder(desc, "bot", []byte("p"))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Kind != trading.OutcomeExecuted {
		t.Fatalf("outcome: %s (%s)", out.Kind, out.Reason)
	}
	if out.ExecutionPrice != liq {
		t.Errorf("execution price: got %d, want liq price %d", out.ExecutionPrice, liq)
	}

	// The executor takes 0.1% of collateral; the trader gets nothing.
	if got := h.escrow.Balance("bot"); got != 9_899 {
		t.Errorf("executor fee: got %d, want 9899", got)
	}
	if got := h.escrow.Balance("alice"); got != 0 {
		t.Errorf("trader escrow: got %d, want 0", got)
	}
	if got := len(h.engine.Trades("alice", 0)); got != 0 {
		t.Errorf("trade should be gone, %d left", got)
	}
}

func TestLiquidationPrice_ShiftsWithFunding(t *testing.T) {
	h := newHarnessWith(t, 0, funding.Params{FeePerBlock: 1_000_000, FeeExponent: 1, MaxOI: 1_000_000_000})
	mustOpen(t, h, marketOpen("alice"))

	if err := h.engine.SyncFunding(0, []byte("p")); err != nil {
		t.Fatalf("baseline sync: %v", err)
	}
	before, err := h.engine.LiquidationPrice("alice", 0, 0)
	if err != nil {
		t.Fatalf("liq price: %v", err)
	}

	h.engine.AdvanceBlock(11, 2_000_000)
	if err := h.engine.SyncFunding(0, []byte("p")); err != nil {
		t.Fatalf("accrual sync: %v", err)
	}
	after, err := h.engine.LiquidationPrice("alice", 0, 0)
	if err != nil {
		t.Fatalf("liq price: %v", err)
	}

	// The lone long is the majority side: accrued funding eats the loss
	// budget, pulling liquidation toward entry.
	if after <= before {
		t.Errorf("liq price should rise with funding owed: before %d, after %d", before, after)
	}
}

// ============================================================================
// Test: sequencing and snapshots
// ============================================================================

func TestOutcomes_SequenceMonotonic(t *testing.T) {
	h := newHarness(t)

	first, err := h.engine.OpenTrade(marketOpen("alice"), []byte("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := h.engine.CloseTradeMarket("alice", 0, 0, []byte("p"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if second.OrderID <= first.OrderID {
		t.Errorf("order ids not monotonic: %d then %d", first.OrderID, second.OrderID)
	}

	close(h.persist)
	var last int64
	for env := range h.persist {
		if env.Sequence <= last {
			t.Errorf("event sequence not strictly increasing: %d after %d", env.Sequence, last)
		}
		last = env.Sequence
	}
}

func TestExportRestore_RoundTrip(t *testing.T) {
	h := newHarness(t)
	mustOpen(t, h, marketOpen("alice"))

	req := marketOpen("bob")
	req.Type = trading.OrderTypeLimit
	req.MinPrice = 49_000 * fpmath.One
	req.MaxPrice = 49_500 * fpmath.One
	mustPlace(t, h, req)

	state := h.engine.ExportState()

	h2 := newHarness(t)
	h2.engine.RestoreState(state)

	trades := h2.engine.Trades("alice", 0)
	if len(trades) != 1 {
		t.Fatalf("restored trades: got %d, want 1", len(trades))
	}
	if trades[0].Collateral != netCollateral {
		t.Errorf("restored collateral: got %d, want %d", trades[0].Collateral, netCollateral)
	}
	if got := len(h2.engine.PendingOrders("bob", 0)); got != 1 {
		t.Errorf("restored orders: got %d, want 1", got)
	}
	if got, want := h2.engine.Sequence(), h.engine.Sequence(); got != want {
		t.Errorf("restored sequence: got %d, want %d", got, want)
	}

	// New outcomes continue the sequence instead of colliding with history.
	out, err := h2.engine.CloseTradeMarket("alice", 0, 0, []byte("p"))
	if err != nil {
		t.Fatalf("close after restore: %v", err)
	}
	if out.OrderID <= uint64(state.Sequence) {
		t.Errorf("post-restore order id %d not past snapshot sequence %d", out.OrderID, state.Sequence)
	}
}
