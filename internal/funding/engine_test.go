package funding_test

import (
	"errors"
	"testing"

	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/funding"
	"PerpEngine/internal/oracle"
)

type stubVerifier struct {
	asOf int64
}

func (s *stubVerifier) Verify(proof []byte, ids []uint16) ([]oracle.VerifiedPrice, error) {
	s.asOf++
	out := make([]oracle.VerifiedPrice, 0, len(ids))
	for _, id := range ids {
		out = append(out, oracle.VerifiedPrice{InstrumentID: id, Price: 50_000 * fpmath.One, AsOf: s.asOf})
	}
	return out, nil
}

// newFundingEngine registers group 0 (inert params) and pair 0 with
// feePerBlock=1000, exponent=1, maxOI=1_000_000.
func newFundingEngine(t *testing.T) *funding.Engine {
	t.Helper()
	e := funding.NewEngine(oracle.NewAdapter(&stubVerifier{}, 0))
	if err := e.RegisterGroup(0, funding.Params{}); err != nil {
		t.Fatalf("register group: %v", err)
	}
	if err := e.RegisterPair(0, 0, funding.Params{FeePerBlock: 1000, FeeExponent: 1, MaxOI: 1_000_000}); err != nil {
		t.Fatalf("register pair: %v", err)
	}
	return e
}

// ============================================================================
// Test: registration
// ============================================================================

func TestRegisterPair_UnknownGroup(t *testing.T) {
	e := funding.NewEngine(oracle.NewAdapter(&stubVerifier{}, 0))
	err := e.RegisterPair(0, 7, funding.Params{})
	if !errors.Is(err, funding.ErrUnknownGroup) {
		t.Errorf("got %v, want ErrUnknownGroup", err)
	}
}

func TestRate_UnknownPair(t *testing.T) {
	e := newFundingEngine(t)
	if _, err := e.Rate(9); !errors.Is(err, funding.ErrUnknownPair) {
		t.Errorf("got %v, want ErrUnknownPair", err)
	}
}

func TestSync_UnknownPairLeavesOracleUntouched(t *testing.T) {
	stub := &stubVerifier{}
	e := funding.NewEngine(oracle.NewAdapter(stub, 0))
	if err := e.SyncFundingFee(9, []byte("p"), 100, 1); !errors.Is(err, funding.ErrUnknownPair) {
		t.Fatalf("got %v, want ErrUnknownPair", err)
	}
	// The rejected sync must not have advanced the forward-only cache.
	if stub.asOf != 0 {
		t.Errorf("oracle consulted %d times for an unknown pair, want 0", stub.asOf)
	}
}

// ============================================================================
// Test: lazy accrual
// ============================================================================

func TestSync_FirstSyncIsBaselineOnly(t *testing.T) {
	e := newFundingEngine(t)
	if err := e.AddOpenInterest(0, true, 500_000); err != nil {
		t.Fatalf("add OI: %v", err)
	}

	// Nothing accrues before the first sync, and the first sync itself only
	// anchors the block.
	if err := e.SyncFundingFee(0, []byte("p"), 100, 1); err != nil {
		t.Fatalf("sync: %v", err)
	}
	acc, err := e.AccRate(0, true)
	if err != nil {
		t.Fatalf("acc rate: %v", err)
	}
	if acc != 0 {
		t.Errorf("accumulator after baseline sync: got %d, want 0", acc)
	}
}

func TestSync_AccruesTowardMajoritySide(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 500_000) // 50% imbalance long

	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 110, 2)

	// rate = 1000 * (500000/1000000)^1 = 500 per block, 10 blocks elapsed
	accLong, _ := e.AccRate(0, true)
	accShort, _ := e.AccRate(0, false)
	if accLong != 5000 {
		t.Errorf("long accumulator: got %d, want 5000", accLong)
	}
	if accShort != -5000 {
		t.Errorf("short accumulator: got %d, want -5000", accShort)
	}

	rate, _ := e.Rate(0)
	if rate != 500 {
		t.Errorf("rate: got %d, want 500", rate)
	}
}

func TestSync_SignFlipsWithImbalance(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, false, 400_000) // shorts majority

	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 105, 2)

	accLong, _ := e.AccRate(0, true)
	if accLong >= 0 {
		t.Errorf("long accumulator with short majority: got %d, want negative", accLong)
	}
	rate, _ := e.Rate(0)
	if rate >= 0 {
		t.Errorf("rate with short majority: got %d, want negative", rate)
	}
}

func TestSync_BalancedBookAccruesNothing(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 300_000)
	e.AddOpenInterest(0, false, 300_000)

	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 200, 2)

	accLong, _ := e.AccRate(0, true)
	if accLong != 0 {
		t.Errorf("balanced book: got %d, want 0", accLong)
	}
}

// ============================================================================
// Test: open-interest caps
// ============================================================================

func TestAddOpenInterest_MaxOIExceeded(t *testing.T) {
	e := newFundingEngine(t)
	if err := e.AddOpenInterest(0, true, 1_000_000); err != nil {
		t.Fatalf("at cap should succeed: %v", err)
	}
	err := e.AddOpenInterest(0, true, 1)
	if !errors.Is(err, funding.ErrMaxOIExceeded) {
		t.Errorf("got %v, want ErrMaxOIExceeded", err)
	}
}

func TestRemoveOpenInterest_FloorsAtZero(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 100)
	e.RemoveOpenInterest(0, true, 500)

	st, err := e.PairState(0)
	if err != nil {
		t.Fatalf("pair state: %v", err)
	}
	if st.LongOI != 0 {
		t.Errorf("long OI: got %d, want 0", st.LongOI)
	}
}

// ============================================================================
// Test: trade funding fee
// ============================================================================

func TestTradeFundingFee_MajoritySidePays(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 500_000)
	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 110, 2)

	// A long opened at accumulator 0 owes size * 5000 / One.
	fee, err := e.TradeFundingFee(0, true, 10_000_000_000, 0)
	if err != nil {
		t.Fatalf("funding fee: %v", err)
	}
	if fee != 5_000 {
		t.Errorf("long fee: got %d, want 5000", fee)
	}

	// The minority side receives.
	fee, err = e.TradeFundingFee(0, false, 10_000_000_000, 0)
	if err != nil {
		t.Fatalf("funding fee: %v", err)
	}
	if fee >= 0 {
		t.Errorf("short fee: got %d, want negative", fee)
	}
}

func TestPredictTradeFundingFee(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 500_000)
	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 101, 2)

	// Current rate 500/block; 20 blocks held: size * 10_000 / One.
	fee, err := e.PredictTradeFundingFee(0, true, 10_000_000_000, 20)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if fee != 10_000 {
		t.Errorf("got %d, want 10000", fee)
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestExportRestore_RoundTrip(t *testing.T) {
	e := newFundingEngine(t)
	e.AddOpenInterest(0, true, 500_000)
	e.SyncFundingFee(0, []byte("p"), 100, 1)
	e.SyncFundingFee(0, []byte("p"), 110, 2)

	restored := funding.NewEngine(oracle.NewAdapter(&stubVerifier{}, 0))
	restored.RestoreStates(e.ExportStates())

	wantAcc, _ := e.AccRate(0, true)
	gotAcc, err := restored.AccRate(0, true)
	if err != nil {
		t.Fatalf("restored acc rate: %v", err)
	}
	if gotAcc != wantAcc {
		t.Errorf("restored accumulator: got %d, want %d", gotAcc, wantAcc)
	}

	wantState, _ := e.PairState(0)
	gotState, _ := restored.PairState(0)
	if gotState != wantState {
		t.Errorf("restored pair state: got %+v, want %+v", gotState, wantState)
	}
}
