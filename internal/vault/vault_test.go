package vault_test

import (
	"errors"
	"testing"

	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/vault"
)

const dayMicros = int64(24 * 60 * 60 * 1_000_000)

// newVault uses a 1ms epoch and a 2-epoch withdraw lock so tests can advance
// epochs with small timestamps. Caps are generous enough not to bind unless a
// test wants them to.
func newVault() *vault.Vault {
	return vault.New(vault.Params{
		EpochDurationMicros:         1000,
		WithdrawEpochsLock:          2,
		MaxAccPnlDeltaPerToken:      fpmath.One,
		MaxDailyAccPnlDeltaPerToken: fpmath.One,
		CollateralizationP:          fpmath.One,
		MaxDiscountP:                fpmath.One / 10,
		MaxDiscountThresholdP:       fpmath.One,
		MinLockDuration:             1000,
		MaxLockDuration:             10_000,
	}, 0)
}

// ============================================================================
// Test: deposit / mint
// ============================================================================

func TestDeposit_MintsAtSharePrice(t *testing.T) {
	v := newVault()
	shares, err := v.Deposit(1_000_000, "lp", 0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares != 1_000_000 {
		t.Errorf("shares at genesis price: got %d, want 1000000", shares)
	}
	if got := v.SharesOf("lp"); got != 1_000_000 {
		t.Errorf("free shares: got %d, want 1000000", got)
	}
	if got := v.Assets(); got != 1_000_000 {
		t.Errorf("assets: got %d, want 1000000", got)
	}
}

func TestDeposit_RejectsZero(t *testing.T) {
	v := newVault()
	if _, err := v.Deposit(0, "lp", 0); !errors.Is(err, vault.ErrZeroAmount) {
		t.Errorf("got %v, want ErrZeroAmount", err)
	}
}

func TestMint_ChargesRoundedUpAssets(t *testing.T) {
	v := newVault()
	assets, err := v.Mint(500, "lp", 0)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if assets != 500 {
		t.Errorf("assets at genesis price: got %d, want 500", assets)
	}
	if got := v.TotalShares(); got != 500 {
		t.Errorf("total shares: got %d, want 500", got)
	}
}

// ============================================================================
// Test: epoch folding
// ============================================================================

func TestReceiveAssets_PriceMovesOnlyAtEpoch(t *testing.T) {
	v := newVault()
	v.Deposit(1_000_000, "lp", 0)
	v.ReceiveAssets(10_000, 0)

	// Assets move immediately, the share price does not.
	if got := v.Assets(); got != 1_010_000 {
		t.Errorf("assets: got %d, want 1010000", got)
	}
	if got := v.SharePrice(); got != fpmath.One {
		t.Errorf("price before epoch: got %d, want %d", got, fpmath.One)
	}

	v.Tick(1000)
	// 10_000 pnl over 1_000_000 shares = +1% per token.
	want := fpmath.One + fpmath.One/100
	if got := v.SharePrice(); got != want {
		t.Errorf("price after epoch: got %d, want %d", got, want)
	}
	if got := v.PendingPnl(); got != 0 {
		t.Errorf("pending pnl after fold: got %d, want 0", got)
	}
}

func TestFoldPendingPnl_EpochCapDefersExcess(t *testing.T) {
	v := vault.New(vault.Params{
		EpochDurationMicros:         1000,
		WithdrawEpochsLock:          2,
		MaxAccPnlDeltaPerToken:      fpmath.One / 200, // 0.5% per epoch
		MaxDailyAccPnlDeltaPerToken: fpmath.One,
	}, 0)
	v.Deposit(1_000_000, "lp", 0)
	v.ReceiveAssets(10_000, 0) // +1% if folded at once

	v.Tick(1000)
	if got := v.SharePrice(); got != fpmath.One+fpmath.One/200 {
		t.Errorf("first epoch clamps to cap: got %d, want %d", got, fpmath.One+fpmath.One/200)
	}
	if got := v.PendingPnl(); got != 5000 {
		t.Errorf("excess deferred: got %d, want 5000", got)
	}

	// The remainder folds the next epoch.
	v.Tick(2000)
	if got := v.SharePrice(); got != fpmath.One+fpmath.One/100 {
		t.Errorf("second epoch: got %d, want %d", got, fpmath.One+fpmath.One/100)
	}
	if got := v.PendingPnl(); got != 0 {
		t.Errorf("pending after carry: got %d, want 0", got)
	}
}

func TestFoldPendingPnl_DailyCapDefersToNextDay(t *testing.T) {
	epochDur := dayMicros / 3
	v := vault.New(vault.Params{
		EpochDurationMicros:         epochDur,
		WithdrawEpochsLock:          2,
		MaxAccPnlDeltaPerToken:      fpmath.One / 200,
		MaxDailyAccPnlDeltaPerToken: fpmath.One / 200, // one epoch exhausts the day
	}, 0)
	v.Deposit(1_000_000, "lp", 0)
	v.ReceiveAssets(10_000, 0)

	v.Tick(epochDur)
	if got := v.PendingPnl(); got != 5000 {
		t.Fatalf("after first epoch: got %d, want 5000", got)
	}

	// Second epoch of the same day: daily headroom is zero.
	v.Tick(2 * epochDur)
	if got := v.PendingPnl(); got != 5000 {
		t.Errorf("daily cap should defer: pending got %d, want 5000", got)
	}
	if got := v.SharePrice(); got != fpmath.One+fpmath.One/200 {
		t.Errorf("price should not move: got %d", got)
	}

	// Third epoch starts a new day and folds the remainder.
	v.Tick(3 * epochDur)
	if got := v.PendingPnl(); got != 0 {
		t.Errorf("after day roll: pending got %d, want 0", got)
	}
	if got := v.SharePrice(); got != fpmath.One+fpmath.One/100 {
		t.Errorf("after day roll: price got %d, want %d", got, fpmath.One+fpmath.One/100)
	}
}

func TestSharePrice_FloorsAtOne(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)

	s := v.ExportState()
	s.AccPnlPerToken = -2 * fpmath.One // accounting deep underwater
	v.RestoreState(s)

	if got := v.SharePrice(); got != 1 {
		t.Errorf("got %d, want floor of 1", got)
	}
}

// ============================================================================
// Test: previews
// ============================================================================

func TestPreviews_AtElevatedPrice(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)

	// Pin the price at exactly 2 assets per share.
	s := v.ExportState()
	s.AccPnlPerToken = fpmath.One
	v.RestoreState(s)

	if got := v.PreviewDeposit(1000); got != 500 {
		t.Errorf("preview deposit: got %d, want 500", got)
	}
	if got := v.PreviewMint(500); got != 1000 {
		t.Errorf("preview mint: got %d, want 1000", got)
	}
	if got := v.PreviewRedeem(500); got != 1000 {
		t.Errorf("preview redeem: got %d, want 1000", got)
	}
	// 999 assets needs 499.5 shares; withdraw rounds against the caller.
	if got := v.PreviewWithdraw(999); got != 500 {
		t.Errorf("preview withdraw: got %d, want 500", got)
	}
}

// ============================================================================
// Test: epoch-gated withdrawal
// ============================================================================

func TestRedeem_RequiresUnlockedRequest(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)

	unlockEpoch, err := v.MakeWithdrawRequest(400, "lp", 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if unlockEpoch != 2 {
		t.Errorf("unlock epoch: got %d, want 2", unlockEpoch)
	}

	if _, err := v.Redeem(400, "lp", 0); !errors.Is(err, vault.ErrWithdrawNotReady) {
		t.Errorf("before unlock: got %v, want ErrWithdrawNotReady", err)
	}
	if got := v.MaxRedeem("lp", 1999); got != 0 {
		t.Errorf("max redeem one epoch early: got %d, want 0", got)
	}

	// Epoch 2 reached: the request unlocks.
	if got := v.MaxRedeem("lp", 2000); got != 400 {
		t.Errorf("max redeem at unlock: got %d, want 400", got)
	}
	assets, err := v.Redeem(400, "lp", 2000)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if assets != 400 {
		t.Errorf("redeemed assets: got %d, want 400", assets)
	}
	if got := v.SharesOf("lp"); got != 600 {
		t.Errorf("remaining shares: got %d, want 600", got)
	}
	if got := v.Assets(); got != 600 {
		t.Errorf("remaining assets: got %d, want 600", got)
	}
}

func TestMakeWithdrawRequest_CannotOverReserve(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)
	if _, err := v.MakeWithdrawRequest(400, "lp", 0); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// 600 unreserved shares remain; 700 more must be rejected.
	if _, err := v.MakeWithdrawRequest(700, "lp", 0); !errors.Is(err, vault.ErrAboveMax) {
		t.Errorf("got %v, want ErrAboveMax", err)
	}
}

func TestWithdraw_BurnsRoundedUpShares(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)
	v.MakeWithdrawRequest(500, "lp", 0)

	shares, err := v.Withdraw(200, "lp", 2000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if shares != 200 {
		t.Errorf("burned shares: got %d, want 200", shares)
	}
	if got := v.SharesOf("lp"); got != 800 {
		t.Errorf("remaining shares: got %d, want 800", got)
	}
}

// ============================================================================
// Test: locked discounted deposits
// ============================================================================

func TestPreviewDiscountP_Bounds(t *testing.T) {
	v := newVault()
	if _, err := v.PreviewDiscountP(999); !errors.Is(err, vault.ErrBelowMin) {
		t.Errorf("short lock: got %v, want ErrBelowMin", err)
	}
	if _, err := v.PreviewDiscountP(10_001); !errors.Is(err, vault.ErrAboveMax) {
		t.Errorf("long lock: got %v, want ErrAboveMax", err)
	}
}

func TestPreviewDiscountP_ScalesWithDuration(t *testing.T) {
	v := newVault()

	// Half the max lock at full collateralization earns half the max discount.
	got, err := v.PreviewDiscountP(5000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != fpmath.One/20 {
		t.Errorf("half lock: got %d, want %d", got, fpmath.One/20)
	}

	got, err = v.PreviewDiscountP(10_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got != fpmath.One/10 {
		t.Errorf("full lock: got %d, want %d", got, fpmath.One/10)
	}
}

func TestDepositWithDiscountAndLock_BeatsPlainDeposit(t *testing.T) {
	v := newVault()
	plain := v.PreviewDeposit(1_000_000)

	ld, err := v.DepositWithDiscountAndLock(1_000_000, 5000, "lp", 0)
	if err != nil {
		t.Fatalf("locked deposit: %v", err)
	}
	// 5% discount on 1_000_000 base shares.
	if ld.Shares != 1_050_000 {
		t.Errorf("shares: got %d, want 1050000", ld.Shares)
	}
	if ld.Shares <= plain {
		t.Errorf("locked deposit (%d) must beat plain deposit (%d)", ld.Shares, plain)
	}
	if ld.UnlockAtMicros != 5000 {
		t.Errorf("unlock at: got %d, want 5000", ld.UnlockAtMicros)
	}

	// Shares exist but are not free until unlocked.
	if got := v.TotalShares(); got != 1_050_000 {
		t.Errorf("total shares: got %d, want 1050000", got)
	}
	if got := v.SharesOf("lp"); got != 0 {
		t.Errorf("free shares before unlock: got %d, want 0", got)
	}
}

func TestUnlockDeposit_GatedByMaturity(t *testing.T) {
	v := newVault()
	ld, err := v.DepositWithDiscountAndLock(1_000_000, 5000, "lp", 0)
	if err != nil {
		t.Fatalf("locked deposit: %v", err)
	}
	claim := ld.ID.String()

	if _, err := v.UnlockDeposit(claim, 4999); !errors.Is(err, vault.ErrNotUnlocked) {
		t.Errorf("before maturity: got %v, want ErrNotUnlocked", err)
	}

	shares, err := v.UnlockDeposit(claim, 5000)
	if err != nil {
		t.Fatalf("unlock at maturity: %v", err)
	}
	if shares != ld.Shares {
		t.Errorf("unlocked shares: got %d, want %d", shares, ld.Shares)
	}
	if got := v.SharesOf("lp"); got != ld.Shares {
		t.Errorf("free shares: got %d, want %d", got, ld.Shares)
	}

	if _, err := v.UnlockDeposit(claim, 5000); !errors.Is(err, vault.ErrNoLockedDeposit) {
		t.Errorf("double unlock: got %v, want ErrNoLockedDeposit", err)
	}
}

func TestTransferLockedDeposit(t *testing.T) {
	v := newVault()
	ld, err := v.DepositWithDiscountAndLock(1_000_000, 5000, "alice", 0)
	if err != nil {
		t.Fatalf("locked deposit: %v", err)
	}
	claim := ld.ID.String()

	if err := v.TransferLockedDeposit(claim, "mallory", "bob"); !errors.Is(err, vault.ErrNotOwner) {
		t.Errorf("wrong owner: got %v, want ErrNotOwner", err)
	}
	if err := v.TransferLockedDeposit(claim, "alice", "bob"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The new claim owner collects the shares.
	if _, err := v.UnlockDeposit(claim, 5000); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got := v.SharesOf("bob"); got != ld.Shares {
		t.Errorf("bob shares: got %d, want %d", got, ld.Shares)
	}
	if got := v.SharesOf("alice"); got != 0 {
		t.Errorf("alice shares: got %d, want 0", got)
	}
}

// ============================================================================
// Test: settlement
// ============================================================================

func TestSendAssets_FailsWhenPoolCannotCover(t *testing.T) {
	v := newVault()
	v.Deposit(1000, "lp", 0)

	if err := v.SendAssets(1001, 0); !errors.Is(err, vault.ErrNotEnoughAssets) {
		t.Errorf("got %v, want ErrNotEnoughAssets", err)
	}
	// A failed payout must not move the books.
	if got := v.Assets(); got != 1000 {
		t.Errorf("assets after failed payout: got %d, want 1000", got)
	}

	if err := v.SendAssets(400, 0); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if got := v.Assets(); got != 600 {
		t.Errorf("assets: got %d, want 600", got)
	}
	if got := v.PendingPnl(); got != -400 {
		t.Errorf("pending pnl: got %d, want -400", got)
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestExportRestore_RoundTrip(t *testing.T) {
	v := newVault()
	v.Deposit(1_000_000, "alice", 0)
	v.Deposit(500_000, "bob", 0)
	v.MakeWithdrawRequest(200_000, "alice", 0)
	ld, err := v.DepositWithDiscountAndLock(100_000, 5000, "bob", 0)
	if err != nil {
		t.Fatalf("locked deposit: %v", err)
	}
	v.ReceiveAssets(10_000, 0)
	v.Tick(1000)

	restored := vault.New(vault.Params{}, 0)
	restored.RestoreState(v.ExportState())

	if got, want := restored.SharePrice(), v.SharePrice(); got != want {
		t.Errorf("share price: got %d, want %d", got, want)
	}
	if got, want := restored.Assets(), v.Assets(); got != want {
		t.Errorf("assets: got %d, want %d", got, want)
	}
	if got, want := restored.TotalShares(), v.TotalShares(); got != want {
		t.Errorf("total shares: got %d, want %d", got, want)
	}
	if got, want := restored.SharesOf("alice"), v.SharesOf("alice"); got != want {
		t.Errorf("alice shares: got %d, want %d", got, want)
	}
	if got, want := restored.MaxRedeem("alice", 2000), v.MaxRedeem("alice", 2000); got != want {
		t.Errorf("alice max redeem: got %d, want %d", got, want)
	}
	gotLD, ok := restored.LockedDepositOf(ld.ID.String())
	if !ok {
		t.Fatal("locked deposit missing after restore")
	}
	if gotLD != *ld {
		t.Errorf("locked deposit: got %+v, want %+v", gotLD, *ld)
	}
	if got, want := restored.CurrentEpoch(), v.CurrentEpoch(); got != want {
		t.Errorf("epoch: got %+v, want %+v", got, want)
	}
}
