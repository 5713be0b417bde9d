package vault

import (
	"errors"
	"fmt"
	"sync"

	"PerpEngine/internal/fpmath"
)

var (
	ErrNotEnoughAssets  = errors.New("vault cannot cover payout")
	ErrWithdrawNotReady = errors.New("withdraw request not yet unlocked")
	ErrNotUnlocked      = errors.New("locked deposit not yet unlocked")
	ErrNoLockedDeposit  = errors.New("no such locked deposit")
	ErrNotOwner         = errors.New("caller does not own the claim")
	ErrZeroAmount       = errors.New("amount must be positive")
	ErrBelowMin         = errors.New("parameter below minimum")
	ErrAboveMax         = errors.New("parameter above maximum")
)

const dayMicros = int64(24 * 60 * 60 * 1_000_000)

// Params configures the share-pricing engine.
type Params struct {
	EpochDurationMicros int64
	WithdrawEpochsLock  int64 // epochs a withdraw request waits before unlocking

	// Per-epoch and per-day caps on the share-price delta folded in from
	// realized PnL, percent scale. Excess is deferred to later epochs.
	MaxAccPnlDeltaPerToken      int64
	MaxDailyAccPnlDeltaPerToken int64

	// Locked-deposit discount curve.
	CollateralizationP    int64 // percent scale
	MaxDiscountP          int64 // percent scale
	MaxDiscountThresholdP int64 // collateralization at/above which the full discount applies
	MinLockDuration       int64 // micros
	MaxLockDuration       int64 // micros
}

// Epoch is one vault accounting period.
type Epoch struct {
	ID    int64
	Start int64 // micros
}

// Vault is the pooled-collateral share-pricing engine backing counterparty
// PnL. Share price steps once per epoch, never per trade: realized PnL lands
// in pendingPnl and is folded into accPnlPerToken only on epoch advancement,
// clamped by the per-epoch and daily caps.
type Vault struct {
	mu     sync.Mutex
	params Params

	totalShares    int64
	freeShares     map[string]int64
	assets         int64 // pooled collateral actually held, collateral scale
	accPnlPerToken int64 // percent scale: share price = One + accPnlPerToken
	pendingPnl     int64 // realized PnL awaiting epoch folding, collateral scale

	epoch      Epoch
	dayStart   int64
	dailyDelta int64 // |accPnlPerToken| movement applied in the current day

	// owner -> unlockEpoch -> shares reserved for withdrawal
	withdrawRequests map[string]map[int64]int64
	requestedShares  map[string]int64

	locked map[string]*LockedDeposit // keyed by claim token ID
}

func New(params Params, genesisMicros int64) *Vault {
	return &Vault{
		params:           params,
		freeShares:       make(map[string]int64),
		withdrawRequests: make(map[string]map[int64]int64),
		requestedShares:  make(map[string]int64),
		locked:           make(map[string]*LockedDeposit),
		epoch:            Epoch{ID: 0, Start: genesisMicros},
		dayStart:         genesisMicros,
	}
}

// Tick advances epochs up to now. There is no scheduler: callers invoke this
// at the top of every entry point, and the engine calls it on block advance.
func (v *Vault) Tick(nowMicros int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)
}

func (v *Vault) tickLocked(now int64) {
	if v.params.EpochDurationMicros <= 0 {
		return
	}
	for now >= v.epoch.Start+v.params.EpochDurationMicros {
		v.epoch.ID++
		v.epoch.Start += v.params.EpochDurationMicros

		for v.epoch.Start >= v.dayStart+dayMicros {
			v.dayStart += dayMicros
			v.dailyDelta = 0
		}

		v.foldPendingPnl()
	}
}

// foldPendingPnl moves deferred PnL into the share price, clamped by the
// per-epoch cap and the remaining daily headroom.
func (v *Vault) foldPendingPnl() {
	if v.pendingPnl == 0 || v.totalShares == 0 {
		return
	}

	deltaP := fpmath.MulDiv(v.pendingPnl, fpmath.One, v.totalShares, fpmath.RoundDown)

	bound := v.params.MaxAccPnlDeltaPerToken
	if daily := v.params.MaxDailyAccPnlDeltaPerToken - v.dailyDelta; daily < bound {
		bound = daily
	}
	if bound < 0 {
		bound = 0
	}
	deltaP = fpmath.ClampAbs(deltaP, bound)
	if deltaP == 0 {
		return
	}

	applied := fpmath.MulDiv(deltaP, v.totalShares, fpmath.One, fpmath.RoundDown)
	v.accPnlPerToken += deltaP
	v.dailyDelta += fpmath.AbsInt64(deltaP)
	v.pendingPnl -= applied
}

// --- Share pricing ---

// SharePrice returns the current assets-per-share price, percent scale
// (One == 1 asset per share).
func (v *Vault) SharePrice() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sharePriceLocked()
}

func (v *Vault) sharePriceLocked() int64 {
	p := fpmath.One + v.accPnlPerToken
	if p < 1 {
		p = 1 // price floors just above zero; shares never become worthless divisors
	}
	return p
}

// PreviewDeposit returns the shares minted for a given asset amount.
func (v *Vault) PreviewDeposit(assets int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fpmath.MulDiv(assets, fpmath.One, v.sharePriceLocked(), fpmath.RoundDown)
}

// PreviewMint returns the assets required to mint the given shares.
func (v *Vault) PreviewMint(shares int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fpmath.MulDiv(shares, v.sharePriceLocked(), fpmath.One, fpmath.RoundUp)
}

// PreviewRedeem returns the assets paid out for redeeming shares.
func (v *Vault) PreviewRedeem(shares int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fpmath.MulDiv(shares, v.sharePriceLocked(), fpmath.One, fpmath.RoundDown)
}

// PreviewWithdraw returns the shares burned to withdraw the given assets.
func (v *Vault) PreviewWithdraw(assets int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fpmath.MulDiv(assets, fpmath.One, v.sharePriceLocked(), fpmath.RoundUp)
}

// --- Deposit / mint ---

// Deposit mints shares for assets at the current epoch's share price.
func (v *Vault) Deposit(assets int64, receiver string, nowMicros int64) (int64, error) {
	if assets <= 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)

	shares := fpmath.MulDiv(assets, fpmath.One, v.sharePriceLocked(), fpmath.RoundDown)
	if shares <= 0 {
		return 0, fmt.Errorf("%w: deposit too small for current share price", ErrBelowMin)
	}
	v.assets += assets
	v.totalShares += shares
	v.freeShares[receiver] += shares
	return shares, nil
}

// Mint deposits exactly enough assets to mint the given shares.
func (v *Vault) Mint(shares int64, receiver string, nowMicros int64) (int64, error) {
	if shares <= 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)

	assets := fpmath.MulDiv(shares, v.sharePriceLocked(), fpmath.One, fpmath.RoundUp)
	v.assets += assets
	v.totalShares += shares
	v.freeShares[receiver] += shares
	return assets, nil
}

// --- Epoch-gated withdrawal ---

// MakeWithdrawRequest reserves shares for redemption once
// WithdrawEpochsLock epochs have elapsed.
func (v *Vault) MakeWithdrawRequest(shares int64, owner string, nowMicros int64) (int64, error) {
	if shares <= 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)

	if v.freeShares[owner]-v.requestedShares[owner] < shares {
		return 0, fmt.Errorf("%w: insufficient unreserved shares", ErrAboveMax)
	}

	unlockEpoch := v.epoch.ID + v.params.WithdrawEpochsLock
	reqs := v.withdrawRequests[owner]
	if reqs == nil {
		reqs = make(map[int64]int64)
		v.withdrawRequests[owner] = reqs
	}
	reqs[unlockEpoch] += shares
	v.requestedShares[owner] += shares
	return unlockEpoch, nil
}

// unlockedSharesLocked sums withdraw-request shares whose epoch has passed.
func (v *Vault) unlockedSharesLocked(owner string) int64 {
	var total int64
	for epoch, shares := range v.withdrawRequests[owner] {
		if epoch <= v.epoch.ID {
			total += shares
		}
	}
	if have := v.freeShares[owner]; total > have {
		total = have
	}
	return total
}

// MaxRedeem returns the shares currently redeemable: only the unlocked
// portion of prior withdraw requests.
func (v *Vault) MaxRedeem(owner string, nowMicros int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)
	return v.unlockedSharesLocked(owner)
}

// MaxWithdraw returns the asset value of the unlocked portion.
func (v *Vault) MaxWithdraw(owner string, nowMicros int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)
	return fpmath.MulDiv(v.unlockedSharesLocked(owner), v.sharePriceLocked(), fpmath.One, fpmath.RoundDown)
}

// Redeem burns unlocked shares and returns the assets paid out.
func (v *Vault) Redeem(shares int64, owner string, nowMicros int64) (int64, error) {
	if shares <= 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)

	if shares > v.unlockedSharesLocked(owner) {
		return 0, ErrWithdrawNotReady
	}

	assets := fpmath.MulDiv(shares, v.sharePriceLocked(), fpmath.One, fpmath.RoundDown)
	if assets > v.assets {
		return 0, ErrNotEnoughAssets
	}

	v.consumeRequestsLocked(owner, shares)
	v.freeShares[owner] -= shares
	if v.freeShares[owner] == 0 {
		delete(v.freeShares, owner)
	}
	v.totalShares -= shares
	v.assets -= assets
	return assets, nil
}

// Withdraw burns exactly enough unlocked shares to pay out assets.
func (v *Vault) Withdraw(assets int64, owner string, nowMicros int64) (int64, error) {
	if assets <= 0 {
		return 0, ErrZeroAmount
	}
	shares := fpmath.MulDiv(assets, fpmath.One, v.SharePrice(), fpmath.RoundUp)
	if _, err := v.Redeem(shares, owner, nowMicros); err != nil {
		return 0, err
	}
	return shares, nil
}

// consumeRequestsLocked burns withdraw-request reservations oldest-epoch
// first so the remaining reservations stay as unlocked as possible.
func (v *Vault) consumeRequestsLocked(owner string, shares int64) {
	reqs := v.withdrawRequests[owner]
	remaining := shares
	// Walk unlocked epochs in ascending order.
	for _, ep := range sortedEpochs(reqs) {
		if remaining <= 0 || ep > v.epoch.ID {
			break
		}
		take := reqs[ep]
		if take > remaining {
			take = remaining
		}
		reqs[ep] -= take
		if reqs[ep] == 0 {
			delete(reqs, ep)
		}
		remaining -= take
	}
	v.requestedShares[owner] -= shares - remaining
	if v.requestedShares[owner] <= 0 {
		delete(v.requestedShares, owner)
	}
	if len(reqs) == 0 {
		delete(v.withdrawRequests, owner)
	}
}

// --- Settlement interface consumed by the trading engine ---

// ReceiveAssets absorbs collateral from a losing trade (or fees). The asset
// balance moves immediately; the share price only moves at the next epoch.
func (v *Vault) ReceiveAssets(amount int64, nowMicros int64) {
	if amount <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)
	v.assets += amount
	v.pendingPnl += amount
}

// SendAssets pays a winning trade from pooled collateral. Fails with
// ErrNotEnoughAssets when the pool cannot cover the payout — the caller keeps
// the trade open and retries rather than force-closing at the pool's expense.
func (v *Vault) SendAssets(amount int64, nowMicros int64) error {
	if amount <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickLocked(nowMicros)
	if amount > v.assets {
		return fmt.Errorf("%w: need %d, have %d", ErrNotEnoughAssets, amount, v.assets)
	}
	v.assets -= amount
	v.pendingPnl -= amount
	return nil
}

// --- Inspection ---

func (v *Vault) Assets() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.assets
}

func (v *Vault) TotalShares() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalShares
}

func (v *Vault) SharesOf(owner string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.freeShares[owner]
}

func (v *Vault) PendingPnl() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pendingPnl
}

func (v *Vault) CurrentEpoch() Epoch {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epoch
}

func sortedEpochs(m map[int64]int64) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
