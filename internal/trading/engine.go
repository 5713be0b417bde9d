package trading

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpEngine/internal/escrow"
	"PerpEngine/internal/event"
	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/funding"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/registry"
	"PerpEngine/internal/vault"
)

// MaxGainP caps a winning trade's PnL at +900% of collateral.
const MaxGainP = 9 * fpmath.One

// Engine is the single-writer order state machine. Every operation runs under
// one lock against the versioned block/time inputs set by AdvanceBlock; wall
// clock never enters a decision.
type Engine struct {
	mu sync.Mutex

	log      zerolog.Logger
	registry *registry.Registry
	oracle   *oracle.Adapter
	funding  *funding.Engine
	vault    *vault.Vault
	escrow   *escrow.Escrow
	ledger   *Ledger
	metrics  *observability.Metrics

	referrers map[string]string // trader -> referrer

	sequence int64 // monotonic operation counter, assigned to every outcome
	block    int64
	now      int64 // micros

	persistChan chan<- event.Envelope
	publishChan chan<- event.Envelope
}

// Deps wires the engine's collaborators. PersistChan blocks (history must not
// be lost); PublishChan is best-effort and drops when full.
type Deps struct {
	Logger      zerolog.Logger
	Registry    *registry.Registry
	Oracle      *oracle.Adapter
	Funding     *funding.Engine
	Vault       *vault.Vault
	Escrow      *escrow.Escrow
	Metrics     *observability.Metrics
	PersistChan chan<- event.Envelope
	PublishChan chan<- event.Envelope
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		log:         d.Logger.With().Str("component", "trading_engine").Logger(),
		registry:    d.Registry,
		oracle:      d.Oracle,
		funding:     d.Funding,
		vault:       d.Vault,
		escrow:      d.Escrow,
		ledger:      NewLedger(),
		metrics:     d.Metrics,
		referrers:   make(map[string]string),
		persistChan: d.PersistChan,
		publishChan: d.PublishChan,
	}
}

// AdvanceBlock moves the engine's versioned clock forward and steps the vault
// epoch. Blocks never move backward.
func (e *Engine) AdvanceBlock(block, nowMicros int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if block < e.block {
		e.log.Warn().Int64("block", block).Int64("current", e.block).Msg("ignoring backward block")
		return
	}
	e.block = block
	e.now = nowMicros

	before := e.vault.CurrentEpoch()
	e.vault.Tick(nowMicros)
	after := e.vault.CurrentEpoch()
	if after.ID != before.ID {
		e.emit(event.Wrap(e.nextSeq(), "", nil, e.block, e.now, &event.EpochAdvanced{
			EpochID:        after.ID,
			EpochStart:     after.Start,
			AccPnlPerToken: e.vault.SharePrice() - fpmath.One,
			SharePrice:     e.vault.SharePrice(),
			PendingPnl:     e.vault.PendingPnl(),
		}))
		if e.metrics != nil {
			e.metrics.EpochAdvances.Inc()
		}
	}
}

// Block returns the engine's current versioned block.
func (e *Engine) Block() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block
}

// SetReferrer records the referrer credited a share of the trader's open fees.
// First write wins.
func (e *Engine) SetReferrer(trader, referrer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.referrers[trader]; !ok && referrer != "" && referrer != trader {
		e.referrers[trader] = referrer
	}
}

// SyncFunding accrues funding for a pair against a fresh oracle proof and
// emits the resulting rate snapshot.
func (e *Engine) SyncFunding(pairIndex uint16, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.funding.SyncFundingFee(pairIndex, proof, e.block, e.now); err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return err
	}

	ps, _ := e.funding.PairState(pairIndex)
	rate, _ := e.funding.Rate(pairIndex)
	e.emit(event.Wrap(e.nextSeq(), "", &pairIndex, e.block, e.now, &event.FundingSynced{
		PairIndex:    pairIndex,
		Rate:         rate,
		AccRateLong:  ps.AccRateLong,
		AccRateShort: ps.AccRateShort,
		LongOI:       ps.LongOI,
		ShortOI:      ps.ShortOI,
		SyncedBlock:  ps.LastSyncBlock,
	}))
	if e.metrics != nil {
		e.metrics.FundingSyncs.Inc()
	}
	return nil
}

// OpenRequest describes a market open or resting-order placement.
type OpenRequest struct {
	Trader     string
	PairIndex  uint16
	Type       OrderType
	Long       bool
	Collateral int64 // collateral scale, gross of fees
	Leverage   int64

	// Acceptable execution range, price scale. For market orders WantedPrice
	// anchors the slippage check; for resting orders MinPrice/MaxPrice are
	// the fill window.
	WantedPrice  int64
	MinPrice     int64
	MaxPrice     int64
	MaxSlippageP int64 // percent scale, market orders only

	TakeProfit int64 // 0 = unset
	StopLoss   int64 // 0 = unset
}

// OpenTrade executes a market open or stores a resting order. Market opens
// that fail execution checks cancel softly: the collateral minus the retained
// oracle fee is credited to escrow and the outcome reports the reason.
func (e *Engine) OpenTrade(req OpenRequest, proof []byte) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, group, fee, err := e.registry.PairGroupFee(req.PairIndex)
	if err != nil {
		return Outcome{}, err
	}
	if err := validateOpen(req, group, fee); err != nil {
		return Outcome{}, err
	}

	if req.Type != OrderTypeMarket {
		return e.placeOrder(req)
	}

	slot, free := e.ledger.FirstEmptyTradeSlot(req.Trader, req.PairIndex)
	if !free {
		return Outcome{}, fmt.Errorf("%w: all %d trade slots in use", ErrAboveMax, MaxTradesPerPair)
	}

	price, _, err := e.oracle.GetVerifiedPrice(proof, req.PairIndex, e.now)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return Outcome{}, err
	}

	size := fpmath.PositionSize(req.Collateral, req.Leverage)
	execPrice := e.executionPrice(pair, req.Long, size, price)

	if reason := e.openCancelReason(req, group, execPrice, size); reason != CancelNone {
		return e.cancelOpen(req, slot, fee, reason), nil
	}

	return e.fillOpen(req, slot, pair, fee, execPrice, req.Collateral, false)
}

// executionPrice applies half-spread and price impact against the trade.
func (e *Engine) executionPrice(pair registry.Pair, long bool, size, price int64) int64 {
	worsenP := pair.SpreadP/2 + e.registry.PriceImpactP(pair.Index, long, size, e.block)
	delta := fpmath.ApplyFraction(price, worsenP)
	if long {
		return price + delta
	}
	return price - delta
}

// openCancelReason runs the soft-cancellation checks for a market open.
func (e *Engine) openCancelReason(req OpenRequest, group registry.Group, execPrice, size int64) CancelReason {
	if req.MaxSlippageP > 0 && req.WantedPrice > 0 {
		slipP := fpmath.MulDiv(fpmath.AbsInt64(execPrice-req.WantedPrice), fpmath.One, req.WantedPrice, fpmath.RoundUp)
		if slipP > req.MaxSlippageP {
			return CancelSlippageExceeded
		}
	}
	if req.MinPrice > 0 && execPrice < req.MinPrice {
		return CancelPriceOutOfRange
	}
	if req.MaxPrice > 0 && execPrice > req.MaxPrice {
		return CancelPriceOutOfRange
	}
	if e.exposureExceeded(req.PairIndex, group, req.Long, size) {
		return CancelExposureCap
	}
	return CancelNone
}

// exposureExceeded checks the group's vault-relative collateral cap. The
// absolute pair and group OI caps live in the funding engine.
func (e *Engine) exposureExceeded(pairIndex uint16, group registry.Group, long bool, size int64) bool {
	if group.MaxCollateralP <= 0 {
		return false
	}
	gs, err := e.funding.GroupState(group.Index)
	if err != nil {
		return true
	}
	limit := fpmath.ApplyFraction(e.vault.Assets(), group.MaxCollateralP)
	sideOI := gs.ShortOI
	if long {
		sideOI = gs.LongOI
	}
	return sideOI+size > limit
}

// cancelOpen settles a soft-canceled market open: the oracle fee goes to the
// pool, everything else returns through escrow. Refund is always positive.
func (e *Engine) cancelOpen(req OpenRequest, slot uint8, fee registry.Fee, reason CancelReason) Outcome {
	refund := req.Collateral - fee.OracleFee
	e.vault.ReceiveAssets(fee.OracleFee, e.now)
	e.escrow.Credit(req.Trader, refund)

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, req.Trader, &req.PairIndex, e.block, e.now, &event.OpenCanceled{
		Trader:    req.Trader,
		PairIndex: req.PairIndex,
		SlotIndex: slot,
		Reason:    reason.String(),
		Refund:    refund,
	}))
	if e.metrics != nil {
		e.metrics.OpsCanceled.WithLabelValues("open", reason.String()).Inc()
	}
	e.log.Info().
		Str("trader", req.Trader).
		Uint16("pair", req.PairIndex).
		Str("reason", reason.String()).
		Int64("refund", refund).
		Msg("open canceled")

	return Outcome{Kind: OutcomeCanceled, Reason: reason, OrderID: uint64(seq), Payout: refund}
}

// fillOpen commits an open: charges fees, registers open interest, snapshots
// funding and stores the trade. grossCollateral is the amount backing the
// position before fees (the request collateral, or a resting order's escrow).
func (e *Engine) fillOpen(req OpenRequest, slot uint8, pair registry.Pair, fee registry.Fee, execPrice, grossCollateral int64, limitFill bool) (Outcome, error) {
	size := fpmath.PositionSize(grossCollateral, req.Leverage)

	openFee := fpmath.ApplyFraction(size, fee.OpenFeeP)
	netCollateral := grossCollateral - openFee - fee.OracleFee
	if netCollateral <= 0 {
		return Outcome{}, fmt.Errorf("%w: fees consume the whole collateral", ErrBelowMin)
	}

	// Net position size is what the OI books carry.
	netSize := fpmath.PositionSize(netCollateral, req.Leverage)
	if err := e.funding.AddOpenInterest(req.PairIndex, req.Long, netSize); err != nil {
		return e.cancelOpen(req, slot, fee, CancelExposureCap), nil
	}

	referralCut := int64(0)
	if ref, ok := e.referrers[req.Trader]; ok {
		referralCut = fpmath.ApplyFraction(openFee, fee.ReferralP)
		e.escrow.Credit(ref, referralCut)
	}
	e.vault.ReceiveAssets(openFee-referralCut+fee.OracleFee, e.now)

	accAtOpen, err := e.funding.AccRate(req.PairIndex, req.Long)
	if err != nil {
		return Outcome{}, err
	}

	t := &Trade{
		ID:               uuid.New(),
		Trader:           req.Trader,
		PairIndex:        req.PairIndex,
		SlotIndex:        slot,
		Collateral:       netCollateral,
		Leverage:         req.Leverage,
		Long:             req.Long,
		OpenPrice:        execPrice,
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		OpenedAtBlock:    e.block,
		AccFundingAtOpen: accAtOpen,
		LastUpdatedBlock: e.block,
	}
	e.ledger.StoreTrade(t)
	e.registry.RecordOpenInterest(req.PairIndex, req.Long, netSize, e.block)

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, req.Trader, &req.PairIndex, e.block, e.now, &event.TradeOpened{
		TradeID:    t.ID,
		Trader:     t.Trader,
		PairIndex:  t.PairIndex,
		SlotIndex:  t.SlotIndex,
		Long:       t.Long,
		Collateral: t.Collateral,
		Leverage:   t.Leverage,
		OpenPrice:  t.OpenPrice,
		TakeProfit: t.TakeProfit,
		StopLoss:   t.StopLoss,
		LimitFill:  limitFill,
	}))
	if e.metrics != nil {
		e.metrics.TradesOpened.WithLabelValues(pair.From + "/" + pair.To).Inc()
	}
	e.log.Info().
		Str("trade_id", t.ID.String()).
		Str("trader", t.Trader).
		Uint16("pair", t.PairIndex).
		Bool("long", t.Long).
		Int64("collateral", t.Collateral).
		Int64("leverage", t.Leverage).
		Int64("open_price", t.OpenPrice).
		Msg("trade opened")

	return Outcome{Kind: OutcomeExecuted, OrderID: uint64(seq), Trade: t, ExecutionPrice: execPrice}, nil
}

// placeOrder stores a resting order, escrowing the full collateral.
func (e *Engine) placeOrder(req OpenRequest) (Outcome, error) {
	slot, free := e.ledger.FirstEmptyOrderSlot(req.Trader, req.PairIndex)
	if !free {
		return Outcome{}, fmt.Errorf("%w: all %d order slots in use", ErrAboveMax, MaxTradesPerPair)
	}
	if req.MinPrice <= 0 || req.MaxPrice < req.MinPrice {
		return Outcome{}, fmt.Errorf("%w: fill window [%d, %d]", ErrBelowMin, req.MinPrice, req.MaxPrice)
	}

	o := &PendingOrder{
		Trader:        req.Trader,
		PairIndex:     req.PairIndex,
		SlotIndex:     slot,
		Type:          req.Type,
		Long:          req.Long,
		MinPrice:      req.MinPrice,
		MaxPrice:      req.MaxPrice,
		TakeProfit:    req.TakeProfit,
		StopLoss:      req.StopLoss,
		MaxSlippageP:  req.MaxSlippageP,
		PositionSize:  req.Collateral,
		Leverage:      req.Leverage,
		PlacedAtBlock: e.block,
	}
	e.ledger.StorePendingOrder(o)

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, req.Trader, &req.PairIndex, e.block, e.now, &event.OrderPlaced{
		Trader:    o.Trader,
		PairIndex: o.PairIndex,
		SlotIndex: o.SlotIndex,
		OrderType: o.Type.String(),
		Long:      o.Long,
		MinPrice:  o.MinPrice,
		MaxPrice:  o.MaxPrice,
		Escrowed:  o.PositionSize,
		Leverage:  o.Leverage,
	}))
	e.log.Info().
		Str("trader", o.Trader).
		Uint16("pair", o.PairIndex).
		Uint8("slot", o.SlotIndex).
		Str("type", o.Type.String()).
		Msg("order placed")

	return Outcome{Kind: OutcomeExecuted, OrderID: uint64(seq)}, nil
}

// validateOpen enforces the synchronous precondition checks shared by market
// opens and order placement. Failures here are hard errors: nothing moved.
func validateOpen(req OpenRequest, group registry.Group, fee registry.Fee) error {
	if req.Collateral <= 0 {
		return fmt.Errorf("%w: collateral", ErrBelowMin)
	}
	if req.Leverage < group.MinLeverage {
		return fmt.Errorf("%w: leverage %d under group minimum %d", ErrBelowMin, req.Leverage, group.MinLeverage)
	}
	if req.Leverage > group.MaxLeverage {
		return fmt.Errorf("%w: leverage %d over group maximum %d", ErrAboveMax, req.Leverage, group.MaxLeverage)
	}
	if fpmath.PositionSize(req.Collateral, req.Leverage) < fee.MinLevPos {
		return fmt.Errorf("%w: position size under tier minimum %d", ErrBelowMin, fee.MinLevPos)
	}
	if req.Collateral <= fee.OracleFee {
		return fmt.Errorf("%w: collateral does not cover the oracle fee", ErrBelowMin)
	}
	if req.TakeProfit != 0 {
		if req.Long && req.TakeProfit <= req.WantedPrice && req.WantedPrice > 0 {
			return fmt.Errorf("%w: take profit under entry for a long", ErrBelowMin)
		}
		if !req.Long && req.WantedPrice > 0 && req.TakeProfit >= req.WantedPrice {
			return fmt.Errorf("%w: take profit over entry for a short", ErrAboveMax)
		}
	}
	if req.StopLoss != 0 {
		if req.Long && req.WantedPrice > 0 && req.StopLoss >= req.WantedPrice {
			return fmt.Errorf("%w: stop loss over entry for a long", ErrAboveMax)
		}
		if !req.Long && req.WantedPrice > 0 && req.StopLoss <= req.WantedPrice {
			return fmt.Errorf("%w: stop loss under entry for a short", ErrBelowMin)
		}
	}
	return nil
}

func (e *Engine) nextSeq() int64 {
	e.sequence++
	return e.sequence
}

// emit fans an envelope out to persistence (blocking) and the live publisher
// (best effort).
func (e *Engine) emit(env event.Envelope) {
	if e.persistChan != nil {
		e.persistChan <- env
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- env:
		default:
			e.log.Warn().Int64("sequence", env.Sequence).Str("kind", env.KindName).Msg("publish channel full, dropping event")
		}
	}
}
