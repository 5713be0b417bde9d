package trading

import (
	"fmt"

	"PerpEngine/internal/event"
	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/registry"
)

// CloseTradeMarket closes an open position at the verified market price. If
// the pool cannot cover the payout the close cancels softly and the trade
// stays open; the advisory close lock is always released before returning.
func (e *Engine) CloseTradeMarket(trader string, pairIndex uint16, slotIndex uint8, proof []byte) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.ledger.Trade(trader, pairIndex, slotIndex)
	if t == nil {
		return Outcome{}, ErrNoTrade
	}
	// Advisory slot lock. With every operation serialized on mu the flag
	// cannot be observed set from outside this function; it guards the slot
	// in case closes ever split into an async request/callback pair.
	if e.ledger.IsBeingMarketClosed(trader, pairIndex, slotIndex) {
		return Outcome{}, ErrBeingMarketClosed
	}
	e.ledger.SetBeingMarketClosed(trader, pairIndex, slotIndex, true)
	defer e.ledger.SetBeingMarketClosed(trader, pairIndex, slotIndex, false)

	pair, _, fee, err := e.registry.PairGroupFee(pairIndex)
	if err != nil {
		return Outcome{}, err
	}

	price, _, err := e.oracle.GetVerifiedPrice(proof, pairIndex, e.now)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return Outcome{}, err
	}

	// Closing crosses the spread in the opposite direction.
	execPrice := e.executionPrice(pair, !t.Long, t.PositionSize(), price)
	return e.settleClose(t, pair, fee, execPrice, "market", "")
}

// TriggerOrder executes a maintenance trigger: a resting-order fill, a stop
// loss, a take profit, or a liquidation. A trigger whose condition is not met
// is a soft cancellation, not an error — state is unchanged and the caller
// can retry on the next price.
func (e *Engine) TriggerOrder(desc OrderDescriptor, executor string, proof []byte) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch desc.Type {
	case TriggerOpen:
		return e.triggerOpen(desc, executor, proof)
	case TriggerSL, TriggerTP:
		return e.triggerProtection(desc, executor, proof)
	case TriggerLiq:
		return e.triggerLiquidation(desc, executor, proof)
	default:
		return Outcome{}, fmt.Errorf("unknown trigger type %d", desc.Type)
	}
}

// triggerOpen fills a resting order whose window contains the current price.
func (e *Engine) triggerOpen(desc OrderDescriptor, executor string, proof []byte) (Outcome, error) {
	o := e.ledger.PendingOrder(desc.Trader, desc.PairIndex, desc.SlotIndex)
	if o == nil {
		return Outcome{}, ErrNoOrder
	}

	pair, group, fee, err := e.registry.PairGroupFee(desc.PairIndex)
	if err != nil {
		return Outcome{}, err
	}

	price, _, err := e.oracle.GetVerifiedPrice(proof, desc.PairIndex, e.now)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return Outcome{}, err
	}

	if price < o.MinPrice || price > o.MaxPrice {
		return e.softCancel(desc, CancelTriggerNotReached), nil
	}

	slot, free := e.ledger.FirstEmptyTradeSlot(desc.Trader, desc.PairIndex)
	if !free {
		// No room for the position: the order cancels and the escrow returns.
		return e.cancelOrder(o, CancelExposureCap, o.PositionSize), nil
	}

	size := fpmath.PositionSize(o.PositionSize, o.Leverage)
	execPrice := e.executionPrice(pair, o.Long, size, price)
	if execPrice < o.MinPrice || execPrice > o.MaxPrice {
		return e.cancelOrder(o, CancelPriceOutOfRange, o.PositionSize-fee.OracleFee), nil
	}
	if o.MaxSlippageP > 0 {
		slipP := fpmath.MulDiv(fpmath.AbsInt64(execPrice-price), fpmath.One, price, fpmath.RoundUp)
		if slipP > o.MaxSlippageP {
			return e.cancelOrder(o, CancelSlippageExceeded, o.PositionSize-fee.OracleFee), nil
		}
	}
	if e.exposureExceeded(desc.PairIndex, group, o.Long, size) {
		return e.cancelOrder(o, CancelExposureCap, o.PositionSize-fee.OracleFee), nil
	}

	escrowed := o.PositionSize

	// The executor earns the trigger fee out of the escrowed collateral.
	triggerFee := fpmath.ApplyFraction(fpmath.PositionSize(escrowed, o.Leverage), fee.TriggerOrderFeeP)
	if triggerFee >= escrowed {
		triggerFee = 0
	}

	// The fill must survive its own fees while the order is still on the book;
	// removing it first would burn the escrow with nothing credited back.
	gross := escrowed - triggerFee
	openFee := fpmath.ApplyFraction(fpmath.PositionSize(gross, o.Leverage), fee.OpenFeeP)
	if gross-openFee-fee.OracleFee <= 0 {
		return e.cancelOrder(o, CancelFeesExceedCollateral, escrowed-fee.OracleFee), nil
	}

	e.ledger.RemovePendingOrder(desc.Trader, desc.PairIndex, desc.SlotIndex)
	if triggerFee > 0 && executor != "" {
		e.escrow.Credit(executor, triggerFee)
	}

	req := OpenRequest{
		Trader:     o.Trader,
		PairIndex:  o.PairIndex,
		Type:       OrderTypeMarket,
		Long:       o.Long,
		Collateral: gross,
		Leverage:   o.Leverage,
		TakeProfit: o.TakeProfit,
		StopLoss:   o.StopLoss,
	}
	return e.fillOpen(req, slot, pair, fee, execPrice, gross, true)
}

// triggerProtection executes a stop loss or take profit.
func (e *Engine) triggerProtection(desc OrderDescriptor, executor string, proof []byte) (Outcome, error) {
	t := e.ledger.Trade(desc.Trader, desc.PairIndex, desc.SlotIndex)
	if t == nil {
		return Outcome{}, ErrNoTrade
	}
	if e.ledger.IsBeingMarketClosed(desc.Trader, desc.PairIndex, desc.SlotIndex) {
		return Outcome{}, ErrBeingMarketClosed
	}
	if t.LastUpdatedBlock >= e.block {
		// Same-block protection updates cannot be triggered: prevents
		// update-then-snipe within one price.
		return e.softCancel(desc, CancelRecentUpdate), nil
	}

	var level int64
	trigger := "sl"
	if desc.Type == TriggerSL {
		level = t.StopLoss
	} else {
		level = t.TakeProfit
		trigger = "tp"
	}
	if level == 0 {
		return e.softCancel(desc, CancelTriggerNotReached), nil
	}

	pair, _, fee, err := e.registry.PairGroupFee(desc.PairIndex)
	if err != nil {
		return Outcome{}, err
	}
	price, _, err := e.oracle.GetVerifiedPrice(proof, desc.PairIndex, e.now)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return Outcome{}, err
	}

	reached := false
	switch {
	case desc.Type == TriggerSL && t.Long:
		reached = price <= level
	case desc.Type == TriggerSL && !t.Long:
		reached = price >= level
	case desc.Type == TriggerTP && t.Long:
		reached = price >= level
	case desc.Type == TriggerTP && !t.Long:
		reached = price <= level
	}
	if !reached {
		return e.softCancel(desc, CancelTriggerNotReached), nil
	}

	// Protection orders fill at their level, not at the observed price.
	return e.settleClose(t, pair, fee, level, trigger, executor)
}

// triggerLiquidation force-closes a position whose losses crossed the pair's
// liquidation threshold. The trader receives nothing.
func (e *Engine) triggerLiquidation(desc OrderDescriptor, executor string, proof []byte) (Outcome, error) {
	t := e.ledger.Trade(desc.Trader, desc.PairIndex, desc.SlotIndex)
	if t == nil {
		return Outcome{}, ErrNoTrade
	}

	pair, _, fee, err := e.registry.PairGroupFee(desc.PairIndex)
	if err != nil {
		return Outcome{}, err
	}
	price, _, err := e.oracle.GetVerifiedPrice(proof, desc.PairIndex, e.now)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OracleRejections.Inc()
		}
		return Outcome{}, err
	}

	liqPrice, err := e.liquidationPriceLocked(t, pair)
	if err != nil {
		return Outcome{}, err
	}
	reached := (t.Long && price <= liqPrice) || (!t.Long && price >= liqPrice)
	if !reached {
		return e.softCancel(desc, CancelLiqNotReached), nil
	}

	netSize := t.PositionSize()
	if err := e.funding.RemoveOpenInterest(t.PairIndex, t.Long, netSize); err != nil {
		return Outcome{}, err
	}

	liqFee := fpmath.ApplyFraction(t.Collateral, fee.TriggerOrderFeeP)
	if executor != "" && liqFee > 0 {
		e.escrow.Credit(executor, liqFee)
	}
	remaining := t.Collateral - liqFee
	e.vault.ReceiveAssets(remaining, e.now)

	e.ledger.RemoveTrade(t.Trader, t.PairIndex, t.SlotIndex)

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, t.Trader, &t.PairIndex, e.block, e.now, &event.Liquidation{
		TradeID:   t.ID,
		Trader:    t.Trader,
		PairIndex: t.PairIndex,
		SlotIndex: t.SlotIndex,
		Long:      t.Long,
		LiqPrice:  liqPrice,
		MarkPrice: price,
		Remaining: remaining,
	}))
	if e.metrics != nil {
		e.metrics.Liquidations.WithLabelValues(pair.From + "/" + pair.To).Inc()
	}
	e.log.Info().
		Str("trade_id", t.ID.String()).
		Str("trader", t.Trader).
		Uint16("pair", t.PairIndex).
		Int64("liq_price", liqPrice).
		Int64("mark_price", price).
		Msg("position liquidated")

	return Outcome{Kind: OutcomeExecuted, OrderID: uint64(seq), Trade: t, ExecutionPrice: liqPrice}, nil
}

// settleClose settles a closing trade at execPrice: PnL, accrued funding and
// the close fee net against collateral; profit is drawn from the pool, loss
// absorbed by it. Payout reaches the trader through escrow.
func (e *Engine) settleClose(t *Trade, pair registry.Pair, fee registry.Fee, execPrice int64, trigger, executor string) (Outcome, error) {
	size := t.PositionSize()

	pnlP := fpmath.PnLPercent(t.SideSign(), t.OpenPrice, execPrice, t.Leverage)
	pnlP = fpmath.ClampAbs(pnlP, MaxGainP)
	profit := fpmath.ApplyFraction(t.Collateral, pnlP)

	fundingFee, err := e.funding.TradeFundingFee(t.PairIndex, t.Long, size, t.AccFundingAtOpen)
	if err != nil {
		return Outcome{}, err
	}
	closeFee := fpmath.ApplyFraction(size, fee.CloseFeeP)

	netValue := t.Collateral + profit - fundingFee - closeFee
	if netValue < 0 {
		netValue = 0
	}

	triggerFee := int64(0)
	if executor != "" {
		triggerFee = fpmath.ApplyFraction(size, fee.TriggerOrderFeeP)
		if triggerFee > netValue {
			triggerFee = netValue
		}
	}
	payout := netValue - triggerFee

	// Move money. Profit beyond collateral comes from the pool; shortfall
	// stays there. Either leg failing leaves the trade open.
	if netValue > t.Collateral {
		if err := e.vault.SendAssets(netValue-t.Collateral, e.now); err != nil {
			seq := e.nextSeq()
			e.emit(event.Wrap(seq, t.Trader, &t.PairIndex, e.block, e.now, &event.CloseCanceled{
				TradeID:   t.ID,
				Trader:    t.Trader,
				PairIndex: t.PairIndex,
				SlotIndex: t.SlotIndex,
				Reason:    CancelNotEnoughAssets.String(),
			}))
			if e.metrics != nil {
				e.metrics.OpsCanceled.WithLabelValues("close", CancelNotEnoughAssets.String()).Inc()
			}
			return Outcome{Kind: OutcomeCanceled, Reason: CancelNotEnoughAssets, OrderID: uint64(seq), Trade: t}, nil
		}
	} else {
		e.vault.ReceiveAssets(t.Collateral-netValue, e.now)
	}

	if err := e.funding.RemoveOpenInterest(t.PairIndex, t.Long, size); err != nil {
		return Outcome{}, err
	}
	e.ledger.RemoveTrade(t.Trader, t.PairIndex, t.SlotIndex)

	if triggerFee > 0 {
		e.escrow.Credit(executor, triggerFee)
	}
	if payout > 0 {
		e.escrow.Credit(t.Trader, payout)
	}

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, t.Trader, &t.PairIndex, e.block, e.now, &event.TradeClosed{
		TradeID:    t.ID,
		Trader:     t.Trader,
		PairIndex:  t.PairIndex,
		SlotIndex:  t.SlotIndex,
		Long:       t.Long,
		ClosePrice: execPrice,
		Profit:     profit,
		FundingFee: fundingFee,
		CloseFee:   closeFee,
		Payout:     payout,
		Trigger:    trigger,
	}))
	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(pair.From+"/"+pair.To, trigger).Inc()
	}
	e.log.Info().
		Str("trade_id", t.ID.String()).
		Str("trader", t.Trader).
		Uint16("pair", t.PairIndex).
		Str("trigger", trigger).
		Int64("close_price", execPrice).
		Int64("payout", payout).
		Msg("trade closed")

	return Outcome{Kind: OutcomeExecuted, OrderID: uint64(seq), Trade: t, Payout: payout, ExecutionPrice: execPrice}, nil
}

// softCancel reports a trigger whose condition was not met. Nothing moved.
func (e *Engine) softCancel(desc OrderDescriptor, reason CancelReason) Outcome {
	seq := e.nextSeq()
	if e.metrics != nil {
		e.metrics.OpsCanceled.WithLabelValues("trigger", reason.String()).Inc()
	}
	return Outcome{Kind: OutcomeCanceled, Reason: reason, OrderID: uint64(seq)}
}

// cancelOrder removes a resting order and refunds through escrow.
func (e *Engine) cancelOrder(o *PendingOrder, reason CancelReason, refund int64) Outcome {
	e.ledger.RemovePendingOrder(o.Trader, o.PairIndex, o.SlotIndex)
	if refund < o.PositionSize {
		// The difference is the retained oracle fee; it goes to the pool.
		e.vault.ReceiveAssets(o.PositionSize-refund, e.now)
	}
	if refund > 0 {
		e.escrow.Credit(o.Trader, refund)
	}

	seq := e.nextSeq()
	e.emit(event.Wrap(seq, o.Trader, &o.PairIndex, e.block, e.now, &event.OrderCanceled{
		Trader:    o.Trader,
		PairIndex: o.PairIndex,
		SlotIndex: o.SlotIndex,
		Reason:    reason.String(),
		Refund:    refund,
	}))
	if e.metrics != nil {
		e.metrics.OpsCanceled.WithLabelValues("order", reason.String()).Inc()
	}
	e.log.Info().
		Str("trader", o.Trader).
		Uint16("pair", o.PairIndex).
		Uint8("slot", o.SlotIndex).
		Str("reason", reason.String()).
		Int64("refund", refund).
		Msg("order canceled")

	return Outcome{Kind: OutcomeCanceled, Reason: reason, OrderID: uint64(seq), Payout: refund}
}

// CancelOpenLimitOrder removes a resting order at the trader's request. The
// refund equals the escrowed collateral bit for bit.
func (e *Engine) CancelOpenLimitOrder(trader string, pairIndex uint16, slotIndex uint8) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.ledger.PendingOrder(trader, pairIndex, slotIndex)
	if o == nil {
		return Outcome{}, ErrNoOrder
	}
	return e.cancelOrder(o, CancelNone, o.PositionSize), nil
}

// UpdateOpenLimitOrder moves a resting order's fill window and protections.
func (e *Engine) UpdateOpenLimitOrder(trader string, pairIndex uint16, slotIndex uint8, minPrice, maxPrice, takeProfit, stopLoss int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.ledger.PendingOrder(trader, pairIndex, slotIndex)
	if o == nil {
		return ErrNoOrder
	}
	if minPrice <= 0 || maxPrice < minPrice {
		return fmt.Errorf("%w: fill window [%d, %d]", ErrBelowMin, minPrice, maxPrice)
	}

	o.MinPrice = minPrice
	o.MaxPrice = maxPrice
	o.TakeProfit = takeProfit
	o.StopLoss = stopLoss
	o.PlacedAtBlock = e.block

	e.emit(event.Wrap(e.nextSeq(), trader, &pairIndex, e.block, e.now, &event.OrderUpdated{
		Trader:     trader,
		PairIndex:  pairIndex,
		SlotIndex:  slotIndex,
		Field:      "bounds",
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	}))
	return nil
}

// UpdateSL moves an open trade's stop loss. Zero clears it.
func (e *Engine) UpdateSL(trader string, pairIndex uint16, slotIndex uint8, stopLoss int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.ledger.Trade(trader, pairIndex, slotIndex)
	if t == nil {
		return ErrNoTrade
	}
	if stopLoss != 0 {
		if t.Long && stopLoss >= t.OpenPrice {
			return fmt.Errorf("%w: stop loss over entry for a long", ErrAboveMax)
		}
		if !t.Long && stopLoss <= t.OpenPrice {
			return fmt.Errorf("%w: stop loss under entry for a short", ErrBelowMin)
		}
	}

	t.StopLoss = stopLoss
	t.LastUpdatedBlock = e.block

	e.emit(event.Wrap(e.nextSeq(), trader, &pairIndex, e.block, e.now, &event.OrderUpdated{
		Trader:    trader,
		PairIndex: pairIndex,
		SlotIndex: slotIndex,
		Field:     "sl",
		StopLoss:  stopLoss,
	}))
	return nil
}

// UpdateTP moves an open trade's take profit. Zero clears it.
func (e *Engine) UpdateTP(trader string, pairIndex uint16, slotIndex uint8, takeProfit int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.ledger.Trade(trader, pairIndex, slotIndex)
	if t == nil {
		return ErrNoTrade
	}
	if takeProfit != 0 {
		if t.Long && takeProfit <= t.OpenPrice {
			return fmt.Errorf("%w: take profit under entry for a long", ErrBelowMin)
		}
		if !t.Long && takeProfit >= t.OpenPrice {
			return fmt.Errorf("%w: take profit over entry for a short", ErrAboveMax)
		}
	}

	t.TakeProfit = takeProfit
	t.LastUpdatedBlock = e.block

	e.emit(event.Wrap(e.nextSeq(), trader, &pairIndex, e.block, e.now, &event.OrderUpdated{
		Trader:     trader,
		PairIndex:  pairIndex,
		SlotIndex:  slotIndex,
		Field:      "tp",
		TakeProfit: takeProfit,
	}))
	return nil
}

// LiquidationPrice returns the mark price at which an open trade liquidates.
// Accrued funding shifts the price toward entry as fees build up.
func (e *Engine) LiquidationPrice(trader string, pairIndex uint16, slotIndex uint8) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.ledger.Trade(trader, pairIndex, slotIndex)
	if t == nil {
		return 0, ErrNoTrade
	}
	pair, ok := e.registry.Pair(pairIndex)
	if !ok {
		return 0, fmt.Errorf("unknown pair index %d", pairIndex)
	}
	return e.liquidationPriceLocked(t, pair)
}

func (e *Engine) liquidationPriceLocked(t *Trade, pair registry.Pair) (int64, error) {
	fundingOwed, err := e.funding.TradeFundingFee(t.PairIndex, t.Long, t.PositionSize(), t.AccFundingAtOpen)
	if err != nil {
		return 0, err
	}

	// The trade liquidates when losses plus funding eat LiqThresholdP of the
	// collateral. lossBudget is denominated in collateral; dividing by
	// position size converts it to a price distance from entry.
	lossBudget := fpmath.ApplyFraction(t.Collateral, pair.LiqThresholdP) - fundingOwed
	dist := fpmath.MulDiv(t.OpenPrice, lossBudget, t.PositionSize(), fpmath.RoundDown)

	if t.Long {
		return t.OpenPrice - dist, nil
	}
	return t.OpenPrice + dist, nil
}

// Trades returns the trader's open trades on a pair, slot order.
func (e *Engine) Trades(trader string, pairIndex uint16) []*Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.TradesOf(trader, pairIndex)
}

// PendingOrders returns the trader's resting orders on a pair, slot order.
func (e *Engine) PendingOrders(trader string, pairIndex uint16) []*PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*PendingOrder
	for i := 0; i < MaxTradesPerPair; i++ {
		if o := e.ledger.PendingOrder(trader, pairIndex, uint8(i)); o != nil {
			out = append(out, o)
		}
	}
	return out
}
