package funding

import (
	"errors"
	"fmt"
	"sync"

	"PerpEngine/internal/fpmath"
	"PerpEngine/internal/oracle"
)

var (
	ErrUnknownPair   = errors.New("unknown pair")
	ErrUnknownGroup  = errors.New("unknown group")
	ErrMaxOIExceeded = errors.New("max open interest exceeded")
)

// Params configures funding accrual for a pair or group.
type Params struct {
	FeePerBlock int64 // rate scale, accrued per block at full imbalance
	FeeExponent int   // exponent applied to the OI imbalance fraction
	MaxOI       int64 // collateral scale; 0 = unbounded (no accrual weight)
}

// State is the funding accounting for one pair or one group.
// AccRateLong/AccRateShort accumulate the fraction of position size owed by
// each side since the first sync. A positive accumulator means that side owes.
type State struct {
	LongOI        int64
	ShortOI       int64
	AccRateLong   int64 // rate scale
	AccRateShort  int64 // rate scale
	CurrentRate   int64 // signed per-block rate, positive = longs pay
	LastSyncBlock int64
	Synced        bool
	Params        Params
}

// Engine owns all FundingState. Accrual is block-driven and lazy: nothing
// accrues until the first explicit sync after registration.
type Engine struct {
	mu        sync.Mutex
	adapter   *oracle.Adapter
	pairs     map[uint16]*State
	groups    map[uint16]*State
	pairGroup map[uint16]uint16
}

func NewEngine(adapter *oracle.Adapter) *Engine {
	return &Engine{
		adapter:   adapter,
		pairs:     make(map[uint16]*State),
		groups:    make(map[uint16]*State),
		pairGroup: make(map[uint16]uint16),
	}
}

func (e *Engine) RegisterGroup(groupIndex uint16, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.groups[groupIndex]; exists {
		return fmt.Errorf("group %d already registered", groupIndex)
	}
	e.groups[groupIndex] = &State{Params: params}
	return nil
}

func (e *Engine) RegisterPair(pairIndex, groupIndex uint16, params Params) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairs[pairIndex]; exists {
		return fmt.Errorf("pair %d already registered", pairIndex)
	}
	if _, ok := e.groups[groupIndex]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, groupIndex)
	}
	e.pairs[pairIndex] = &State{Params: params}
	e.pairGroup[pairIndex] = groupIndex
	return nil
}

// SyncFundingFee pulls a verified price (denomination check only — the rate
// formula is driven by open interest, not price) and integrates the funding
// rate for the pair and its parent group across the elapsed blocks.
// A stale proof fails the whole sync atomically: no partial accrual.
func (e *Engine) SyncFundingFee(pairIndex uint16, proof []byte, currentBlock, nowMicros int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Registration is checked before the proof: a rejected sync must not
	// advance the oracle's forward-only cache.
	ps, ok := e.pairs[pairIndex]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]

	if _, _, err := e.adapter.GetVerifiedPrice(proof, pairIndex, nowMicros); err != nil {
		return err
	}

	accrue(ps, currentBlock)
	accrue(gs, currentBlock)
	return nil
}

// accrue integrates elapsed blocks into the per-side accumulators.
// delta = feePerBlock * (|longOI-shortOI| / maxOI)^exponent * elapsed,
// added to the majority side and subtracted from the minority side.
func accrue(s *State, block int64) {
	if !s.Synced {
		// Lazy baseline: the first sync establishes the block anchor without
		// accruing anything.
		s.Synced = true
		s.LastSyncBlock = block
		s.CurrentRate = perBlockRate(s)
		return
	}

	elapsed := block - s.LastSyncBlock
	if elapsed <= 0 {
		return
	}
	s.LastSyncBlock = block

	rate := perBlockRate(s)
	if rate != 0 {
		delta := rate * elapsed
		s.AccRateLong += delta
		s.AccRateShort -= delta
	}
	s.CurrentRate = rate
}

// perBlockRate returns the signed per-block rate from the current imbalance.
// Positive = longs pay, negative = shorts pay.
func perBlockRate(s *State) int64 {
	imbalance := s.LongOI - s.ShortOI
	if imbalance == 0 || s.Params.MaxOI == 0 || s.Params.FeePerBlock == 0 {
		return 0
	}

	frac := fpmath.MulDiv(fpmath.AbsInt64(imbalance), fpmath.One, s.Params.MaxOI, fpmath.RoundDown)
	if frac > fpmath.One {
		frac = fpmath.One
	}
	weight := fpmath.FractionPow(frac, s.Params.FeeExponent)

	rate := fpmath.MulDiv(s.Params.FeePerBlock, weight, fpmath.One, fpmath.RoundDown)
	if imbalance < 0 {
		rate = -rate
	}
	return rate
}

// AddOpenInterest registers notional exposure on one side of a pair and its
// group. Fails when the pair's max OI would be exceeded; the group bound is
// enforced by the group's own MaxOI.
func (e *Engine) AddOpenInterest(pairIndex uint16, long bool, size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]

	if ps.Params.MaxOI > 0 && sideOI(ps, long)+size > ps.Params.MaxOI {
		return fmt.Errorf("%w: pair %d", ErrMaxOIExceeded, pairIndex)
	}
	if gs.Params.MaxOI > 0 && sideOI(gs, long)+size > gs.Params.MaxOI {
		return fmt.Errorf("%w: group of pair %d", ErrMaxOIExceeded, pairIndex)
	}

	addOI(ps, long, size)
	addOI(gs, long, size)
	return nil
}

// RemoveOpenInterest unregisters exposure on close or liquidation.
func (e *Engine) RemoveOpenInterest(pairIndex uint16, long bool, size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]

	addOI(ps, long, -size)
	addOI(gs, long, -size)
	return nil
}

func sideOI(s *State, long bool) int64 {
	if long {
		return s.LongOI
	}
	return s.ShortOI
}

func addOI(s *State, long bool, delta int64) {
	if long {
		s.LongOI += delta
		if s.LongOI < 0 {
			s.LongOI = 0
		}
	} else {
		s.ShortOI += delta
		if s.ShortOI < 0 {
			s.ShortOI = 0
		}
	}
}

// AccRate returns the combined pair+group accumulator for one side, used to
// snapshot funding at trade open.
func (e *Engine) AccRate(pairIndex uint16, long bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]

	if long {
		return ps.AccRateLong + gs.AccRateLong, nil
	}
	return ps.AccRateShort + gs.AccRateShort, nil
}

// TradeFundingFee returns the funding owed by an open trade since its
// accumulator snapshot. Positive = the trade owes, negative = it receives.
// Pure read: never mutates state.
func (e *Engine) TradeFundingFee(pairIndex uint16, long bool, positionSize, accAtOpen int64) (int64, error) {
	accNow, err := e.AccRate(pairIndex, long)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(positionSize, accNow-accAtOpen, fpmath.One, fpmath.RoundDown), nil
}

// PredictTradeFundingFee previews the funding cost of holding a hypothetical
// position for horizonBlocks at the current rate. Pure read.
func (e *Engine) PredictTradeFundingFee(pairIndex uint16, long bool, positionSize, horizonBlocks int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]

	rate := ps.CurrentRate + gs.CurrentRate
	if !long {
		rate = -rate
	}
	return fpmath.MulDiv(positionSize, rate*horizonBlocks, fpmath.One, fpmath.RoundDown), nil
}

// Rate returns the pair's signed per-block rate as of the last sync.
// Exactly 0 until the first sync.
func (e *Engine) Rate(pairIndex uint16) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	gs := e.groups[e.pairGroup[pairIndex]]
	return ps.CurrentRate + gs.CurrentRate, nil
}

// GroupState returns a copy of a group's funding state for inspection and
// exposure checks.
func (e *Engine) GroupState(groupIndex uint16) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gs, ok := e.groups[groupIndex]
	if !ok {
		return State{}, fmt.Errorf("%w: %d", ErrUnknownGroup, groupIndex)
	}
	return *gs, nil
}

// PairState returns a copy of the pair's funding state for inspection.
func (e *Engine) PairState(pairIndex uint16) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.pairs[pairIndex]
	if !ok {
		return State{}, fmt.Errorf("%w: %d", ErrUnknownPair, pairIndex)
	}
	return *ps, nil
}

// Export is the engine's full serializable state.
type Export struct {
	Pairs     map[uint16]State
	Groups    map[uint16]State
	PairGroup map[uint16]uint16
}

// ExportStates copies all funding accounting for snapshotting.
func (e *Engine) ExportStates() Export {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Export{
		Pairs:     make(map[uint16]State, len(e.pairs)),
		Groups:    make(map[uint16]State, len(e.groups)),
		PairGroup: make(map[uint16]uint16, len(e.pairGroup)),
	}
	for idx, s := range e.pairs {
		out.Pairs[idx] = *s
	}
	for idx, s := range e.groups {
		out.Groups[idx] = *s
	}
	for p, g := range e.pairGroup {
		out.PairGroup[p] = g
	}
	return out
}

// RestoreStates replaces all funding accounting from a snapshot, including
// registration params and the pair-to-group mapping.
func (e *Engine) RestoreStates(ex Export) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pairs = make(map[uint16]*State, len(ex.Pairs))
	e.groups = make(map[uint16]*State, len(ex.Groups))
	e.pairGroup = make(map[uint16]uint16, len(ex.PairGroup))
	for idx, s := range ex.Pairs {
		c := s
		e.pairs[idx] = &c
	}
	for idx, s := range ex.Groups {
		c := s
		e.groups[idx] = &c
	}
	for p, g := range ex.PairGroup {
		e.pairGroup[p] = g
	}
}
