package registry

import (
	"fmt"
	"sync"

	"PerpEngine/internal/fpmath"
)

// Group defines leverage bounds shared by its member pairs.
type Group struct {
	Index       uint16
	Name        string
	MinLeverage int64
	MaxLeverage int64
	// Max share of vault collateral the group's open interest may use,
	// percent scale.
	MaxCollateralP int64
}

// Fee is a fee tier referenced by pairs. All percentages are percent scale
// and apply to position size (collateral * leverage) unless noted.
type Fee struct {
	Index            uint16
	Name             string
	OpenFeeP         int64
	CloseFeeP        int64
	OracleFee        int64 // flat, collateral scale — retained even on canceled opens
	TriggerOrderFeeP int64
	ReferralP        int64 // share of the open fee paid to the referrer
	MinLevPos        int64 // minimum collateral * leverage, collateral scale
}

// Pair is a tradable instrument. PairIndex and GroupIndex are stable foreign
// keys — never renumbered after creation.
type Pair struct {
	Index      uint16
	From       string
	To         string
	GroupIndex uint16
	FeeIndex   uint16
	SpreadP    int64 // percent scale, half-spread applied at execution

	// Price impact: execution price worsens by
	// (recent directional OI + size/2) / OnePercentDepth * 1%.
	OnePercentDepth    int64 // collateral scale; 0 disables impact
	ImpactWindowBlocks int64

	// Threshold of collateral eroded at which the position liquidates,
	// percent scale (e.g. 90%).
	LiqThresholdP int64
}

// Registry is the versioned reference-data service injected into the trading
// engine, funding engine, and vault. Reads vastly outnumber writes.
type Registry struct {
	mu      sync.RWMutex
	version int64
	pairs   map[uint16]*Pair
	groups  map[uint16]*Group
	fees    map[uint16]*Fee

	// Rolling directional open-interest windows per pair for price impact.
	windows map[uint16]*impactWindow
}

type impactWindow struct {
	entries []impactEntry
}

type impactEntry struct {
	block int64
	long  bool
	size  int64 // collateral scale (position size)
}

func New() *Registry {
	return &Registry{
		pairs:   make(map[uint16]*Pair),
		groups:  make(map[uint16]*Group),
		fees:    make(map[uint16]*Fee),
		windows: make(map[uint16]*impactWindow),
	}
}

// Version returns the config version, bumped on every mutation.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) AddGroup(g Group) error {
	if g.MinLeverage <= 0 || g.MaxLeverage < g.MinLeverage {
		return fmt.Errorf("invalid leverage bounds for group %q: min=%d max=%d", g.Name, g.MinLeverage, g.MaxLeverage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[g.Index]; exists {
		return fmt.Errorf("group index %d already registered", g.Index)
	}
	r.groups[g.Index] = &g
	r.version++
	return nil
}

func (r *Registry) AddFee(f Fee) error {
	if f.OpenFeeP < 0 || f.CloseFeeP < 0 || f.OracleFee < 0 {
		return fmt.Errorf("negative fee components for tier %q", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fees[f.Index]; exists {
		return fmt.Errorf("fee index %d already registered", f.Index)
	}
	r.fees[f.Index] = &f
	r.version++
	return nil
}

func (r *Registry) AddPair(p Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pairs[p.Index]; exists {
		return fmt.Errorf("pair index %d already registered", p.Index)
	}
	if _, ok := r.groups[p.GroupIndex]; !ok {
		return fmt.Errorf("pair %s/%s references unknown group %d", p.From, p.To, p.GroupIndex)
	}
	if _, ok := r.fees[p.FeeIndex]; !ok {
		return fmt.Errorf("pair %s/%s references unknown fee tier %d", p.From, p.To, p.FeeIndex)
	}
	if p.LiqThresholdP <= 0 || p.LiqThresholdP > fpmath.One {
		return fmt.Errorf("pair %s/%s liq threshold out of range: %d", p.From, p.To, p.LiqThresholdP)
	}
	r.pairs[p.Index] = &p
	r.windows[p.Index] = &impactWindow{}
	r.version++
	return nil
}

func (r *Registry) Pair(index uint16) (Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[index]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

func (r *Registry) Group(index uint16) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[index]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

func (r *Registry) Fee(index uint16) (Fee, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fees[index]
	if !ok {
		return Fee{}, false
	}
	return *f, true
}

// PairGroupFee resolves the full fee/leverage context for a pair in one lock.
func (r *Registry) PairGroupFee(pairIndex uint16) (Pair, Group, Fee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[pairIndex]
	if !ok {
		return Pair{}, Group{}, Fee{}, fmt.Errorf("unknown pair index %d", pairIndex)
	}
	g := r.groups[p.GroupIndex]
	f := r.fees[p.FeeIndex]
	return *p, *g, *f, nil
}

// AllPairs lists every registered pair. Order is unspecified.
func (r *Registry) AllPairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	return out
}

// AllGroups lists every registered group. Order is unspecified.
func (r *Registry) AllGroups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	return out
}

// AllFees lists every registered fee tier. Order is unspecified.
func (r *Registry) AllFees() []Fee {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Fee, 0, len(r.fees))
	for _, f := range r.fees {
		out = append(out, *f)
	}
	return out
}

// RecordOpenInterest appends a directional entry to the pair's impact window.
func (r *Registry) RecordOpenInterest(pairIndex uint16, long bool, size, block int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[pairIndex]
	if !ok {
		return
	}
	w.entries = append(w.entries, impactEntry{block: block, long: long, size: size})
}

// WindowOpenInterest returns directional open interest recorded within the
// pair's impact window ending at block.
func (r *Registry) WindowOpenInterest(pairIndex uint16, long bool, block int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[pairIndex]
	if !ok {
		return 0
	}
	w := r.windows[pairIndex]

	var total int64
	for _, e := range w.entries {
		if e.long == long && block-e.block <= p.ImpactWindowBlocks {
			total += e.size
		}
	}
	return total
}

// PriceImpactP computes the execution-price penalty fraction for a new trade:
// the larger the recent one-directional volume, the worse the price.
func (r *Registry) PriceImpactP(pairIndex uint16, long bool, size, block int64) int64 {
	r.mu.RLock()
	p, ok := r.pairs[pairIndex]
	r.mu.RUnlock()
	if !ok || p.OnePercentDepth == 0 {
		return 0
	}

	windowOI := r.WindowOpenInterest(pairIndex, long, block)
	// impactP = (windowOI + size/2) / depth * 1%
	onePercent := fpmath.One / 100
	return fpmath.MulDiv(windowOI+size/2, onePercent, p.OnePercentDepth, fpmath.RoundDown)
}
