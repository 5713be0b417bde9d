package trading

import (
	"PerpEngine/internal/funding"
	"PerpEngine/internal/registry"
)

// RegisterGroup adds a leverage group and its funding accumulator. Indexes are
// stable foreign keys and cannot be reused.
func (e *Engine) RegisterGroup(g registry.Group, fp funding.Params) error {
	if err := e.registry.AddGroup(g); err != nil {
		return err
	}
	return e.funding.RegisterGroup(g.Index, fp)
}

// RegisterFee adds a fee tier.
func (e *Engine) RegisterFee(f registry.Fee) error {
	return e.registry.AddFee(f)
}

// RegisterPair adds a tradable pair. The group and fee tier must already
// exist; the pair gets its own funding accumulator alongside the group's.
func (e *Engine) RegisterPair(p registry.Pair, fp funding.Params) error {
	if err := e.registry.AddPair(p); err != nil {
		return err
	}
	return e.funding.RegisterPair(p.Index, p.GroupIndex, fp)
}
