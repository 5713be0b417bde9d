package oracle

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStaleOrInvalidProof is returned when proof verification fails or the
	// embedded timestamp falls outside the acceptance window.
	ErrStaleOrInvalidProof = errors.New("stale or invalid oracle proof")

	// ErrStalePrice is returned when a proof verifies but carries a timestamp
	// older than the cached value for the instrument.
	ErrStalePrice = errors.New("proof older than cached price")

	// ErrNoPrice is returned by GetLastPrice before any proof has been accepted.
	ErrNoPrice = errors.New("no verified price for instrument")
)

// VerifiedPrice is the result of verifying one instrument in a proof.
type VerifiedPrice struct {
	InstrumentID uint16
	Price        int64 // price scale
	AsOf         int64 // unix micros embedded in the proof
}

// Verifier is the external oracle capability. The proof wire format is opaque
// to the engine; failures surface as ErrStaleOrInvalidProof.
type Verifier interface {
	Verify(proof []byte, instrumentIDs []uint16) ([]VerifiedPrice, error)
}

// Adapter verifies oracle proofs and caches the latest accepted price per
// instrument. The cache only moves forward: a verified proof with an AsOf
// older than the cached one is rejected, never silently ignored.
type Adapter struct {
	mu       sync.RWMutex
	verifier Verifier
	window   int64 // acceptance window in micros around now, 0 = disabled
	last     map[uint16]VerifiedPrice
}

func NewAdapter(verifier Verifier, acceptanceWindowMicros int64) *Adapter {
	return &Adapter{
		verifier: verifier,
		window:   acceptanceWindowMicros,
		last:     make(map[uint16]VerifiedPrice),
	}
}

// GetVerifiedPrice verifies proof for one instrument and returns the price
// and its as-of timestamp. The cached last-price is updated only on success.
func (a *Adapter) GetVerifiedPrice(proof []byte, instrumentID uint16, nowMicros int64) (int64, int64, error) {
	prices, err := a.verifier.Verify(proof, []uint16{instrumentID})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrStaleOrInvalidProof, err)
	}

	var vp *VerifiedPrice
	for i := range prices {
		if prices[i].InstrumentID == instrumentID {
			vp = &prices[i]
			break
		}
	}
	if vp == nil || vp.Price <= 0 {
		return 0, 0, fmt.Errorf("%w: instrument %d missing from proof", ErrStaleOrInvalidProof, instrumentID)
	}

	if a.window > 0 {
		delta := nowMicros - vp.AsOf
		if delta < 0 {
			delta = -delta
		}
		if delta > a.window {
			return 0, 0, fmt.Errorf("%w: as_of %d outside acceptance window", ErrStaleOrInvalidProof, vp.AsOf)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cached, ok := a.last[instrumentID]; ok && vp.AsOf <= cached.AsOf {
		return 0, 0, fmt.Errorf("%w: as_of %d <= cached %d", ErrStalePrice, vp.AsOf, cached.AsOf)
	}
	a.last[instrumentID] = *vp

	return vp.Price, vp.AsOf, nil
}

// GetLastPrice returns the most recent accepted price without re-verifying.
// Read path for liquidation and fee checks.
func (a *Adapter) GetLastPrice(instrumentID uint16) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	vp, ok := a.last[instrumentID]
	if !ok {
		return 0, fmt.Errorf("%w: instrument %d", ErrNoPrice, instrumentID)
	}
	return vp.Price, nil
}
