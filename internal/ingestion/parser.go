package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BlockTick is a new chain block observed upstream. It drives the engine's
// versioned clock and the vault's epoch stepping.
type BlockTick struct {
	Block       int64 `json:"block"`
	TimestampUs int64 `json:"timestamp_us"`
}

// PriceProof is a signed oracle price attestation for one pair, used to
// accrue funding. The proof bytes go to the verifier untouched.
type PriceProof struct {
	PairIndex   uint16 `json:"pair_index"`
	Proof       []byte `json:"proof"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseBlockTick decodes a perp.chain.blocks message.
func ParseBlockTick(data []byte) (BlockTick, error) {
	var t BlockTick
	if err := json.Unmarshal(data, &t); err != nil {
		return BlockTick{}, fmt.Errorf("parse BlockTick: %w", err)
	}
	if t.Block <= 0 {
		return BlockTick{}, fmt.Errorf("parse BlockTick: non-positive block %d", t.Block)
	}
	return t, nil
}

// ParsePriceProof decodes a perp.oracle.proofs.{pair} message. The pair index
// in the payload must match the subject suffix; a mismatch is a producer bug.
func ParsePriceProof(subject string, data []byte) (PriceProof, error) {
	var p PriceProof
	if err := json.Unmarshal(data, &p); err != nil {
		return PriceProof{}, fmt.Errorf("parse PriceProof: %w", err)
	}
	if len(p.Proof) == 0 {
		return PriceProof{}, fmt.Errorf("parse PriceProof: empty proof")
	}

	if idx := strings.LastIndex(subject, "."); idx >= 0 {
		suffix := subject[idx+1:]
		if n, err := strconv.ParseUint(suffix, 10, 16); err == nil && uint16(n) != p.PairIndex {
			return PriceProof{}, fmt.Errorf("parse PriceProof: subject pair %d != payload pair %d", n, p.PairIndex)
		}
	}
	return p, nil
}
