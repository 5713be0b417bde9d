package oracle

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Ed25519Verifier checks detached-signature price proofs. Wire format:
// the first 64 bytes are the ed25519 signature, the remainder is a JSON
// array of priced instruments signed by the oracle operator's key.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

type proofEntry struct {
	InstrumentID uint16 `json:"instrument_id"`
	Price        int64  `json:"price"`
	AsOf         int64  `json:"as_of"`
}

func NewEd25519Verifier(pubKeyHex string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode oracle public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("oracle public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(raw)}, nil
}

// Verify checks the signature and returns the prices for the requested
// instruments. Instruments absent from the proof are simply not returned;
// the adapter decides whether that is fatal.
func (v *Ed25519Verifier) Verify(proof []byte, instrumentIDs []uint16) ([]VerifiedPrice, error) {
	if len(proof) <= ed25519.SignatureSize {
		return nil, fmt.Errorf("proof too short: %d bytes", len(proof))
	}
	sig := proof[:ed25519.SignatureSize]
	payload := proof[ed25519.SignatureSize:]

	if !ed25519.Verify(v.pub, payload, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}

	var entries []proofEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode proof payload: %w", err)
	}

	wanted := make(map[uint16]bool, len(instrumentIDs))
	for _, id := range instrumentIDs {
		wanted[id] = true
	}

	out := make([]VerifiedPrice, 0, len(instrumentIDs))
	for _, e := range entries {
		if wanted[e.InstrumentID] {
			out = append(out, VerifiedPrice{
				InstrumentID: e.InstrumentID,
				Price:        e.Price,
				AsOf:         e.AsOf,
			})
		}
	}
	return out, nil
}

// SignProof builds a wire proof from a private key. Used by tests and the
// local oracle simulator.
func SignProof(priv ed25519.PrivateKey, prices []VerifiedPrice) ([]byte, error) {
	entries := make([]proofEntry, 0, len(prices))
	for _, p := range prices {
		entries = append(entries, proofEntry{InstrumentID: p.InstrumentID, Price: p.Price, AsOf: p.AsOf})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, payload)
	return append(sig, payload...), nil
}
