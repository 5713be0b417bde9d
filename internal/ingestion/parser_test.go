package ingestion_test

import (
	"testing"

	"PerpEngine/internal/ingestion"
)

// ============================================================================
// Test: BlockTick
// ============================================================================

func TestParseBlockTick(t *testing.T) {
	tick, err := ingestion.ParseBlockTick([]byte(`{"block": 42, "timestamp_us": 1700000000000000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.Block != 42 || tick.TimestampUs != 1_700_000_000_000_000 {
		t.Errorf("got %+v", tick)
	}
}

func TestParseBlockTick_RejectsNonPositiveBlock(t *testing.T) {
	if _, err := ingestion.ParseBlockTick([]byte(`{"block": 0, "timestamp_us": 1}`)); err == nil {
		t.Error("zero block should be rejected")
	}
	if _, err := ingestion.ParseBlockTick([]byte(`{"block": -3, "timestamp_us": 1}`)); err == nil {
		t.Error("negative block should be rejected")
	}
}

func TestParseBlockTick_RejectsGarbage(t *testing.T) {
	if _, err := ingestion.ParseBlockTick([]byte(`not json`)); err == nil {
		t.Error("garbage should be rejected")
	}
}

// ============================================================================
// Test: PriceProof
// ============================================================================

func TestParsePriceProof(t *testing.T) {
	// "cHJvb2Y=" is base64 for "proof".
	p, err := ingestion.ParsePriceProof("perp.oracle.proofs.7", []byte(`{"pair_index": 7, "proof": "cHJvb2Y=", "timestamp_us": 5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.PairIndex != 7 {
		t.Errorf("pair: got %d, want 7", p.PairIndex)
	}
	if string(p.Proof) != "proof" {
		t.Errorf("proof: got %q", p.Proof)
	}
}

func TestParsePriceProof_SubjectMismatch(t *testing.T) {
	_, err := ingestion.ParsePriceProof("perp.oracle.proofs.3", []byte(`{"pair_index": 7, "proof": "cHJvb2Y="}`))
	if err == nil {
		t.Error("subject/payload pair mismatch should be rejected")
	}
}

func TestParsePriceProof_EmptyProof(t *testing.T) {
	_, err := ingestion.ParsePriceProof("perp.oracle.proofs.7", []byte(`{"pair_index": 7, "proof": ""}`))
	if err == nil {
		t.Error("empty proof should be rejected")
	}
}

func TestParsePriceProof_NonNumericSuffixSkipsCheck(t *testing.T) {
	// Wildcard redeliveries can carry non-numeric suffixes; the payload alone
	// is authoritative then.
	p, err := ingestion.ParsePriceProof("perp.oracle.proofs.retry", []byte(`{"pair_index": 7, "proof": "cHJvb2Y="}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.PairIndex != 7 {
		t.Errorf("pair: got %d, want 7", p.PairIndex)
	}
}
