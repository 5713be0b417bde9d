package escrow_test

import (
	"testing"

	"PerpEngine/internal/escrow"
)

func TestCreditAndClaim(t *testing.T) {
	e := escrow.New()
	e.Credit("alice", 100)
	e.Credit("alice", 50)

	if got := e.Balance("alice"); got != 150 {
		t.Errorf("balance: got %d, want 150", got)
	}

	if got := e.ClaimAll("alice"); got != 150 {
		t.Errorf("claim: got %d, want 150", got)
	}
	if got := e.Balance("alice"); got != 0 {
		t.Errorf("balance after claim: got %d, want 0", got)
	}
}

func TestCreditIgnoresNonPositive(t *testing.T) {
	e := escrow.New()
	e.Credit("bob", 0)
	e.Credit("bob", -5)
	if got := e.Balance("bob"); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e := escrow.New()
	e.Credit("alice", 70)
	e.Credit("bob", 30)

	restored := escrow.New()
	restored.Restore(e.Balances())

	if got := restored.Balance("alice"); got != 70 {
		t.Errorf("alice: got %d, want 70", got)
	}
	if got := restored.Balance("bob"); got != 30 {
		t.Errorf("bob: got %d, want 30", got)
	}
}
