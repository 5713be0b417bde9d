package escrow

import "sync"

// Escrow is a deferred-claim buffer for trader payouts that cannot be
// settled synchronously. Credits accumulate per trader until claimed.
type Escrow struct {
	mu       sync.Mutex
	balances map[string]int64
}

func New() *Escrow {
	return &Escrow{balances: make(map[string]int64)}
}

// Credit appends amount to the trader's claimable balance.
func (e *Escrow) Credit(trader string, amount int64) {
	if amount <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[trader] += amount
}

// ClaimAll drains and returns the trader's full claimable balance.
func (e *Escrow) ClaimAll(trader string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	amount := e.balances[trader]
	delete(e.balances, trader)
	return amount
}

// Balance returns the current claimable balance without draining it.
func (e *Escrow) Balance(trader string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[trader]
}

// Balances copies every claimable balance for snapshotting.
func (e *Escrow) Balances() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int64, len(e.balances))
	for trader, amount := range e.balances {
		out[trader] = amount
	}
	return out
}

// Restore replaces all balances from a snapshot.
func (e *Escrow) Restore(balances map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = make(map[string]int64, len(balances))
	for trader, amount := range balances {
		e.balances[trader] = amount
	}
}
