package vault

// State is the vault's full serializable accounting, captured for snapshots.
type State struct {
	Params Params

	TotalShares    int64
	FreeShares     map[string]int64
	Assets         int64
	AccPnlPerToken int64
	PendingPnl     int64

	Epoch      Epoch
	DayStart   int64
	DailyDelta int64

	WithdrawRequests map[string]map[int64]int64
	RequestedShares  map[string]int64
	Locked           []LockedDeposit
}

// ExportState copies all vault accounting for snapshotting.
func (v *Vault) ExportState() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := State{
		Params:           v.params,
		TotalShares:      v.totalShares,
		FreeShares:       make(map[string]int64, len(v.freeShares)),
		Assets:           v.assets,
		AccPnlPerToken:   v.accPnlPerToken,
		PendingPnl:       v.pendingPnl,
		Epoch:            v.epoch,
		DayStart:         v.dayStart,
		DailyDelta:       v.dailyDelta,
		WithdrawRequests: make(map[string]map[int64]int64, len(v.withdrawRequests)),
		RequestedShares:  make(map[string]int64, len(v.requestedShares)),
		Locked:           make([]LockedDeposit, 0, len(v.locked)),
	}
	for owner, shares := range v.freeShares {
		s.FreeShares[owner] = shares
	}
	for owner, reqs := range v.withdrawRequests {
		m := make(map[int64]int64, len(reqs))
		for epoch, shares := range reqs {
			m[epoch] = shares
		}
		s.WithdrawRequests[owner] = m
	}
	for owner, shares := range v.requestedShares {
		s.RequestedShares[owner] = shares
	}
	for _, ld := range v.locked {
		s.Locked = append(s.Locked, *ld)
	}
	return s
}

// RestoreState replaces all vault accounting from a snapshot. Params come
// from the snapshot, not the constructor, so config changes between restarts
// do not silently rewrite history.
func (v *Vault) RestoreState(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.params = s.Params
	v.totalShares = s.TotalShares
	v.assets = s.Assets
	v.accPnlPerToken = s.AccPnlPerToken
	v.pendingPnl = s.PendingPnl
	v.epoch = s.Epoch
	v.dayStart = s.DayStart
	v.dailyDelta = s.DailyDelta

	v.freeShares = make(map[string]int64, len(s.FreeShares))
	for owner, shares := range s.FreeShares {
		v.freeShares[owner] = shares
	}
	v.withdrawRequests = make(map[string]map[int64]int64, len(s.WithdrawRequests))
	for owner, reqs := range s.WithdrawRequests {
		m := make(map[int64]int64, len(reqs))
		for epoch, shares := range reqs {
			m[epoch] = shares
		}
		v.withdrawRequests[owner] = m
	}
	v.requestedShares = make(map[string]int64, len(s.RequestedShares))
	for owner, shares := range s.RequestedShares {
		v.requestedShares[owner] = shares
	}
	v.locked = make(map[string]*LockedDeposit, len(s.Locked))
	for _, ld := range s.Locked {
		c := ld
		v.locked[c.ID.String()] = &c
	}
}
