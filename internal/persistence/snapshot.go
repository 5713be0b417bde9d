package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading engine state snapshots for
// recovery. A snapshot captures open trades, resting orders, funding state,
// the vault accounting and escrow balances at one operation sequence; warm
// restart loads the latest snapshot and fast-forwards the sequence past the
// event-log head so new outcomes never collide with persisted history.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence   int64                  `json:"sequence"`
	Block      int64                  `json:"block"`
	NowMicros  int64                  `json:"now_micros"`
	Registry   RegistrySnap           `json:"registry"`
	Trades     []TradeSnapshot        `json:"trades"`
	Orders     []OrderSnapshot        `json:"orders"`
	Funding    map[string]FundingSnap `json:"funding"`     // "pair:N" / "group:N"
	PairGroups map[uint16]uint16      `json:"pair_groups"` // pair index -> group index
	Vault      VaultSnap              `json:"vault"`
	Escrow     map[string]int64       `json:"escrow"`    // trader -> claimable
	Referrers  map[string]string      `json:"referrers"` // trader -> referrer
	CreatedAt  time.Time              `json:"created_at"`
}

// RegistrySnap is the reference-data config at snapshot time. Restoring it
// rebuilds the registry so a snapshot is self-contained.
type RegistrySnap struct {
	Groups []GroupSnap `json:"groups"`
	Fees   []FeeSnap   `json:"fees"`
	Pairs  []PairSnap  `json:"pairs"`
}

// GroupSnap is a serializable leverage group.
type GroupSnap struct {
	Index          uint16 `json:"index"`
	Name           string `json:"name"`
	MinLeverage    int64  `json:"min_leverage"`
	MaxLeverage    int64  `json:"max_leverage"`
	MaxCollateralP int64  `json:"max_collateral_p"`
}

// FeeSnap is a serializable fee tier.
type FeeSnap struct {
	Index            uint16 `json:"index"`
	Name             string `json:"name"`
	OpenFeeP         int64  `json:"open_fee_p"`
	CloseFeeP        int64  `json:"close_fee_p"`
	OracleFee        int64  `json:"oracle_fee"`
	TriggerOrderFeeP int64  `json:"trigger_order_fee_p"`
	ReferralP        int64  `json:"referral_p"`
	MinLevPos        int64  `json:"min_lev_pos"`
}

// PairSnap is a serializable tradable pair.
type PairSnap struct {
	Index              uint16 `json:"index"`
	From               string `json:"from"`
	To                 string `json:"to"`
	GroupIndex         uint16 `json:"group_index"`
	FeeIndex           uint16 `json:"fee_index"`
	SpreadP            int64  `json:"spread_p"`
	OnePercentDepth    int64  `json:"one_percent_depth"`
	ImpactWindowBlocks int64  `json:"impact_window_blocks"`
	LiqThresholdP      int64  `json:"liq_threshold_p"`
}

// TradeSnapshot is a serializable open trade.
type TradeSnapshot struct {
	TradeID          string `json:"trade_id"`
	Trader           string `json:"trader"`
	PairIndex        uint16 `json:"pair_index"`
	SlotIndex        uint8  `json:"slot_index"`
	Long             bool   `json:"long"`
	Collateral       int64  `json:"collateral"`
	Leverage         int64  `json:"leverage"`
	OpenPrice        int64  `json:"open_price"`
	TakeProfit       int64  `json:"take_profit"`
	StopLoss         int64  `json:"stop_loss"`
	OpenedAtBlock    int64  `json:"opened_at_block"`
	AccFundingAtOpen int64  `json:"acc_funding_at_open"`
	LastUpdatedBlock int64  `json:"last_updated_block"`
}

// OrderSnapshot is a serializable resting order.
type OrderSnapshot struct {
	Trader        string `json:"trader"`
	PairIndex     uint16 `json:"pair_index"`
	SlotIndex     uint8  `json:"slot_index"`
	OrderType     int32  `json:"order_type"`
	Long          bool   `json:"long"`
	MinPrice      int64  `json:"min_price"`
	MaxPrice      int64  `json:"max_price"`
	TakeProfit    int64  `json:"take_profit"`
	StopLoss      int64  `json:"stop_loss"`
	MaxSlippageP  int64  `json:"max_slippage_p"`
	Escrowed      int64  `json:"escrowed"`
	Leverage      int64  `json:"leverage"`
	PlacedAtBlock int64  `json:"placed_at_block"`
}

// FundingSnap is a serializable funding state for one pair or group,
// including its accrual params so restore needs no re-registration.
type FundingSnap struct {
	LongOI        int64 `json:"long_oi"`
	ShortOI       int64 `json:"short_oi"`
	AccRateLong   int64 `json:"acc_rate_long"`
	AccRateShort  int64 `json:"acc_rate_short"`
	CurrentRate   int64 `json:"current_rate"`
	LastSyncBlock int64 `json:"last_sync_block"`
	Synced        bool  `json:"synced"`
	FeePerBlock   int64 `json:"fee_per_block"`
	FeeExponent   int   `json:"fee_exponent"`
	MaxOI         int64 `json:"max_oi"`
}

// VaultParamsSnap pins the share-pricing params that were live at snapshot
// time; restore uses them so config edits cannot rewrite past accounting.
type VaultParamsSnap struct {
	EpochDurationMicros         int64 `json:"epoch_duration_micros"`
	WithdrawEpochsLock          int64 `json:"withdraw_epochs_lock"`
	MaxAccPnlDeltaPerToken      int64 `json:"max_acc_pnl_delta_per_token"`
	MaxDailyAccPnlDeltaPerToken int64 `json:"max_daily_acc_pnl_delta_per_token"`
	CollateralizationP          int64 `json:"collateralization_p"`
	MaxDiscountP                int64 `json:"max_discount_p"`
	MaxDiscountThresholdP       int64 `json:"max_discount_threshold_p"`
	MinLockDuration             int64 `json:"min_lock_duration"`
	MaxLockDuration             int64 `json:"max_lock_duration"`
}

// VaultSnap is the vault's serializable accounting state.
type VaultSnap struct {
	Params         VaultParamsSnap  `json:"params"`
	TotalShares    int64            `json:"total_shares"`
	Assets         int64            `json:"assets"`
	AccPnlPerToken int64            `json:"acc_pnl_per_token"`
	PendingPnl     int64            `json:"pending_pnl"`
	EpochID        int64            `json:"epoch_id"`
	EpochStart     int64            `json:"epoch_start"`
	DayStart       int64            `json:"day_start"`
	DailyDelta     int64            `json:"daily_delta"`
	Shares         map[string]int64 `json:"shares"` // owner -> free shares

	// owner -> unlockEpoch -> shares reserved for withdrawal
	WithdrawRequests map[string]map[int64]int64 `json:"withdraw_requests"`
	RequestedShares  map[string]int64           `json:"requested_shares"`
	Locked           []LockedDepositSnap        `json:"locked"`
}

// LockedDepositSnap is a serializable locked deposit.
type LockedDepositSnap struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Shares          int64  `json:"shares"`
	AssetsDeposited int64  `json:"assets_deposited"`
	DiscountP       int64  `json:"discount_p"`
	LockedAtMicros  int64  `json:"locked_at_micros"`
	UnlockAtMicros  int64  `json:"unlock_at_micros"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// snapshotHash is the integrity digest over the canonical JSON encoding of a
// snapshot. JSONB round-trips do not preserve bytes, so verification re-encodes
// the decoded struct rather than hashing the stored column.
func snapshotHash(snap *SnapshotData) ([]byte, []byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, sum[:], nil
}

// SaveSnapshot persists a snapshot to Postgres together with its integrity
// hash. Snapshots are taken periodically and on graceful shutdown.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, hash, err := snapshotHash(snap)
	if err != nil {
		return err
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO perp.snapshots
			(snapshot_id, sequence, block, data, format_version, size_bytes, state_hash, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, block = $3, size_bytes = $6, state_hash = $7
	`, snapshotID, snap.Sequence, snap.Block, data, formatVersion, len(data), hash, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start. A snapshot whose integrity hash does not match is an error:
// restoring silently corrupted state is worse than refusing to start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, state_hash FROM perp.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data, storedHash []byte
	if err := row.Scan(&data, &storedHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	_, hash, err := snapshotHash(&snap)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(hash, storedHash) {
		return nil, fmt.Errorf("snapshot at sequence %d failed integrity check", snap.Sequence)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE perp.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, kind, trader, pair_index, block, timestamp, payload
		FROM perp.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.Kind, &e.Trader, &e.PairIndex,
			&e.Block, &e.Timestamp, &e.Payload,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM perp.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
