package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes engine events and trade history to Postgres using
// multi-row INSERTs. Writes are idempotent: the event log conflicts on
// sequence, trade history upserts on trade id.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in perp.events.
type EventRow struct {
	Sequence  int64
	Kind      string
	Trader    string
	PairIndex *int32
	Block     int64
	Timestamp time.Time
	Payload   []byte // JSON-encoded payload
}

// TradeHistoryRow is a row in perp.trade_history. One row per trade id,
// updated in place as the trade opens and later closes or liquidates.
type TradeHistoryRow struct {
	TradeID     string
	Trader      string
	PairIndex   int32
	SlotIndex   int32
	Long        bool
	Collateral  int64
	Leverage    int64
	OpenPrice   int64
	ClosePrice  *int64
	Payout      *int64
	Status      string // "open", "closed", "liquidated"
	OpenedBlock int64
	ClosedBlock *int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO perp.events
		(sequence, kind, trader, pair_index, block, timestamp, payload)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.Kind, e.Trader, e.PairIndex,
			e.Block, e.Timestamp, e.Payload,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertTradeHistory writes or updates one trade-history row inside tx.
func (w *EventLogWriter) UpsertTradeHistory(ctx context.Context, row TradeHistoryRow, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO perp.trade_history
			(trade_id, trader, pair_index, slot_index, long, collateral, leverage,
			 open_price, close_price, payout, status, opened_block, closed_block)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (trade_id) DO UPDATE SET
			close_price  = EXCLUDED.close_price,
			payout       = EXCLUDED.payout,
			status       = EXCLUDED.status,
			closed_block = EXCLUDED.closed_block`,
		row.TradeID, row.Trader, row.PairIndex, row.SlotIndex, row.Long,
		row.Collateral, row.Leverage, row.OpenPrice, row.ClosePrice,
		row.Payout, row.Status, row.OpenedBlock, row.ClosedBlock,
	)
	return err
}

// CloseTradeHistory marks an existing row closed without re-sending open data.
func (w *EventLogWriter) CloseTradeHistory(ctx context.Context, tradeID string, closePrice, payout, closedBlock int64, status string, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE perp.trade_history
		SET close_price = $2, payout = $3, closed_block = $4, status = $5
		WHERE trade_id = $1`,
		tradeID, closePrice, payout, closedBlock, status,
	)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
