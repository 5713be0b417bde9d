package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the persisted event log and trade
// history. Live state (open trades, prices, vault balances) is served from
// the engine's memory, not from here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// TradeHistory returns a trader's trade records, newest first. Cursor-based:
// pass the last seen opened block to page backward.
func (s *Service) TradeHistory(ctx context.Context, trader string, pairIndex *int32, limit int, beforeBlock *int64) ([]TradeHistoryEntry, error) {
	query := `
		SELECT trade_id, trader, pair_index, slot_index, long, collateral, leverage,
		       open_price, close_price, payout, status, opened_block, closed_block
		FROM perp.trade_history
		WHERE trader = $1
	`
	args := []interface{}{trader}
	argIdx := 2

	if pairIndex != nil {
		query += fmt.Sprintf(" AND pair_index = $%d", argIdx)
		args = append(args, *pairIndex)
		argIdx++
	}
	if beforeBlock != nil {
		query += fmt.Sprintf(" AND opened_block < $%d", argIdx)
		args = append(args, *beforeBlock)
		argIdx++
	}

	query += " ORDER BY opened_block DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TradeHistoryEntry
	for rows.Next() {
		var e TradeHistoryEntry
		if err := rows.Scan(
			&e.TradeID, &e.Trader, &e.PairIndex, &e.SlotIndex, &e.Long,
			&e.Collateral, &e.Leverage, &e.OpenPrice, &e.ClosePrice,
			&e.Payout, &e.Status, &e.OpenedBlock, &e.ClosedBlock,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Events returns engine events for a trader, newest first, cursor on sequence.
func (s *Service) Events(ctx context.Context, trader string, limit int, beforeSequence *int64) ([]EventLogEntry, error) {
	query := `
		SELECT sequence, kind, trader, pair_index, block, timestamp, payload
		FROM perp.events
		WHERE trader = $1
	`
	args := []interface{}{trader}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(
			&e.Sequence, &e.Kind, &e.Trader, &e.PairIndex,
			&e.Block, &e.Timestamp, &e.Payload,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Stats aggregates a trader's history in one query.
func (s *Service) Stats(ctx context.Context, trader string) (*TraderStats, error) {
	stats := &TraderStats{Trader: trader}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'closed'),
			COUNT(*) FILTER (WHERE status = 'liquidated'),
			COALESCE(SUM(payout), 0)
		FROM perp.trade_history
		WHERE trader = $1
	`, trader).Scan(&stats.OpenTrades, &stats.ClosedTrades, &stats.Liquidations, &stats.TotalPayout)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// LatestSequence returns the newest persisted event sequence, 0 when empty.
func (s *Service) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM perp.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
