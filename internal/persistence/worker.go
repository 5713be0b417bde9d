package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. The engine
// sends on this channel BLOCKING, so if the worker falls behind the engine
// stalls — no event is ever lost.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persist_worker"),
	}
}

// Run starts the worker loop. It batches incoming envelopes and flushes
// either when the batch is full or the flush timeout expires. Blocks until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]event.Envelope, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, env)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// events — it retries until the write succeeds or the context is cancelled,
// then attempts one final flush so shutdown does not lose the batch.
func (w *Worker) flushWithRetry(ctx context.Context, batch []event.Envelope) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), batch); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes the event batch and the derived trade-history updates in one
// transaction.
func (w *Worker) flush(ctx context.Context, batch []event.Envelope) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	rows := make([]EventRow, 0, len(batch))
	for _, env := range batch {
		payload, err := MarshalEventPayload(env.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		var pair *int32
		if env.PairIndex != nil {
			p := int32(*env.PairIndex)
			pair = &p
		}
		rows = append(rows, EventRow{
			Sequence:  env.Sequence,
			Kind:      env.KindName,
			Trader:    env.Trader,
			PairIndex: pair,
			Block:     env.Block,
			Timestamp: time.UnixMicro(env.Timestamp).UTC(),
			Payload:   payload,
		})
	}

	if err := w.writer.WriteEventBatch(ctx, rows, tx); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	for _, env := range batch {
		if err := w.projectTradeHistory(ctx, env, tx); err != nil {
			if w.metrics != nil {
				w.metrics.PersistErrors.WithLabelValues("trade_history").Inc()
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistEventsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}

// projectTradeHistory derives trade-history writes from lifecycle events.
// Non-lifecycle events (funding, epoch, order flow) leave history untouched.
func (w *Worker) projectTradeHistory(ctx context.Context, env event.Envelope, tx *sql.Tx) error {
	switch p := env.Payload.(type) {
	case *event.TradeOpened:
		return w.writer.UpsertTradeHistory(ctx, TradeHistoryRow{
			TradeID:     p.TradeID.String(),
			Trader:      p.Trader,
			PairIndex:   int32(p.PairIndex),
			SlotIndex:   int32(p.SlotIndex),
			Long:        p.Long,
			Collateral:  p.Collateral,
			Leverage:    p.Leverage,
			OpenPrice:   p.OpenPrice,
			Status:      "open",
			OpenedBlock: env.Block,
		}, tx)
	case *event.TradeClosed:
		return w.writer.CloseTradeHistory(ctx, p.TradeID.String(), p.ClosePrice, p.Payout, env.Block, "closed", tx)
	case *event.Liquidation:
		return w.writer.CloseTradeHistory(ctx, p.TradeID.String(), p.MarkPrice, 0, env.Block, "liquidated", tx)
	default:
		return nil
	}
}
