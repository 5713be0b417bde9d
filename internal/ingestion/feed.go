package ingestion

import (
	"context"
	"errors"
	"log"
	"strings"

	"PerpEngine/internal/oracle"
	"PerpEngine/internal/trading"
)

// FeedWorker drains the raw inbound channel and applies chain and oracle
// inputs to the trading engine. Messages apply in channel order; a stale
// proof is ACKed (redelivery cannot make it fresh), anything else NAKs for
// redelivery.
type FeedWorker struct {
	engine    *trading.Engine
	inputChan <-chan RawEvent
}

func NewFeedWorker(engine *trading.Engine, inputChan <-chan RawEvent) *FeedWorker {
	return &FeedWorker{engine: engine, inputChan: inputChan}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (fw *FeedWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-fw.inputChan:
			if !ok {
				return nil
			}
			fw.apply(raw)
		}
	}
}

func (fw *FeedWorker) apply(raw RawEvent) {
	switch {
	case strings.HasPrefix(raw.Subject, "perp.chain."):
		tick, err := ParseBlockTick(raw.Data)
		if err != nil {
			log.Printf("WARN: dropping malformed block tick: %v", err)
			raw.AckFunc() // malformed forever; redelivery won't help
			return
		}
		fw.engine.AdvanceBlock(tick.Block, tick.TimestampUs)
		raw.AckFunc()

	case strings.HasPrefix(raw.Subject, "perp.oracle."):
		proof, err := ParsePriceProof(raw.Subject, raw.Data)
		if err != nil {
			log.Printf("WARN: dropping malformed price proof: %v", err)
			raw.AckFunc()
			return
		}
		if err := fw.engine.SyncFunding(proof.PairIndex, proof.Proof); err != nil {
			if errors.Is(err, oracle.ErrStaleOrInvalidProof) || errors.Is(err, oracle.ErrStalePrice) {
				raw.AckFunc() // a stale proof stays stale
				return
			}
			log.Printf("WARN: funding sync failed pair=%d: %v", proof.PairIndex, err)
			raw.NakFunc()
			return
		}
		raw.AckFunc()

	default:
		log.Printf("WARN: unrecognized subject %s", raw.Subject)
		raw.AckFunc()
	}
}
