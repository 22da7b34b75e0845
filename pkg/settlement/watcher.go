package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/meridian-pay/settlex/pkg/convert"
	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/store"
	"go.uber.org/zap"
)

// Watcher polls the ledger for inbound transfers to registered settlement
// addresses and notifies the connector about each one exactly once (the tx
// hash is both the record key and the notification idempotency token).
//
// The watch cursor advances block by block, and only after every transfer in
// the block is durably recorded: a crash can re-scan a block but never skip
// one, and the tx-hash dedupe makes re-scans harmless.
type Watcher struct {
	store         store.Store
	ledger        ledger.Client
	notifier      *Notifier
	logger        *zap.Logger
	assetScale    uint8
	notifyScale   uint8
	confirmations uint64
	batch         uint64
}

// NewWatcher builds a watcher. notifyScale is the connector's accounting
// scale for notification amounts; batch bounds how many blocks one cycle
// processes so a long outage catches up in chunks.
func NewWatcher(st store.Store, lc ledger.Client, n *Notifier, logger *zap.Logger, assetScale, notifyScale uint8, confirmations, batch uint64) *Watcher {
	if batch == 0 {
		batch = 100
	}
	return &Watcher{
		store:         st,
		ledger:        lc,
		notifier:      n,
		logger:        logger,
		assetScale:    assetScale,
		notifyScale:   notifyScale,
		confirmations: confirmations,
		batch:         batch,
	}
}

// Cycle runs one polling iteration: first re-deliver notifications that
// previously failed, then scan newly final blocks.
func (w *Watcher) Cycle(ctx context.Context) error {
	w.retryUnnotified(ctx)

	head, err := w.ledger.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}

	// A block at height h has head-h+1 confirmations; only scan blocks that
	// already reached the configured depth. Depth 0 behaves like depth 1:
	// inclusion in a block is the earliest observable point.
	safe := head
	if w.confirmations > 1 {
		if head < w.confirmations-1 {
			return nil
		}
		safe = head - (w.confirmations - 1)
	}

	cursor, err := w.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	limit := safe
	if cursor+w.batch < limit {
		limit = cursor + w.batch
	}

	for h := cursor + 1; h <= limit; h++ {
		if err := w.scanBlock(ctx, h); err != nil {
			// Do not advance past a block we could not durably record.
			return err
		}
		if err := w.store.AdvanceCursor(ctx, h-1, h); err != nil {
			if errors.Is(err, store.ErrCursorConflict) {
				// Another instance is ahead of us; let it carry on.
				w.logger.Info("watch cursor advanced elsewhere, yielding",
					zap.Uint64("height", h))
				return nil
			}
			return fmt.Errorf("advance cursor to %d: %w", h, err)
		}
	}
	return nil
}

// scanBlock records every transfer in block h that targets a registered
// settlement address. Safe to call repeatedly for the same height.
func (w *Watcher) scanBlock(ctx context.Context, h uint64) error {
	transfers, err := w.ledger.BlockTransfers(ctx, h)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", h, err)
	}

	for _, t := range transfers {
		accountID, err := w.store.AccountForAddress(ctx, t.To)
		if errors.Is(err, store.ErrNotFound) {
			// Not a settlement address; none of our business.
			continue
		}
		if err != nil {
			return fmt.Errorf("reverse lookup %s: %w", t.To, err)
		}

		rec := &store.IncomingTransfer{
			TxHash:       t.Hash,
			AccountID:    accountID,
			FromAddress:  t.From,
			ToAddress:    t.To,
			AmountNative: t.Amount.String(),
			BlockHeight:  h,
			CreatedAt:    time.Now().UTC(),
		}
		created, err := w.store.RecordIncoming(ctx, rec)
		if err != nil {
			return fmt.Errorf("record transfer %s: %w", t.Hash, err)
		}
		if !created {
			continue
		}
		w.logger.Info("observed incoming settlement",
			zap.String("tx_hash", t.Hash),
			zap.String("account_id", accountID),
			zap.String("amount_native", rec.AmountNative),
			zap.Uint64("block_height", h))

		// Best effort; a failure leaves the record unnotified and the next
		// cycle retries.
		if err := w.notify(ctx, rec); err != nil {
			w.logger.Warn("settlement notification deferred",
				zap.String("tx_hash", t.Hash),
				zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) retryUnnotified(ctx context.Context) {
	recs, err := w.store.UnnotifiedIncoming(ctx)
	if err != nil {
		w.logger.Warn("failed to list unnotified transfers", zap.Error(err))
		return
	}
	for _, rec := range recs {
		if err := w.notify(ctx, rec); err != nil {
			w.logger.Warn("settlement notification still failing",
				zap.String("tx_hash", rec.TxHash),
				zap.Error(err))
		}
	}
}

// notify converts the native amount into the connector's accounting scale,
// folds in banked incoming dust, and delivers the notification. Dust
// bookkeeping is rolled back when delivery fails so no value is lost across
// retries.
func (w *Watcher) notify(ctx context.Context, rec *store.IncomingTransfer) error {
	amount, ok := new(big.Int).SetString(rec.AmountNative, 10)
	if !ok {
		return fmt.Errorf("malformed native amount %q on %s", rec.AmountNative, rec.TxHash)
	}

	dustKey := rec.AccountID + dustIn
	uAmt, uScale, err := w.store.TakeUncredited(ctx, dustKey)
	if err != nil {
		return fmt.Errorf("load banked dust: %w", err)
	}

	merged, err := convert.Merge(
		convert.Scaled{Amount: uAmt, Scale: uScale},
		convert.Scaled{Amount: amount, Scale: w.assetScale},
	)
	if err != nil {
		return fmt.Errorf("fold banked dust: %w", err)
	}

	credit, dust, err := convert.ToNative(merged.Amount, merged.Scale, w.notifyScale)
	if err != nil {
		return fmt.Errorf("convert to connector scale: %w", err)
	}

	if credit.Sign() == 0 {
		// Too small to represent at the connector's scale; bank it all and
		// consider this transfer notified.
		if err := w.store.AddUncredited(ctx, dustKey, merged.Amount, merged.Scale); err != nil {
			return fmt.Errorf("bank sub-unit transfer: %w", err)
		}
		return w.store.MarkNotified(ctx, rec.TxHash)
	}

	if err := w.notifier.NotifySettlement(ctx, rec.AccountID, credit, w.notifyScale, rec.TxHash); err != nil {
		// Restore the folded dust; the retry recomputes from AmountNative.
		if uAmt.Sign() > 0 {
			if rerr := w.store.AddUncredited(ctx, dustKey, uAmt, uScale); rerr != nil {
				w.logger.Error("failed to restore banked dust",
					zap.String("account_id", rec.AccountID),
					zap.Error(rerr))
			}
		}
		return err
	}

	if dust.Sign() > 0 {
		if err := w.store.AddUncredited(ctx, dustKey, dust, merged.Scale); err != nil {
			w.logger.Error("failed to bank notification dust",
				zap.String("account_id", rec.AccountID),
				zap.Error(err))
		}
	}
	return w.store.MarkNotified(ctx, rec.TxHash)
}
