package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/meridian-pay/settlex/pkg/convert"
	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/retry"
	"github.com/meridian-pay/settlex/pkg/store"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrIdempotencyConflict is returned when a replayed idempotency key carries
// a different request body than the stored record.
var ErrIdempotencyConflict = errors.New("idempotency key is tied to different input")

// Uncredited dust buckets are directional: dust owed to the counterparty
// (outgoing) must never mix with dust owed by the connector (incoming).
const (
	dustOut = ":out"
	dustIn  = ":in"
)

// confirmPoolSize bounds concurrent confirmation checks per poll cycle.
const confirmPoolSize = 8

// submitClaimTTL leases the cross-instance submission claim. Generous next to
// the retry schedule so a live submission is never stolen; expiry frees claims
// orphaned by a crash mid-submission.
const submitClaimTTL = 5 * time.Minute

// Executor drives outgoing settlements through
// Pending -> Submitted -> Confirmed | Failed. All durable state lives in the
// Store; the executor itself can be restarted at any point.
type Executor struct {
	store         store.Store
	ledger        ledger.Client
	logger        *zap.Logger
	assetScale    uint8
	confirmations uint64
	submitRetry   retry.Config

	pool     pond.Pool
	inflight *xsync.Map[string, struct{}]
}

// NewExecutor wires the executor against a store and a ledger client.
// assetScale is the ledger's native decimal scale; confirmations is the
// depth at which a submitted transfer counts as final (0 is valid and means
// the first observed receipt confirms).
func NewExecutor(st store.Store, lc ledger.Client, logger *zap.Logger, assetScale uint8, confirmations uint64, submitRetry retry.Config) *Executor {
	return &Executor{
		store:         st,
		ledger:        lc,
		logger:        logger,
		assetScale:    assetScale,
		confirmations: confirmations,
		submitRetry:   submitRetry,
		pool:          pond.NewPool(confirmPoolSize),
		inflight:      xsync.NewMap[string, struct{}](),
	}
}

// Close drains the confirmation worker pool. Submissions run on their own
// goroutines and persist every transition, so they are not waited on; a
// restart resumes them from the store.
func (e *Executor) Close() {
	e.pool.StopAndWait()
}

func inputHash(accountID string, amount *big.Int, scale uint8) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", accountID, amount.String(), scale))
	return hex.EncodeToString(sum[:])
}

// Settle handles one settlement request. It creates (or replays) the record
// and kicks off submission in the background: the caller gets the current
// record state immediately, and cancelling the request does not cancel the
// settlement. The bool reports whether this call created a new record.
//
// Idempotency: for a key with an existing non-Failed record, no second
// transaction is ever submitted and the stored record is returned unchanged.
// A Failed record is reopened and resubmitted. A key replayed with different
// request input fails with ErrIdempotencyConflict.
func (e *Executor) Settle(ctx context.Context, accountID string, amount *big.Int, scale uint8, idempotencyKey string) (*store.SettlementRecord, bool, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	address, err := e.store.AccountAddress(ctx, accountID)
	if err != nil {
		return nil, false, err
	}

	// Convert up front so a ScaleOverflow rejects the request before any
	// record exists.
	native, dust, err := convert.ToNative(amount, scale, e.assetScale)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	rec := &store.SettlementRecord{
		IdempotencyKey: idempotencyKey,
		AccountID:      accountID,
		Amount:         amount.String(),
		Scale:          scale,
		NativeAmount:   native.String(),
		InputHash:      inputHash(accountID, amount, scale),
		State:          store.StatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	current, created, err := e.store.CreateSettlement(ctx, rec)
	if err != nil {
		return nil, false, err
	}

	if !created {
		if current.InputHash != rec.InputHash {
			return current, false, ErrIdempotencyConflict
		}
		if current.State != store.StateFailed {
			return current, false, nil
		}
		// Retry path for an exhausted record: reopen and resubmit.
		current.State = store.StatePending
		current.TxRef = ""
		current.ConfirmationsSeen = 0
		current.UpdatedAt = now
		if err := e.store.UpdateSettlement(ctx, current); err != nil {
			return nil, false, err
		}
		rec = current
		// The first attempt already banked this request's conversion dust;
		// banking it again on every replay would inflate the bucket.
		dust = nil
	}

	e.spawnSubmit(context.WithoutCancel(ctx), rec.Clone(), address, dust)
	return rec, created, nil
}

// spawnSubmit runs the submission once per idempotency key per process.
func (e *Executor) spawnSubmit(ctx context.Context, rec *store.SettlementRecord, address string, dust *big.Int) {
	if _, loaded := e.inflight.LoadOrStore(rec.IdempotencyKey, struct{}{}); loaded {
		return
	}
	go func() {
		defer e.inflight.Delete(rec.IdempotencyKey)
		e.submit(ctx, rec, address, dust)
	}()
}

// submit moves one Pending record to Submitted or Failed. The store-level
// claim makes the ledger call exclusive across engine instances sharing one
// store; the in-process inflight map only dedupes goroutines.
func (e *Executor) submit(ctx context.Context, rec *store.SettlementRecord, address string, dust *big.Int) {
	log := e.logger.With(
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("account_id", rec.AccountID))

	claimed, err := e.store.ClaimSubmission(ctx, rec.IdempotencyKey, submitClaimTTL)
	if err != nil {
		log.Warn("failed to claim submission, deferring to next cycle", zap.Error(err))
		return
	}
	if !claimed {
		log.Info("submission claimed by another instance")
		return
	}
	defer func() {
		if rerr := e.store.ReleaseSubmission(ctx, rec.IdempotencyKey); rerr != nil {
			log.Warn("failed to release submission claim", zap.Error(rerr))
		}
	}()

	total, ok := new(big.Int).SetString(rec.NativeAmount, 10)
	if !ok {
		log.Error("settlement record carries malformed native amount",
			zap.String("native_amount", rec.NativeAmount))
		e.fail(ctx, rec, log)
		return
	}

	// Bank this request's own conversion dust, then fold previously banked
	// dust into the transfer so truncated value eventually settles. folded
	// tracks the bucket value consumed here so a failed submission can put
	// it back.
	if dust != nil && dust.Sign() > 0 {
		if err := e.store.AddUncredited(ctx, rec.AccountID+dustOut, dust, rec.Scale); err != nil {
			log.Warn("failed to bank conversion dust", zap.Error(err))
		}
	}
	folded := new(big.Int)
	uAmt, uScale, err := e.store.TakeUncredited(ctx, rec.AccountID+dustOut)
	if err != nil {
		log.Warn("failed to load banked dust", zap.Error(err))
	} else if uAmt.Sign() > 0 {
		uNative, uDust, cerr := convert.ToNative(uAmt, uScale, e.assetScale)
		if cerr != nil {
			log.Warn("banked dust does not convert, restoring", zap.Error(cerr))
			if rerr := e.store.AddUncredited(ctx, rec.AccountID+dustOut, uAmt, uScale); rerr != nil {
				log.Error("failed to restore banked dust", zap.Error(rerr))
			}
		} else {
			total.Add(total, uNative)
			folded.Set(uNative)
			if uDust.Sign() > 0 {
				if rerr := e.store.AddUncredited(ctx, rec.AccountID+dustOut, uDust, uScale); rerr != nil {
					log.Error("failed to restore banked dust remainder", zap.Error(rerr))
				}
			}
		}
	}

	if total.Sign() == 0 {
		// The whole request truncated to dust; nothing to move on-chain.
		rec.State = store.StateConfirmed
		rec.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSettlement(ctx, rec); err != nil {
			log.Error("failed to persist dust-only settlement", zap.Error(err))
		}
		log.Info("settlement amount fully retained as dust")
		return
	}

	var (
		ref       ledger.TxRef
		permanent error
	)
	submitErr := retry.WithBackoff(ctx, e.submitRetry, e.logger, "submit transfer", func() error {
		r, serr := e.ledger.SubmitTransfer(ctx, address, total)
		if serr != nil {
			if errors.Is(serr, ledger.ErrInsufficientFunds) {
				permanent = serr
				return nil
			}
			return serr
		}
		ref = r
		return nil
	})

	if permanent != nil || submitErr != nil {
		if permanent != nil {
			log.Error("settlement failed permanently", zap.Error(permanent))
		} else {
			log.Error("settlement failed, retries exhausted", zap.Error(submitErr))
		}
		// Nothing moved on-chain: the bucket value folded into total goes
		// back, and the record keeps only its own request amount.
		if folded.Sign() > 0 {
			if rerr := e.store.AddUncredited(ctx, rec.AccountID+dustOut, folded, e.assetScale); rerr != nil {
				log.Error("failed to restore folded dust", zap.Error(rerr))
			}
		}
		e.fail(ctx, rec, log)
		return
	}

	rec.State = store.StateSubmitted
	rec.TxRef = string(ref)
	rec.NativeAmount = total.String()
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSettlement(ctx, rec); err != nil {
		log.Error("failed to persist submitted settlement", zap.Error(err))
		return
	}
	log.Info("settlement submitted",
		zap.String("tx_ref", rec.TxRef),
		zap.String("native_amount", total.String()))
}

func (e *Executor) fail(ctx context.Context, rec *store.SettlementRecord, log *zap.Logger) {
	rec.State = store.StateFailed
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSettlement(ctx, rec); err != nil {
		log.Error("failed to persist failed settlement", zap.Error(err))
	}
}

// CheckConfirmations is the periodic task behind the Submitted -> Confirmed
// transition. It also resumes Pending records orphaned by a crash between
// record creation and submission.
func (e *Executor) CheckConfirmations(ctx context.Context) error {
	recs, err := e.store.OpenSettlements(ctx)
	if err != nil {
		return fmt.Errorf("list open settlements: %w", err)
	}

	group := e.pool.NewGroupContext(ctx)
	for _, rec := range recs {
		rec := rec
		switch rec.State {
		case store.StateSubmitted:
			group.Submit(func() { e.checkOne(ctx, rec) })
		case store.StatePending:
			e.resume(ctx, rec)
		}
	}
	return group.Wait()
}

// resume re-runs submission for a Pending record with no in-process
// goroutine, e.g. after a restart.
func (e *Executor) resume(ctx context.Context, rec *store.SettlementRecord) {
	if _, busy := e.inflight.Load(rec.IdempotencyKey); busy {
		return
	}
	address, err := e.store.AccountAddress(ctx, rec.AccountID)
	if err != nil {
		e.logger.Error("pending settlement references unknown account",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("account_id", rec.AccountID),
			zap.Error(err))
		return
	}
	e.logger.Info("resuming pending settlement",
		zap.String("idempotency_key", rec.IdempotencyKey))
	e.spawnSubmit(ctx, rec, address, nil)
}

func (e *Executor) checkOne(ctx context.Context, rec *store.SettlementRecord) {
	count, err := e.ledger.ConfirmationCount(ctx, ledger.TxRef(rec.TxRef))
	if errors.Is(err, ledger.ErrTxNotFound) {
		// Not yet included; check again next cycle.
		return
	}
	if err != nil {
		e.logger.Warn("confirmation check failed",
			zap.String("tx_ref", rec.TxRef),
			zap.Error(err))
		return
	}

	changed := false
	if count > rec.ConfirmationsSeen {
		rec.ConfirmationsSeen = count
		changed = true
	}
	if rec.ConfirmationsSeen >= e.confirmations {
		rec.State = store.StateConfirmed
		changed = true
	}
	if !changed {
		return
	}

	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSettlement(ctx, rec); err != nil {
		e.logger.Error("failed to persist confirmation progress",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.Error(err))
		return
	}
	if rec.State == store.StateConfirmed {
		e.logger.Info("settlement confirmed",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("tx_ref", rec.TxRef),
			zap.Uint64("confirmations", rec.ConfirmationsSeen))
	}
}
