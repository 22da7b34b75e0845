package controller

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/meridian-pay/settlex/pkg/convert"
	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/settlement"
	"github.com/meridian-pay/settlex/pkg/store"
	"go.uber.org/zap"
)

type settleRequest struct {
	Amount json.Number `json:"amount"`
	Scale  uint8       `json:"scale"`
}

// Settle accepts a settlement obligation from the connector and starts the
// asynchronous submission. The Idempotency-Key header makes retries safe;
// replaying a key returns the existing record without touching the ledger.
func (c *Controller) Settle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount.String(), 10)
	if !ok {
		c.writeError(w, http.StatusBadRequest, "amount must be a base-10 integer")
		return
	}

	key := r.Header.Get("Idempotency-Key")

	rec, created, err := c.Executor.Settle(r.Context(), id, amount, req.Scale, key)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.writeError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, settlement.ErrIdempotencyConflict):
			c.writeError(w, http.StatusConflict, "idempotency key is tied to different input")
		case errors.Is(err, convert.ErrScaleOverflow), errors.Is(err, convert.ErrNegativeAmount):
			c.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrSubmission):
			c.writeError(w, http.StatusBadGateway, "ledger unavailable")
		default:
			c.Logger.Error("settlement request failed", zap.String("account", id), zap.Error(err))
			c.writeError(w, http.StatusInternalServerError, "settlement request failed")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.writeJSON(w, status, rec)
}

// GetSettlement returns the record behind an idempotency key so callers can
// poll submission and confirmation progress.
func (c *Controller) GetSettlement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, key := vars["id"], vars["key"]

	rec, err := c.Store.Settlement(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.writeError(w, http.StatusNotFound, "settlement not found")
			return
		}
		c.Logger.Error("failed to load settlement", zap.String("key", key), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to load settlement")
		return
	}
	if rec.AccountID != id {
		c.writeError(w, http.StatusNotFound, "settlement not found")
		return
	}

	c.writeJSON(w, http.StatusOK, rec)
}

// Messages handles the connector's engine-to-engine message relay. This
// engine settles against a shared ledger and needs no peer coordination, so
// any payload is acknowledged and discarded.
func (c *Controller) Messages(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, struct{}{})
}
