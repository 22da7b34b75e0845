package controller

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/meridian-pay/settlex/pkg/store"
	"go.uber.org/zap"
)

type registerRequest struct {
	OwnAddress string `json:"own_address"`
}

type accountResponse struct {
	AccountID  string `json:"account_id"`
	OwnAddress string `json:"own_address"`
}

// RegisterAccount binds an account id to an on-chain settlement address.
// Registration is first-write-wins: re-registering with the same address is
// a no-op, a different address is a conflict.
func (c *Controller) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		c.writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.OwnAddress) {
		c.writeError(w, http.StatusBadRequest, "invalid settlement address")
		return
	}
	// EIP-55 form, so mixed-case duplicates collapse to one mapping
	address := common.HexToAddress(req.OwnAddress).Hex()

	if err := c.Store.SaveAccountAddress(r.Context(), id, address); err != nil {
		if errors.Is(err, store.ErrAddressConflict) {
			c.writeError(w, http.StatusConflict, "account already registered with a different address")
			return
		}
		c.Logger.Error("failed to register account", zap.String("account", id), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to register account")
		return
	}

	c.Logger.Info("account registered", zap.String("account", id), zap.String("address", address))
	c.writeJSON(w, http.StatusOK, accountResponse{AccountID: id, OwnAddress: address})
}

// GetAccount returns the registered settlement address for an account.
func (c *Controller) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	address, err := c.Store.AccountAddress(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.writeError(w, http.StatusNotFound, "account not found")
			return
		}
		c.Logger.Error("failed to load account", zap.String("account", id), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	c.writeJSON(w, http.StatusOK, accountResponse{AccountID: id, OwnAddress: address})
}
