package controller

import (
	"net/http"

	"go.uber.org/zap"
)

// Healthz reports process liveness.
func (c *Controller) Healthz(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the store and the ledger node are reachable.
func (c *Controller) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := c.Store.Ping(r.Context()); err != nil {
		c.Logger.Warn("store not ready", zap.Error(err))
		c.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if _, err := c.Ledger.BlockHeight(r.Context()); err != nil {
		c.Logger.Warn("ledger not ready", zap.Error(err))
		c.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
