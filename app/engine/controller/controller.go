// Package controller exposes the settlement engine's HTTP surface: the
// connector-facing account and settlement endpoints plus health probes.
package controller

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/meridian-pay/settlex/pkg/ledger"
	"github.com/meridian-pay/settlex/pkg/settlement"
	"github.com/meridian-pay/settlex/pkg/store"
	"go.uber.org/zap"
)

// Controller handles the engine's HTTP endpoints.
type Controller struct {
	Store    store.Store
	Ledger   ledger.Client
	Executor *settlement.Executor
	Logger   *zap.Logger

	// AuthToken protects the account and settlement routes when set.
	// Health probes stay open either way.
	AuthToken string
}

func NewController(st store.Store, lc ledger.Client, ex *settlement.Executor, logger *zap.Logger, authToken string) *Controller {
	return &Controller{
		Store:     st,
		Ledger:    lc,
		Executor:  ex,
		Logger:    logger,
		AuthToken: authToken,
	}
}

// NewRouter builds the engine's router.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.Readyz).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(c.RequireAuth)
	api.HandleFunc("/accounts/{id}", c.RegisterAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", c.GetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/settlement", c.Settle).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/settlement/{key}", c.GetSettlement).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/messages", c.Messages).Methods(http.MethodPost)

	return r
}
