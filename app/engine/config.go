package engine

import (
	"fmt"
	"time"

	"github.com/meridian-pay/settlex/pkg/utils"
)

// Config is the engine's startup configuration, read once from the
// environment. The signing key is scoped to the ledger client and never
// logged.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":3000".
	Addr string

	// StoreMode selects the persistence backend: "redis" or "memory".
	StoreMode string

	// LedgerMode selects the chain backend: "eth" or "sim".
	LedgerMode string

	EthEndpoint string
	EthKey      string
	EthChainID  int64

	// AssetScale is the ledger's native decimal scale (18 for wei).
	AssetScale uint8

	// NotifyScale is the connector's accounting scale for notifications
	// (the settlement_engine_asset_scale provisioned on the connector).
	NotifyScale uint8

	Confirmations uint64
	PollInterval  time.Duration
	WatchBatch    uint64

	ConnectorURL   string
	ConnectorToken string

	// EngineToken, when set, protects the mutating HTTP endpoints.
	EngineToken string

	SubmitMaxAttempts int
}

// ConfigFromEnv reads the configuration surface.
func ConfigFromEnv() Config {
	return Config{
		Addr:              utils.Env("ADDR", ":3000"),
		StoreMode:         utils.Env("STORE_MODE", "redis"),
		LedgerMode:        utils.Env("LEDGER_MODE", "eth"),
		EthEndpoint:       utils.Env("ETH_ENDPOINT", "http://localhost:8545"),
		EthKey:            utils.Env("ETH_KEY", ""),
		EthChainID:        int64(utils.EnvInt("ETH_CHAIN_ID", 1)),
		AssetScale:        uint8(utils.EnvInt("ASSET_SCALE", 18)),
		NotifyScale:       uint8(utils.EnvInt("CONNECTOR_SCALE", 9)),
		Confirmations:     utils.EnvUint64("CONFIRMATIONS", 6),
		PollInterval:      utils.EnvDuration("POLL_INTERVAL", 5*time.Second),
		WatchBatch:        utils.EnvUint64("WATCH_BATCH", 100),
		ConnectorURL:      utils.Env("CONNECTOR_URL", "http://localhost:7771"),
		ConnectorToken:    utils.Env("CONNECTOR_TOKEN", ""),
		EngineToken:       utils.Env("ENGINE_TOKEN", ""),
		SubmitMaxAttempts: utils.EnvInt("SUBMIT_MAX_RETRIES", 5),
	}
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	switch c.StoreMode {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_MODE %q", c.StoreMode)
	}
	switch c.LedgerMode {
	case "eth":
		if c.EthKey == "" {
			return fmt.Errorf("ETH_KEY is required in eth mode")
		}
		if c.EthEndpoint == "" {
			return fmt.Errorf("ETH_ENDPOINT is required in eth mode")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.LedgerMode)
	}
	if c.ConnectorURL == "" {
		return fmt.Errorf("CONNECTOR_URL is required")
	}
	return nil
}
