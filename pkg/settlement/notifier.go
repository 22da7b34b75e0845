// Package settlement contains the engine's two state machines: the outgoing
// settlement executor and the incoming settlement watcher, plus the HTTP
// client that notifies the connector about observed incoming settlements.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridian-pay/settlex/pkg/utils"
	"go.uber.org/zap"
)

// ErrNotificationDelivery marks a failed connector callback. The watcher
// retries on its next cycle; the money already moved on-chain, so the
// notification is never dropped.
var ErrNotificationDelivery = errors.New("connector notification failed")

// Notifier posts incoming-settlement notifications to the connector's
// callback path, authenticated with the per-relationship bearer token.
type Notifier struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewNotifier builds a notifier for the connector at baseURL. token may be
// empty when the connector relationship is unauthenticated (local testing).
func NewNotifier(baseURL, token string, logger *zap.Logger) *Notifier {
	return &Notifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type settlementNotification struct {
	AccountID string `json:"account_id"`
	// Amount is a decimal string: settlement amounts routinely exceed the
	// range JSON numbers survive in other runtimes.
	Amount string `json:"amount"`
	Scale  uint8  `json:"scale"`
}

// NotifySettlement tells the connector to credit accountID with amount at
// the given scale. idempotencyToken is the ledger tx hash; the connector
// dedupes on it, which makes the at-least-once channel effectively
// exactly-once.
func (n *Notifier) NotifySettlement(ctx context.Context, accountID string, amount *big.Int, scale uint8, idempotencyToken string) error {
	body, err := json.Marshal(settlementNotification{
		AccountID: accountID,
		Amount:    amount.String(),
		Scale:     scale,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/settlement", n.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyToken)
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationDelivery, err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: connector returned %d", ErrNotificationDelivery, resp.StatusCode)
	}

	n.logger.Debug("connector acknowledged settlement notification",
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
		zap.String("idempotency_token", idempotencyToken))
	return nil
}
