package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// transferGasLimit is the fixed gas cost of a plain value transfer.
const transferGasLimit = 21000

// EthClient talks JSON-RPC to an Ethereum-compatible node and signs plain
// value transfers with a locally held secp256k1 key. The key never leaves
// this struct and is never logged.
type EthClient struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	logger  *zap.Logger
}

var _ Client = (*EthClient)(nil)

// NewEthClient dials the node and derives the engine's own address from the
// hex-encoded private key.
func NewEthClient(ctx context.Context, endpoint, hexKey string, chainID int64, logger *zap.Logger) (*EthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node %s: %w", endpoint, err)
	}

	id := big.NewInt(chainID)
	from := crypto.PubkeyToAddress(key.PublicKey)

	logger.Info("connected to ledger node",
		zap.String("endpoint", endpoint),
		zap.Int64("chain_id", chainID),
		zap.String("own_address", from.Hex()))

	return &EthClient{
		client:  client,
		key:     key,
		from:    from,
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
		logger:  logger,
	}, nil
}

// From returns the engine's own on-chain address.
func (c *EthClient) From() common.Address { return c.from }

func (c *EthClient) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (TxRef, error) {
	toAddr := common.HexToAddress(to)

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("%w: fetch nonce: %v", ErrSubmission, err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: suggest gas price: %v", ErrSubmission, err)
	}

	// Pre-check funds so an underfunded hot wallet surfaces as a permanent
	// error instead of a node-dependent submission failure.
	balance, err := c.client.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return "", fmt.Errorf("%w: fetch balance: %v", ErrSubmission, err)
	}
	cost := new(big.Int).Add(amount, new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit)))
	if balance.Cmp(cost) < 0 {
		return "", fmt.Errorf("%w: balance %s below cost %s", ErrInsufficientFunds, balance, cost)
	}

	tx := types.NewTransaction(nonce, toAddr, amount, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrSubmission, err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return "", fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	ref := TxRef(signed.Hash().Hex())
	c.logger.Info("submitted transfer",
		zap.String("to", toAddr.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_ref", string(ref)))
	return ref, nil
}

func (c *EthClient) ConfirmationCount(ctx context.Context, ref TxRef) (uint64, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if errors.Is(err, ethereum.NotFound) {
		return 0, ErrTxNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("fetch receipt %s: %w", ref, err)
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	included := receipt.BlockNumber.Uint64()
	if head < included {
		return 0, nil
	}
	return head - included + 1, nil
}

func (c *EthClient) BlockHeight(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EthClient) BlockTransfers(ctx context.Context, height uint64) ([]Transfer, error) {
	block, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", height, err)
	}

	var transfers []Transfer
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || tx.Value().Sign() == 0 {
			// Contract creation or zero-value call; not a settlement.
			continue
		}
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			c.logger.Debug("skipping transaction with unrecoverable sender",
				zap.String("tx_hash", tx.Hash().Hex()),
				zap.Error(err))
			continue
		}
		transfers = append(transfers, Transfer{
			Hash:        tx.Hash().Hex(),
			From:        from.Hex(),
			To:          to.Hex(),
			Amount:      new(big.Int).Set(tx.Value()),
			BlockHeight: height,
		})
	}
	return transfers, nil
}

func (c *EthClient) Close() error {
	c.client.Close()
	return nil
}
