package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"settlement-core/internal/metrics"
)

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxBackend is the node surface needed to sign, send and confirm transactions.
type TxBackend interface {
	Caller
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// HashObserver receives the hash of a transaction as soon as it is sent,
// before the receipt wait.
type HashObserver func(hash common.Hash)

// Call is one state-changing contract call.
type Call struct {
	Method string
	To     common.Address
	Data   []byte
}

// TxResult identifies a mined transaction.
type TxResult struct {
	Hash        common.Hash
	BlockNumber uint64
	Receipt     *types.Receipt
}

// Sender sends transactions; satisfied by *Transactor.
type Sender interface {
	Send(ctx context.Context, call Call, observe HashObserver) (TxResult, error)
	From() common.Address
}

// TransactorOptions parameterise the signer.
type TransactorOptions struct {
	ChainID            *big.Int
	PrivateKey         string
	GasLimitMultiplier float64
	RequestTimeout     time.Duration
	ReceiptTimeout     time.Duration
	ReceiptPoll        time.Duration
	Metrics            *metrics.Metrics
}

// Transactor owns the oracle bot key. Sends are serialized by a mutex so that
// nonces never race, and a send that has started is carried through to its
// receipt even when the caller's context is cancelled.
type Transactor struct {
	backend TxBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	opts    TransactorOptions
	logger  zerolog.Logger

	mu sync.Mutex
}

// NewTransactor decodes the signing key and builds a transactor.
func NewTransactor(backend TxBackend, opts TransactorOptions, logger zerolog.Logger) (*Transactor, error) {
	if opts.ChainID == nil || opts.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if opts.GasLimitMultiplier < 1 {
		opts.GasLimitMultiplier = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 3 * time.Minute
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Transactor{
		backend: backend,
		key:     key,
		from:    from,
		signer:  types.LatestSignerForChainID(opts.ChainID),
		opts:    opts,
		logger:  logger.With().Str("component", "transactor").Str("from", from.Hex()).Logger(),
	}, nil
}

// From returns the signing address.
func (t *Transactor) From() common.Address {
	return t.from
}

// Send preflights call with eth_call, signs and sends it, hands the hash to
// observe and waits for the receipt. A revert in preflight or on-chain is
// returned as *RevertError.
func (t *Transactor) Send(ctx context.Context, call Call, observe HashObserver) (TxResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := ethereum.CallMsg{From: t.from, To: &call.To, Data: call.Data}
	if _, err := t.backend.CallContract(ctx, msg, nil); err != nil {
		return TxResult{}, decodeCallError(call.Method, err)
	}

	gas, err := t.backend.EstimateGas(ctx, msg)
	if err != nil {
		return TxResult{}, decodeCallError(call.Method, err)
	}
	gas = uint64(float64(gas) * t.opts.GasLimitMultiplier)

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return TxResult{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return TxResult{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxResult{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.opts.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &call.To,
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, t.signer, t.key)
	if err != nil {
		return TxResult{}, fmt.Errorf("sign %s: %w", call.Method, err)
	}

	// past this point the transaction may be in the mempool; shutdown must not abandon it
	detached := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(detached, t.opts.RequestTimeout)
	err = t.backend.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil {
		t.opts.Metrics.IncTransaction(call.Method, "send_failed")
		return TxResult{}, fmt.Errorf("send %s: %w", call.Method, err)
	}

	hash := signed.Hash()
	t.logger.Info().Str("method", call.Method).Str("tx_hash", hash.Hex()).Uint64("nonce", nonce).Uint64("gas", gas).Msg("transaction sent")
	if observe != nil {
		observe(hash)
	}

	receipt, err := t.waitMined(detached, hash)
	if err != nil {
		t.opts.Metrics.IncTransaction(call.Method, "unconfirmed")
		return TxResult{Hash: hash}, fmt.Errorf("wait %s: %w", call.Method, err)
	}
	result := TxResult{Hash: hash, BlockNumber: receipt.BlockNumber.Uint64(), Receipt: receipt}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.opts.Metrics.IncTransaction(call.Method, "reverted")
		return result, &RevertError{Method: call.Method, Reason: "transaction reverted on-chain", TxHash: hash.Hex()}
	}

	t.opts.Metrics.IncTransaction(call.Method, "mined")
	t.logger.Info().Str("method", call.Method).Str("tx_hash", hash.Hex()).Uint64("block", result.BlockNumber).Msg("transaction mined")
	return result, nil
}

func (t *Transactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(t.opts.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed")
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

var _ Sender = (*Transactor)(nil)
