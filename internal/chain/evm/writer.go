package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/ledgerbridge/internal/attest"
	"github.com/jmerrifield20/ledgerbridge/internal/identity"
	"github.com/jmerrifield20/ledgerbridge/internal/relayer"
	"go.uber.org/zap"
)

// WriteClient is the subset of ethclient.Client the Writer uses.
type WriteClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WriterConfig tunes receipt polling.
type WriterConfig struct {
	ChainID        *big.Int
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Writer submits unlock transactions for burn quorums. It implements
// relayer.Submitter.
type Writer struct {
	client   WriteClient
	contract common.Address
	signer   *identity.Signer
	cfg      WriterConfig
	logger   *zap.Logger

	// sendMu is held from the pending-nonce read until the tx is sent so
	// concurrent unlocks never pick the same account nonce.
	sendMu sync.Mutex
}

// NewWriter creates a Writer that pays gas from signer.
func NewWriter(client WriteClient, contract common.Address, signer *identity.Signer, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	return &Writer{client: client, contract: contract, signer: signer, cfg: cfg, logger: logger}
}

// send builds, signs and broadcasts a call to the contract. A non-nil
// Outcome means nothing was sent.
func (w *Writer) send(ctx context.Context, data []byte) (*types.Transaction, *relayer.Outcome) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	fail := func(o relayer.Outcome) (*types.Transaction, *relayer.Outcome) { return nil, &o }

	from := w.signer.Address()
	nonce, err := w.client.PendingNonceAt(ctx, from)
	if err != nil {
		return fail(relayer.Transient(fmt.Errorf("pending nonce: %w", err)))
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return fail(relayer.Transient(fmt.Errorf("gas price: %w", err)))
	}
	gas, err := w.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &w.contract, Data: data})
	if err != nil {
		return fail(relayer.Transient(fmt.Errorf("estimate gas: %w", err)))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &w.contract,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.cfg.ChainID), w.signer.PrivateKey())
	if err != nil {
		return fail(relayer.Rejected(fmt.Sprintf("sign tx: %v", err), ""))
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return fail(relayer.Transient(fmt.Errorf("send tx: %w", err)))
	}
	return signed, nil
}

// Unlocked reports whether the contract has already honoured nonce.
func (w *Writer) Unlocked(ctx context.Context, nonce uint64) (bool, error) {
	data, err := lockABI.Pack("unlocked", nonce)
	if err != nil {
		return false, fmt.Errorf("pack unlocked: %w", err)
	}
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call unlocked: %w", err)
	}
	vals, err := lockABI.Unpack("unlocked", out)
	if err != nil || len(vals) != 1 {
		return false, fmt.Errorf("unpack unlocked: %v", err)
	}
	done, ok := vals[0].(bool)
	if !ok {
		return false, errors.New("unpack unlocked: not a bool")
	}
	return done, nil
}

// Submit sends unlock(nonce, token, recipient, amount, signatures) and
// waits for its receipt.
func (w *Writer) Submit(ctx context.Context, q attest.Quorum) relayer.Outcome {
	burn := q.Subject.Burn
	if burn == nil {
		return relayer.Rejected("subject is not a burn", "")
	}

	done, err := w.Unlocked(ctx, burn.Nonce)
	if err != nil {
		return relayer.Transient(err)
	}
	if done {
		return relayer.Rejected(relayer.ReasonAlreadyProcessed, "")
	}

	data, err := lockABI.Pack("unlock",
		burn.Nonce,
		burn.Token,
		burn.RemoteRecipient,
		new(big.Int).SetUint64(burn.Amount),
		q.Signatures,
	)
	if err != nil {
		return relayer.Rejected(fmt.Sprintf("pack unlock: %v", err), "")
	}

	signed, failed := w.send(ctx, data)
	if failed != nil {
		return *failed
	}
	txID := signed.Hash().Hex()
	w.logger.Info("unlock submitted",
		zap.Uint64("burn_nonce", burn.Nonce),
		zap.String("tx", txID),
	)

	receipt, err := w.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return relayer.Outcome{Status: relayer.StatusTransient, Reason: err.Error(), TxID: txID}
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return relayer.Accepted(txID)
	}

	// The tx landed but reverted; tell a lost race apart from a real failure.
	done, err = w.Unlocked(ctx, burn.Nonce)
	if err != nil {
		return relayer.Outcome{Status: relayer.StatusTransient, Reason: err.Error(), TxID: txID}
	}
	if done {
		return relayer.Rejected(relayer.ReasonAlreadyProcessed, txID)
	}
	return relayer.Rejected("unlock reverted", txID)
}

func (w *Writer) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
