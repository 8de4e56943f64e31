package tron

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bankofai/x402-go"
	"go.uber.org/zap"
)

// DefaultFeeLimit is the energy fee cap in sun for one settlement call.
const DefaultFeeLimit int64 = 100_000_000

// FacilitatorSigner implements x402.FacilitatorSigner on a TRON network.
type FacilitatorSigner struct {
	*Signer
	client       *Client
	feeLimit     int64
	pollInterval time.Duration
	logger       *zap.Logger
}

// FacilitatorOption configures a FacilitatorSigner.
type FacilitatorOption func(*FacilitatorSigner)

// WithFeeLimit sets the fee_limit of submitted calls in sun.
func WithFeeLimit(sun int64) FacilitatorOption {
	return func(f *FacilitatorSigner) {
		if sun > 0 {
			f.feeLimit = sun
		}
	}
}

// WithPollInterval sets how often transaction info is polled.
func WithPollInterval(d time.Duration) FacilitatorOption {
	return func(f *FacilitatorSigner) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *FacilitatorSigner) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFacilitatorSigner wraps signer with a full node client.
func NewFacilitatorSigner(signer *Signer, client *Client, opts ...FacilitatorOption) *FacilitatorSigner {
	f := &FacilitatorSigner{
		Signer:       signer,
		client:       client,
		feeLimit:     DefaultFeeLimit,
		pollInterval: 3 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CallContract implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) CallContract(ctx context.Context, contract string, data []byte) ([]byte, error) {
	return f.client.TriggerConstant(ctx, f.address, contract, data)
}

// SubmitTransaction implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) SubmitTransaction(ctx context.Context, call x402.ContractCall) (x402.TxHandle, error) {
	tx, err := f.client.TriggerSmartContract(ctx, f.address, call.Contract, call.Data, f.feeLimit)
	if err != nil {
		return x402.TxHandle{}, err
	}
	txID, err := hex.DecodeString(tx.TxID)
	if err != nil {
		return x402.TxHandle{}, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode txID", err)
	}
	sig, err := f.signTxID(txID)
	if err != nil {
		return x402.TxHandle{}, err
	}
	tx.Signature = []string{hex.EncodeToString(sig)}

	if err := f.client.Broadcast(ctx, tx); err != nil {
		return x402.TxHandle{}, err
	}

	f.logger.Info("transaction submitted",
		zap.String("method", call.Method),
		zap.String("contract", call.Contract),
		zap.String("tx", tx.TxID),
	)
	return x402.TxHandle{Hash: tx.TxID}, nil
}

// TransactionReceipt implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) TransactionReceipt(ctx context.Context, tx x402.TxHandle) (*x402.TxReceipt, error) {
	info, err := f.client.TransactionInfo(ctx, tx.Hash)
	if err != nil {
		return nil, err
	}
	return &x402.TxReceipt{
		Hash:        tx.Hash,
		Success:     info.Success(),
		BlockNumber: info.BlockNumber,
		Logs:        info.Logs(),
	}, nil
}

// AwaitConfirmation implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) AwaitConfirmation(ctx context.Context, tx x402.TxHandle, timeout time.Duration) (*x402.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := f.TransactionReceipt(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, x402.ErrTransactionNotFound) && ctx.Err() == nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", x402.ErrConfirmationTimeout, tx.Hash)
		case <-ticker.C:
		}
	}
}
