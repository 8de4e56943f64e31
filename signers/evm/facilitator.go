package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Backend is the subset of an Ethereum RPC client a FacilitatorSigner needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// FacilitatorSigner implements x402.FacilitatorSigner on an EVM chain.
type FacilitatorSigner struct {
	*Signer
	backend      Backend
	chainID      *big.Int
	pollInterval time.Duration
	gasLimit     uint64
	logger       *zap.Logger
}

// FacilitatorOption configures a FacilitatorSigner.
type FacilitatorOption func(*FacilitatorSigner)

// WithPollInterval sets how often receipts are polled while awaiting confirmation.
func WithPollInterval(d time.Duration) FacilitatorOption {
	return func(f *FacilitatorSigner) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithGasLimit pins the gas limit instead of estimating it.
func WithGasLimit(limit uint64) FacilitatorOption {
	return func(f *FacilitatorSigner) {
		f.gasLimit = limit
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

// NewFacilitatorSigner wraps signer with an RPC backend for chainID.
func NewFacilitatorSigner(signer *Signer, backend Backend, chainID *big.Int, opts ...FacilitatorOption) *FacilitatorSigner {
	f := &FacilitatorSigner{
		Signer:       signer,
		backend:      backend,
		chainID:      chainID,
		pollInterval: time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dial connects to rpcURL and reads its chain ID.
func Dial(ctx context.Context, rpcURL string, signer *Signer, opts ...FacilitatorOption) (*FacilitatorSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "dial rpc", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "read chain id", err)
	}
	return NewFacilitatorSigner(signer, client, chainID, opts...), nil
}

// ChainID returns the chain the signer submits to.
func (f *FacilitatorSigner) ChainID() *big.Int {
	return new(big.Int).Set(f.chainID)
}

// CallContract implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) CallContract(ctx context.Context, contract string, data []byte) ([]byte, error) {
	to := common.HexToAddress(contract)
	out, err := f.backend.CallContract(ctx, ethereum.CallMsg{From: f.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "eth_call", err)
	}
	return out, nil
}

// SubmitTransaction implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) SubmitTransaction(ctx context.Context, call x402.ContractCall) (x402.TxHandle, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(f.privateKey, f.chainID)
	if err != nil {
		return x402.TxHandle{}, x402.NewPaymentError(x402.ErrCodeSignerUnavailable, "build transactor", err)
	}
	opts.Context = ctx
	opts.GasLimit = f.gasLimit

	contract := bind.NewBoundContract(common.HexToAddress(call.Contract), chain.TokenABI, f.backend, f.backend, f.backend)
	tx, err := contract.RawTransact(opts, call.Data)
	if err != nil {
		return x402.TxHandle{}, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, fmt.Sprintf("submit %s", call.Method), err)
	}

	f.logger.Info("transaction submitted",
		zap.String("method", call.Method),
		zap.String("contract", call.Contract),
		zap.String("tx", tx.Hash().Hex()),
	)
	return x402.TxHandle{Hash: tx.Hash().Hex()}, nil
}

// TransactionReceipt implements x402.FacilitatorSigner.
func (f *FacilitatorSigner) TransactionReceipt(ctx context.Context, tx x402.TxHandle) (*x402.TxReceipt, error) {
	receipt, err := f.backend.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, x402.ErrTransactionNotFound
	}
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "eth_getTransactionReceipt", err)
	}
	out := &x402.TxReceipt{
		Hash:    tx.Hash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	out.Logs = receiptLogs(receipt.Logs)
	return out, nil
}

func receiptLogs(logs []*types.Log) []x402.TxLog {
	out := make([]x402.TxLog, 0, len(logs))
	for _, l := range logs {
		topics := make([][32]byte, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t
		}
		out = append(out, x402.TxLog{Address: l.Address, Topics: topics, Data: l.Data})
	}
	return out
}

// AwaitConfirmation implements x402.FacilitatorSigner by polling for the receipt.
func (f *FacilitatorSigner) AwaitConfirmation(ctx context.Context, tx x402.TxHandle, timeout time.Duration) (*x402.TxReceipt, error) {
	return awaitReceipt(ctx, f, tx, timeout, f.pollInterval)
}

type receiptSource interface {
	TransactionReceipt(ctx context.Context, tx x402.TxHandle) (*x402.TxReceipt, error)
}

func awaitReceipt(ctx context.Context, src receiptSource, tx x402.TxHandle, timeout, interval time.Duration) (*x402.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := src.TransactionReceipt(ctx, tx)
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
