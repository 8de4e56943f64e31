package x402

import (
	"context"
	"time"
)

// ClientSigner produces signatures over typed-data encodings for one account.
// Implementations never perform network I/O.
type ClientSigner interface {
	// Address returns the account address in the network's native text form.
	Address() string

	// SignStructured signs the typed-data encoding produced by a chain adapter
	// (0x19 0x01 || domainSeparator || structHash) and returns a 65-byte
	// signature with v in {27, 28}.
	SignStructured(encoded []byte) ([]byte, error)
}

// ContractCall is a state-changing contract invocation.
type ContractCall struct {
	// Contract is the contract address in native text form.
	Contract string

	// Method is the ABI method name, used for logging.
	Method string

	// Data is the ABI-encoded calldata including the selector.
	Data []byte
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash string
}

// TxReceipt is the outcome of a mined transaction.
type TxReceipt struct {
	Hash        string
	Success     bool
	BlockNumber uint64
	Logs        []TxLog
}

// TxLog is an event emitted by a mined transaction. Address is the 20-byte
// account of the emitting contract on both chain families.
type TxLog struct {
	Address [20]byte
	Topics  [][32]byte
	Data    []byte
}

// FacilitatorSigner is a ClientSigner that can also read contract state and
// submit transactions paid for by its own account.
type FacilitatorSigner interface {
	ClientSigner

	// CallContract performs a read-only call and returns the raw ABI output.
	CallContract(ctx context.Context, contract string, data []byte) ([]byte, error)

	// SubmitTransaction signs and broadcasts call.
	SubmitTransaction(ctx context.Context, call ContractCall) (TxHandle, error)

	// AwaitConfirmation blocks until the transaction is mined or timeout
	// elapses, in which case it returns ErrConfirmationTimeout.
	AwaitConfirmation(ctx context.Context, tx TxHandle, timeout time.Duration) (*TxReceipt, error)

	// TransactionReceipt returns the receipt of a mined transaction, or
	// ErrTransactionNotFound while the node does not know it.
	TransactionReceipt(ctx context.Context, tx TxHandle) (*TxReceipt, error)
}
