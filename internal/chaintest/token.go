// Package chaintest provides an in-memory token contract behind the
// x402.FacilitatorSigner interface for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Token simulates an EIP-3009 / ERC-2612 token. It decodes real calldata with
// the token ABI and applies transfers when they are submitted.
type Token struct {
	x402.ClientSigner
	self common.Address

	mu          sync.Mutex
	balances    map[common.Address]*big.Int
	authUsed    map[string]bool
	nonces      map[common.Address]*big.Int
	allowances  map[[2]common.Address]*big.Int
	receipts    map[string]*x402.TxReceipt
	submitted   []string
	hashes      []string
	seq         int
	readErr     error
	submitErr   error
	unconfirmed bool
	revertAll   bool
	dropped     bool
	silent      bool
	logs        []x402.TxLog
}

// NewToken returns a token whose transactions are sent by signer from self.
func NewToken(signer x402.ClientSigner, self common.Address) *Token {
	return &Token{
		ClientSigner: signer,
		self:         self,
		balances:     make(map[common.Address]*big.Int),
		authUsed:     make(map[string]bool),
		nonces:       make(map[common.Address]*big.Int),
		allowances:   make(map[[2]common.Address]*big.Int),
		receipts:     make(map[string]*x402.TxReceipt),
	}
}

// Fund sets the balance of addr.
func (f *Token) Fund(addr common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = big.NewInt(amount)
}

// Balance returns the balance of addr.
func (f *Token) Balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceLocked(addr))
}

// Submissions returns the method names of submitted transactions in order.
func (f *Token) Submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// TxHashes returns the hashes of submitted transactions in order.
func (f *Token) TxHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hashes...)
}

// SetUnconfirmed makes AwaitConfirmation time out.
func (f *Token) SetUnconfirmed(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unconfirmed = v
}

// SetDropped makes later submissions return a hash that never gets mined.
func (f *Token) SetDropped(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = v
}

// SetSilent makes later transactions succeed without emitting Transfer events.
func (f *Token) SetSilent(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = v
}

// SetReadErr makes CallContract fail with err.
func (f *Token) SetReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetSubmitErr makes SubmitTransaction fail with err.
func (f *Token) SetSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// SetRevert makes every later transaction revert.
func (f *Token) SetRevert(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertAll = v
}

// SetPermitNonce sets the ERC-2612 nonce of owner.
func (f *Token) SetPermitNonce(owner common.Address, n *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[owner] = new(big.Int).Set(n)
}

// MarkAuthorizationUsed consumes an EIP-3009 nonce.
func (f *Token) MarkAuthorizationUsed(from common.Address, nonce [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authUsed[authKey(from, nonce)] = true
}

// CallContract implements x402.FacilitatorSigner.
func (f *Token) CallContract(_ context.Context, _ string, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	method, args, err := decodeCall(data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case chain.MethodBalanceOf:
		return method.Outputs.Pack(f.balanceLocked(args[0].(common.Address)))
	case chain.MethodAuthorizationState:
		return method.Outputs.Pack(f.authUsed[authKey(args[0].(common.Address), args[1].([32]byte))])
	case chain.MethodNonces:
		return method.Outputs.Pack(f.nonceLocked(args[0].(common.Address)))
	case chain.MethodAllowance:
		allowance, ok := f.allowances[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]
		if !ok {
			allowance = new(big.Int)
		}
		return method.Outputs.Pack(allowance)
	}
	return nil, fmt.Errorf("unexpected read %s", method.Name)
}

// SubmitTransaction implements x402.FacilitatorSigner. The call is applied
// immediately and its receipt recorded, unless submissions are dropped.
func (f *Token) SubmitTransaction(_ context.Context, call x402.ContractCall) (x402.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return x402.TxHandle{}, f.submitErr
	}
	method, args, err := decodeCall(call.Data)
	if err != nil {
		return x402.TxHandle{}, err
	}

	f.seq++
	hash := common.BytesToHash(crypto.Keccak256(call.Data, big.NewInt(int64(f.seq)).Bytes())).Hex()
	f.submitted = append(f.submitted, method.Name)
	f.hashes = append(f.hashes, hash)
	if f.dropped {
		return x402.TxHandle{Hash: hash}, nil
	}

	f.logs = nil
	ok := !f.revertAll && f.apply(contractAddress(call.Contract), method.Name, args)
	receipt := &x402.TxReceipt{Hash: hash, Success: ok, BlockNumber: uint64(f.seq)}
	if ok && !f.silent {
		receipt.Logs = f.logs
	}
	f.receipts[hash] = receipt
	return x402.TxHandle{Hash: hash}, nil
}

func (f *Token) apply(token common.Address, name string, args []any) bool {
	switch name {
	case chain.MethodTransferWithAuthorization, chain.MethodTransferWithAuthorizationBytes:
		from, to, value := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		key := authKey(from, args[5].([32]byte))
		if f.authUsed[key] {
			return false
		}
		if !f.move(token, from, to, value) {
			return false
		}
		f.authUsed[key] = true
		return true
	case chain.MethodPermit:
		owner, spender, value := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		f.nonces[owner] = new(big.Int).Add(f.nonceLocked(owner), big.NewInt(1))
		f.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(value)
		return true
	case chain.MethodTransferFrom:
		from, to, value := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		key := [2]common.Address{from, f.self}
		allowance, ok := f.allowances[key]
		if !ok || allowance.Cmp(value) < 0 {
			return false
		}
		if !f.move(token, from, to, value) {
			return false
		}
		f.allowances[key] = new(big.Int).Sub(allowance, value)
		return true
	}
	return false
}

func (f *Token) move(token, from, to common.Address, value *big.Int) bool {
	bal := f.balanceLocked(from)
	if bal.Cmp(value) < 0 {
		return false
	}
	f.balances[from] = new(big.Int).Sub(bal, value)
	f.balances[to] = new(big.Int).Add(f.balanceLocked(to), value)
	f.logs = append(f.logs, chain.TransferLog(chain.Transfer{Token: token, From: from, To: to, Value: new(big.Int).Set(value)}))
	return true
}

// AwaitConfirmation implements x402.FacilitatorSigner. Unknown transactions
// time out like a real node that never mines them.
func (f *Token) AwaitConfirmation(ctx context.Context, tx x402.TxHandle, _ time.Duration) (*x402.TxReceipt, error) {
	f.mu.Lock()
	unconfirmed := f.unconfirmed
	f.mu.Unlock()
	if unconfirmed {
		return nil, fmt.Errorf("%w: %s", x402.ErrConfirmationTimeout, tx.Hash)
	}
	r, err := f.TransactionReceipt(ctx, tx)
	if errors.Is(err, x402.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: %s", x402.ErrConfirmationTimeout, tx.Hash)
	}
	return r, err
}

// TransactionReceipt implements x402.FacilitatorSigner.
func (f *Token) TransactionReceipt(_ context.Context, tx x402.TxHandle) (*x402.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[tx.Hash]
	if !ok {
		return nil, x402.ErrTransactionNotFound
	}
	out := *r
	return &out, nil
}

func (f *Token) balanceLocked(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (f *Token) nonceLocked(addr common.Address) *big.Int {
	if n, ok := f.nonces[addr]; ok {
		return n
	}
	return new(big.Int)
}

func decodeCall(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("calldata too short")
	}
	method, err := chain.TokenABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func contractAddress(native string) common.Address {
	if strings.HasPrefix(native, "0x") {
		return common.HexToAddress(native)
	}
	addr, _ := address.TronToEVM(native)
	return addr
}

func authKey(from common.Address, nonce [32]byte) string {
	return strings.ToLower(from.Hex()) + common.Bytes2Hex(nonce[:])
}
