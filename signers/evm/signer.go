// Package evm implements the x402 signer capabilities for EVM chains: a local
// client signer and a facilitator signer that submits transactions through a
// go-ethereum RPC backend.
package evm

import (
	"crypto/ecdsa"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/signers/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer implements x402.ClientSigner for EVM accounts.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		key, err := keys.FromHex(hexKey)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// WithKey sets an already parsed private key.
func WithKey(key *ecdsa.PrivateKey) SignerOption {
	return func(s *Signer) error {
		if key == nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = key
		return nil
	}
}

// WithKeystore loads a private key from an encrypted keystore file.
func WithKeystore(keystorePath, password string) SignerOption {
	return func(s *Signer) error {
		key, err := keys.FromKeystore(keystorePath, password)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// WithMnemonic derives a private key from a BIP39 mnemonic phrase.
// Derivation path: m/44'/60'/0'/0/{accountIndex}
func WithMnemonic(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		key, err := keys.FromMnemonic(mnemonic, keys.CoinTypeEthereum, accountIndex)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// Address implements x402.ClientSigner and returns the EIP-55 checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Account returns the signer's 20-byte account.
func (s *Signer) Account() common.Address {
	return s.address
}

// SignStructured implements x402.ClientSigner.
func (s *Signer) SignStructured(encoded []byte) ([]byte, error) {
	return keys.Sign(s.privateKey, encoded)
}
