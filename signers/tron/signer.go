// Package tron implements the x402 signer capabilities for TRON: a local client
// signer with base58check addresses and a facilitator signer that talks to a
// TRON full node over its HTTP wallet API.
package tron

import (
	"crypto/ecdsa"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/bankofai/x402-go/signers/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer implements x402.ClientSigner for TRON accounts.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	account    common.Address
	address    string
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a TRON signer.
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
	s.account = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	s.address = address.EVMToTron(s.account)
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

// WithMnemonic derives a private key at m/44'/195'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		key, err := keys.FromMnemonic(mnemonic, keys.CoinTypeTron, accountIndex)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// Address implements x402.ClientSigner and returns the base58check address.
func (s *Signer) Address() string {
	return s.address
}

// Account returns the 20-byte account behind the address.
func (s *Signer) Account() common.Address {
	return s.account
}

// SignStructured implements x402.ClientSigner.
func (s *Signer) SignStructured(encoded []byte) ([]byte, error) {
	return keys.Sign(s.privateKey, encoded)
}

// signTxID signs a transaction ID, which TRON defines as sha256 of raw_data.
func (s *Signer) signTxID(txID []byte) ([]byte, error) {
	sig, err := crypto.Sign(txID, s.privateKey)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSignerUnavailable, "failed to sign transaction", err)
	}
	sig[64] += 27
	return sig, nil
}
