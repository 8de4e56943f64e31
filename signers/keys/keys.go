// Package keys loads secp256k1 private keys from hex, encrypted keystore files
// and BIP-39 mnemonics. It is shared by the EVM and TRON signers.
package keys

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 coin types.
const (
	CoinTypeEthereum uint32 = 60
	CoinTypeTron     uint32 = 195
)

// FromHex parses a hex private key with or without 0x prefix.
func FromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return key, nil
}

// FromKeystore decrypts a V3 keystore file.
func FromKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
	}
	return FromKeystoreJSON(data, password)
}

// FromKeystoreJSON decrypts V3 keystore JSON.
func FromKeystoreJSON(data []byte, password string) (*ecdsa.PrivateKey, error) {
	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKeystore)
	}
	raw, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", x402.ErrInvalidKeystore)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", x402.ErrInvalidKeystore)
	}
	return key, nil
}

// FromMnemonic derives the key at m/44'/coinType'/0'/0/index.
func FromMnemonic(mnemonic string, coinType, index uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, x402.ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidMnemonic, err)
	}
	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild,
		0,
		index,
	}
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrInvalidMnemonic, err)
		}
	}

	priv, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidMnemonic, err)
	}
	return priv, nil
}

// Sign signs the keccak256 digest of encoded and returns r || s || v with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, encoded []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(encoded), key)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSignerUnavailable, "failed to sign", err)
	}
	sig[64] += 27
	return sig, nil
}
