package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bankofai/x402-go"
)

// Well-known full node endpoints.
const (
	MainnetEndpoint = "https://api.trongrid.io"
	ShastaEndpoint  = "https://api.shasta.trongrid.io"
	NileEndpoint    = "https://nile.trongrid.io"
)

// EndpointFor returns the public full node of a TRON network.
func EndpointFor(network string) (string, error) {
	switch network {
	case x402.NetworkTronMainnet:
		return MainnetEndpoint, nil
	case x402.NetworkTronShasta:
		return ShastaEndpoint, nil
	case x402.NetworkTronNile:
		return NileEndpoint, nil
	}
	return "", fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
}

// Client talks to a TRON full node over its HTTP wallet API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL with a default HTTP timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type triggerRequest struct {
	OwnerAddress    string `json:"owner_address"`
	ContractAddress string `json:"contract_address"`
	Data            string `json:"data"`
	FeeLimit        int64  `json:"fee_limit,omitempty"`
	CallValue       int64  `json:"call_value"`
	Visible         bool   `json:"visible"`
}

type apiResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// message decodes the hex-encoded message field the node uses for errors.
func (r apiResult) message() string {
	if raw, err := hex.DecodeString(r.Message); err == nil {
		return string(raw)
	}
	return r.Message
}

type constantResponse struct {
	Result         apiResult `json:"result"`
	ConstantResult []string  `json:"constant_result"`
}

// Transaction is an unsigned or signed TRON transaction as the node returns it.
type Transaction struct {
	Visible    bool            `json:"visible"`
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
}

type triggerResponse struct {
	Result      apiResult    `json:"result"`
	Transaction *Transaction `json:"transaction"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransactionInfo is the subset of gettransactioninfobyid the signer reads.
type TransactionInfo struct {
	ID          string `json:"id"`
	BlockNumber uint64 `json:"blockNumber"`
	Result      string `json:"result"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
	Log []struct {
		Address string   `json:"address"`
		Topics  []string `json:"topics"`
		Data    string   `json:"data"`
	} `json:"log"`
}

// Logs converts the event logs to their chain-neutral form. Entries that are
// not valid hex are skipped.
func (i *TransactionInfo) Logs() []x402.TxLog {
	var out []x402.TxLog
	for _, l := range i.Log {
		addr, err := hex.DecodeString(strings.TrimPrefix(l.Address, "0x"))
		if err != nil {
			continue
		}
		if len(addr) == 21 {
			addr = addr[1:]
		}
		if len(addr) != 20 {
			continue
		}
		entry := x402.TxLog{}
		copy(entry.Address[:], addr)
		ok := true
		for _, t := range l.Topics {
			raw, err := hex.DecodeString(strings.TrimPrefix(t, "0x"))
			if err != nil || len(raw) != 32 {
				ok = false
				break
			}
			var topic [32]byte
			copy(topic[:], raw)
			entry.Topics = append(entry.Topics, topic)
		}
		data, err := hex.DecodeString(strings.TrimPrefix(l.Data, "0x"))
		if !ok || err != nil {
			continue
		}
		entry.Data = data
		out = append(out, entry)
	}
	return out
}

// Success reports whether the contract call executed without reverting.
func (i *TransactionInfo) Success() bool {
	if i.Result == "FAILED" {
		return false
	}
	return i.Receipt.Result == "" || i.Receipt.Result == "SUCCESS"
}

// TriggerConstant runs a read-only contract call and returns the ABI output.
func (c *Client) TriggerConstant(ctx context.Context, owner, contract string, data []byte) ([]byte, error) {
	var resp constantResponse
	err := c.post(ctx, "/wallet/triggerconstantcontract", triggerRequest{
		OwnerAddress:    owner,
		ContractAddress: contract,
		Data:            hex.EncodeToString(data),
		Visible:         true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Result.Code != "" || len(resp.ConstantResult) == 0 {
		return nil, x402.Errorf(x402.ErrCodeRPCUnavailable, "triggerconstantcontract: %s %s", resp.Result.Code, resp.Result.message())
	}
	out, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode constant_result", err)
	}
	return out, nil
}

// TriggerSmartContract builds an unsigned contract call transaction.
func (c *Client) TriggerSmartContract(ctx context.Context, owner, contract string, data []byte, feeLimit int64) (*Transaction, error) {
	var resp triggerResponse
	err := c.post(ctx, "/wallet/triggersmartcontract", triggerRequest{
		OwnerAddress:    owner,
		ContractAddress: contract,
		Data:            hex.EncodeToString(data),
		FeeLimit:        feeLimit,
		Visible:         true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Result.Result || resp.Transaction == nil {
		return nil, x402.Errorf(x402.ErrCodeRPCUnavailable, "triggersmartcontract: %s %s", resp.Result.Code, resp.Result.message())
	}
	if err := checkTxID(resp.Transaction); err != nil {
		return nil, err
	}
	return resp.Transaction, nil
}

// Broadcast submits a signed transaction.
func (c *Client) Broadcast(ctx context.Context, tx *Transaction) error {
	var resp broadcastResponse
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return err
	}
	if !resp.Result {
		msg := resp.Message
		if raw, err := hex.DecodeString(msg); err == nil {
			msg = string(raw)
		}
		return x402.Errorf(x402.ErrCodeRPCUnavailable, "broadcast %s: %s %s", tx.TxID, resp.Code, msg)
	}
	return nil
}

// TransactionInfo returns execution info of a transaction, or
// x402.ErrTransactionNotFound while it is not yet in a block.
func (c *Client) TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, x402.ErrTransactionNotFound
	}
	return &info, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeRPCUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return x402.Errorf(x402.ErrCodeRPCUnavailable, "%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode "+path, err)
	}
	return nil
}

// checkTxID confirms the node-supplied txID is sha256 of raw_data_hex, so the
// signer never signs an ID that does not commit to the returned transaction.
func checkTxID(tx *Transaction) error {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode raw_data_hex", err)
	}
	sum := sha256.Sum256(raw)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), tx.TxID) {
		return x402.Errorf(x402.ErrCodeRPCUnavailable, "txID %s does not match raw_data", tx.TxID)
	}
	return nil
}
