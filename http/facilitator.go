package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/retry"
)

// AuthorizationProvider returns the Authorization header value for a
// facilitator request. It is called once per attempt so tokens can rotate.
type AuthorizationProvider func(ctx context.Context) (string, error)

// OnBeforeFunc runs before a verify or settle call. A non-nil error aborts the call.
type OnBeforeFunc func(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) error

// OnAfterVerifyFunc observes the outcome of a verify call.
type OnAfterVerifyFunc func(ctx context.Context, payment x402.PaymentPayload, resp *x402.VerifyResponse, err error)

// OnAfterSettleFunc observes the outcome of a settle call.
type OnAfterSettleFunc func(ctx context.Context, payment x402.PaymentPayload, resp *x402.SettleResponse, err error)

// FacilitatorClient is a client for communicating with x402 facilitator services.
type FacilitatorClient struct {
	BaseURL string
	Client  *http.Client

	// Timeouts bound each operation including its retries.
	Timeouts x402.TimeoutConfig

	// Retry controls backoff for unavailable facilitators. The zero value
	// makes a single attempt.
	Retry retry.Config

	// Authorization is a static Authorization header value.
	Authorization string

	// AuthorizationProvider takes precedence over Authorization when set.
	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var (
	_ facilitator.Interface = (*FacilitatorClient)(nil)
	_ facilitator.FeeQuoter = (*FacilitatorClient)(nil)
)

// NewFacilitatorClient returns a client for baseURL with default timeouts and retry.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{},
		Timeouts: x402.DefaultTimeouts,
		Retry:    retry.DefaultConfig,
	}
}

// errorBody is the JSON error shape returned by the facilitator service.
type errorBody struct {
	Error  string         `json:"error"`
	Reason x402.ErrorCode `json:"reason,omitempty"`
}

// Verify verifies a payment authorization without executing the transaction.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	var resp x402.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/verify", newRequest(payment, requirement), &resp)
	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payment, responseOrNil(&resp, err), err)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified payment on the blockchain. The facilitator
// settles at most once per authorization, so retrying is safe.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts().SettleTimeout)
	defer cancel()

	var resp x402.SettleResponse
	err := c.do(ctx, http.MethodPost, "/settle", newRequest(payment, requirement), &resp)
	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payment, responseOrNil(&resp, err), err)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported queries the facilitator for supported payment types.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	var resp x402.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FeeQuote asks the facilitator what it charges to settle requirement.
func (c *FacilitatorClient) FeeQuote(ctx context.Context, requirement x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	var resp x402.FeeQuoteResponse
	if err := c.do(ctx, http.MethodPost, "/fee/quote", facilitator.FeeQuoteRequest{PaymentRequirements: requirement}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *FacilitatorClient) timeouts() x402.TimeoutConfig {
	if c.Timeouts.Validate() != nil {
		return x402.DefaultTimeouts
	}
	return c.Timeouts
}

func newRequest(payment x402.PaymentPayload, requirement x402.PaymentRequirements) facilitator.Request {
	return facilitator.Request{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}
}

func responseOrNil[T any](resp *T, err error) *T {
	if err != nil {
		return nil
	}
	return resp
}

// do sends one JSON request with retries and decodes a 200 body into out.
func (c *FacilitatorClient) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	_, err := retry.WithRetry(ctx, c.Retry, retry.Transient, func() (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, body, out)
	})
	return err
}

func (c *FacilitatorClient) once(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *FacilitatorClient) authorize(ctx context.Context, req *http.Request) error {
	auth := c.Authorization
	if c.AuthorizationProvider != nil {
		var err error
		if auth, err = c.AuthorizationProvider(ctx); err != nil {
			return fmt.Errorf("authorization provider: %w", err)
		}
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return nil
}

// statusError maps a non-200 response to an error. A reason code in the body
// is preserved; 5xx without one counts as facilitator unavailability.
func statusError(path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", path, facilitator.ErrUnauthorized, msg)
	case eb.Reason != "":
		return x402.Errorf(eb.Reason, "%s: status %d: %s", path, resp.StatusCode, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: status %d: %s", x402.ErrFacilitatorUnavailable, path, resp.StatusCode, msg)
	}
	return errors.New(path + ": status " + resp.Status + ": " + msg)
}

// EnrichRequirements fills facilitator-provided extra fields, such as the
// permit spender, into requirements that leave them empty.
func EnrichRequirements(ctx context.Context, f facilitator.Interface, requirements []x402.PaymentRequirements) ([]x402.PaymentRequirements, error) {
	supported, err := f.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	kinds := make(map[string]x402.SupportedKind, len(supported.Kinds))
	for _, k := range supported.Kinds {
		kinds[k.Network+"/"+string(k.Scheme)] = k
	}

	enriched := make([]x402.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := kinds[req.Network+"/"+string(req.Scheme)]
		if !ok || kind.Extra == nil {
			continue
		}
		extra := x402.RequirementsExtra{}
		if req.Extra != nil {
			extra = *req.Extra
		}
		if extra.Spender == "" {
			extra.Spender = kind.Extra.Spender
		}
		if extra.Fee == nil && kind.Extra.Fee != nil {
			fee := *kind.Extra.Fee
			extra.Fee = &fee
		}
		enriched[i].Extra = &extra
	}
	return enriched, nil
}
