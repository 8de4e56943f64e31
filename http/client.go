package http

import (
	"fmt"
	"net/http"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/encoding"
	"github.com/bankofai/x402-go/mechanism"
)

// Client is an HTTP client that automatically handles x402 payment flows.
// It wraps a standard http.Client and adds payment handling via X402Transport.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a new x402-enabled HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{Client: &http.Client{Transport: http.DefaultTransport}}
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client. Apply it before the
// payment options so its transport gets wrapped.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithPayments sets the mechanism registry used to pay.
func WithPayments(payments *mechanism.Client) ClientOption {
	return func(c *Client) error {
		if payments == nil {
			return fmt.Errorf("x402: nil payment client")
		}
		getOrCreateTransport(c).Payments = payments
		return nil
	}
}

// WithMechanism registers one client mechanism with the given priority,
// creating the registry if needed. Lower numbers are preferred.
func WithMechanism(m *mechanism.ClientMechanism, priority int) ClientOption {
	return func(c *Client) error {
		t := getOrCreateTransport(c)
		if t.Payments == nil {
			t.Payments = mechanism.NewClient()
		}
		t.Payments.Register(m, priority)
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType PaymentEventType, callback PaymentCallback) ClientOption {
	return func(c *Client) error {
		t := getOrCreateTransport(c)
		switch eventType {
		case PaymentEventAttempt:
			t.OnPaymentAttempt = callback
		case PaymentEventSuccess:
			t.OnPaymentSuccess = callback
		case PaymentEventFailure:
			t.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}
		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once. Nil callbacks are skipped.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure PaymentCallback) ClientOption {
	return func(c *Client) error {
		t := getOrCreateTransport(c)
		if onAttempt != nil {
			t.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			t.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			t.OnPaymentFailure = onFailure
		}
		return nil
	}
}

func getOrCreateTransport(c *Client) *X402Transport {
	t, ok := c.Transport.(*X402Transport)
	if !ok {
		t = &X402Transport{Base: c.Transport}
		c.Transport = t
	}
	return t
}

// GetSettlement extracts settlement information from an HTTP response. It
// returns nil and no error when the header is absent.
func GetSettlement(resp *http.Response) (*x402.SettleResponse, error) {
	header := resp.Header.Get(PaymentResponseHeader)
	if header == "" {
		return nil, nil
	}
	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}
