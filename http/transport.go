package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/encoding"
	"github.com/bankofai/x402-go/mechanism"
)

// maxChallengeBytes bounds the 402 body read by the transport.
const maxChallengeBytes = 1 << 20

// X402Transport is a RoundTripper that answers 402 Payment Required by
// signing a payment and retrying the request once with X-PAYMENT.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Payments selects a requirement and signs the payload.
	Payments *mechanism.Client

	OnPaymentAttempt PaymentCallback
	OnPaymentSuccess PaymentCallback
	OnPaymentFailure PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// The body must be replayable for the paid retry.
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || t.Payments == nil {
		return resp, nil
	}

	accepts, err := parsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
	}

	start := time.Now()
	event := PaymentEvent{Method: req.Method, URL: req.URL.String()}
	fail := func(err error) (*http.Response, error) {
		if t.OnPaymentFailure != nil {
			e := event
			e.Type, e.Timestamp, e.Error, e.Duration = PaymentEventFailure, time.Now(), err, time.Since(start)
			t.OnPaymentFailure(e)
		}
		return nil, err
	}

	payment, requirement, err := t.Payments.CreatePayment(req.Context(), accepts)
	if err != nil {
		return fail(err)
	}
	event.Network = requirement.Network
	event.Scheme = string(requirement.Scheme)
	event.Amount = payment.Payload.Authorization.Value
	event.Asset = requirement.Asset
	event.Recipient = requirement.PayTo
	event.Payer = payment.Payer()

	if t.OnPaymentAttempt != nil {
		e := event
		e.Type, e.Timestamp = PaymentEventAttempt, start
		t.OnPaymentAttempt(e)
	}

	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		return fail(fmt.Errorf("failed to build payment header: %w", err))
	}
	paidReq := withBody(req, body)
	paidReq.Header.Set(PaymentHeader, header)

	paid, err := base.RoundTrip(paidReq)
	if err != nil {
		return fail(err)
	}

	settlement, _ := GetSettlement(paid)
	switch {
	case settlement != nil && settlement.Success:
		if t.OnPaymentSuccess != nil {
			e := event
			e.Type, e.Timestamp, e.Duration = PaymentEventSuccess, time.Now(), time.Since(start)
			e.Transaction = settlement.Transaction
			e.Amount = settlement.Amount
			t.OnPaymentSuccess(e)
		}
	case paid.StatusCode == http.StatusPaymentRequired && t.OnPaymentFailure != nil:
		e := event
		e.Type, e.Timestamp, e.Duration = PaymentEventFailure, time.Now(), time.Since(start)
		e.Error = fmt.Errorf("payment rejected by server")
		if rejected, err := peekRequirements(paid); err == nil && rejected.Error != "" {
			e.Error = fmt.Errorf("payment rejected by server: %s", rejected.Error)
		}
		t.OnPaymentFailure(e)
	}
	return paid, nil
}

// parsePaymentRequirements extracts payment requirements from a 402 response.
func parsePaymentRequirements(resp *http.Response) ([]x402.PaymentRequirements, error) {
	var body x402.PaymentRequirementsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxChallengeBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements JSON: %w", err)
	}
	if len(body.Accepts) == 0 {
		return nil, fmt.Errorf("no payment requirements in response")
	}
	return body.Accepts, nil
}

// peekRequirements decodes a 402 body and leaves resp.Body readable.
func peekRequirements(resp *http.Response) (x402.PaymentRequirementsResponse, error) {
	var body x402.PaymentRequirementsResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return body, err
	}
	err = json.Unmarshal(raw, &body)
	return body, err
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req.Clone(req.Context())
	}
	return RequestWithBody(req, body)
}

// RequestWithBody clones an HTTP request with a new body.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
