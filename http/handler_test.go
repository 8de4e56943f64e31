package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/metrics"
)

func postJSON(t *testing.T, url string, body any, header ...string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHandlerVerifyAndSettle(t *testing.T) {
	fx := newFixture(t)
	req := fx.requirement(x402.SchemeExact, "1000")
	body := facilitator.Request{X402Version: 1, PaymentPayload: fx.pay(t, req), PaymentRequirements: req}

	resp := postJSON(t, fx.server.URL+"/verify", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if vr := decodeBody[x402.VerifyResponse](t, resp); !vr.IsValid || vr.Payer != fx.payer.Address() {
		t.Errorf("verify = %+v", vr)
	}

	first := decodeBody[x402.SettleResponse](t, postJSON(t, fx.server.URL+"/settle", body))
	second := decodeBody[x402.SettleResponse](t, postJSON(t, fx.server.URL+"/settle", body))
	if !first.Success || first.Transaction == "" || first != second {
		t.Errorf("settle = %+v then %+v", first, second)
	}
	if n := len(fx.token.Submissions()); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
}

func TestHandlerVerifyInvalidIsOK(t *testing.T) {
	fx := newFixture(t)
	req := fx.requirement(x402.SchemeExact, "1000")
	payload := fx.pay(t, req)
	payload.Payload.Authorization.To = otherAddress

	resp := postJSON(t, fx.server.URL+"/verify", facilitator.Request{X402Version: 1, PaymentPayload: payload, PaymentRequirements: req})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if vr := decodeBody[x402.VerifyResponse](t, resp); vr.IsValid || vr.InvalidReason != x402.ErrCodeRecipientMismatch {
		t.Errorf("verify = %+v", vr)
	}
}

func TestHandlerErrors(t *testing.T) {
	fx := newFixture(t)
	req := fx.requirement(x402.SchemeExact, "1000")
	payload := fx.pay(t, req)

	badReq := req
	badReq.Amount = "ten"

	tests := []struct {
		name       string
		path       string
		body       any
		setup      func()
		wantStatus int
		wantReason x402.ErrorCode
	}{
		{name: "not json", path: "/verify", body: "nope", wantStatus: http.StatusBadRequest, wantReason: x402.ErrCodeMalformedPayload},
		{name: "bad version", path: "/settle", body: facilitator.Request{X402Version: 2, PaymentPayload: payload, PaymentRequirements: req},
			wantStatus: http.StatusBadRequest, wantReason: x402.ErrCodeMalformedPayload},
		{name: "bad requirements", path: "/verify", body: facilitator.Request{X402Version: 1, PaymentPayload: payload, PaymentRequirements: badReq},
			wantStatus: http.StatusBadRequest, wantReason: x402.ErrCodeInvalidRequirements},
		{name: "node down", path: "/verify", body: facilitator.Request{X402Version: 1, PaymentPayload: payload, PaymentRequirements: req},
			setup: func() { fx.token.SetReadErr(errors.New("connection refused")) }, wantStatus: http.StatusServiceUnavailable, wantReason: x402.ErrCodeRPCUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			resp := postJSON(t, fx.server.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if eb := decodeBody[errorBody](t, resp); eb.Reason != tt.wantReason || eb.Error == "" {
				t.Errorf("body = %+v, want reason %s", eb, tt.wantReason)
			}
		})
	}
}

func TestHandlerBodyLimit(t *testing.T) {
	fx := newFixture(t, WithMaxBodyBytes(64))
	resp := postJSON(t, fx.server.URL+"/verify", map[string]string{"pad": strings.Repeat("x", 200)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandlerSupportedHealthMetrics(t *testing.T) {
	rec := metrics.NewPrometheusRecorder()
	fx := newFixture(t, WithMetricsHandler(rec.Handler()))

	resp, err := http.Get(fx.server.URL + "/supported")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sr := decodeBody[x402.SupportedResponse](t, resp)
	if len(sr.Kinds) != len(x402.Schemes) {
		t.Errorf("kinds = %+v", sr.Kinds)
	}

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(fx.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestHandlerFeeQuote(t *testing.T) {
	fx := newFixture(t)
	req := fx.requirement(x402.SchemeExactPermit, "1000")

	resp := postJSON(t, fx.server.URL+"/fee/quote", facilitator.FeeQuoteRequest{PaymentRequirements: req})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	q := decodeBody[x402.FeeQuoteResponse](t, resp)
	if q.Scheme != x402.SchemeExactPermit || q.Network != x402.NetworkEthereum || q.Fee.FeeAmount != "0" || q.ExpiresAt == 0 {
		t.Errorf("quote = %+v", q)
	}
}

func TestHandlerVerifyBatch(t *testing.T) {
	fx := newFixture(t)
	var items []facilitator.Request
	for i := range 4 {
		req := fx.requirement(x402.SchemeExact, "100")
		p := fx.pay(t, req)
		if i == 2 {
			p.Payload.Authorization.To = otherAddress
		}
		items = append(items, facilitator.Request{X402Version: 1, PaymentPayload: p, PaymentRequirements: req})
	}

	resp := postJSON(t, fx.server.URL+"/verify/batch", batchRequest{Items: items})
	out := decodeBody[batchResponse](t, resp)
	if len(out.Results) != 4 {
		t.Fatalf("results = %+v", out.Results)
	}
	for i, r := range out.Results {
		if r.VerifyResponse == nil || r.IsValid != (i != 2) {
			t.Errorf("result %d = %+v", i, r)
		}
	}

	if resp := postJSON(t, fx.server.URL+"/verify/batch", batchRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", resp.StatusCode)
	}
}

func TestHandlerTokenAuth(t *testing.T) {
	auth, err := facilitator.NewTokenAuth([]byte(strings.Repeat("k", 32)), "x402-facilitator")
	if err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, WithTokenAuth(auth))
	token, _ := auth.Issue("merchant-1")

	for name, header := range map[string]string{"missing": "", "garbage": "Bearer abc", "wrong scheme": "Basic " + token} {
		req, _ := http.NewRequest(http.MethodGet, fx.server.URL+"/supported", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d", name, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, fx.server.URL+"/supported", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authorized status = %d", resp.StatusCode)
	}

	// Health stays public.
	resp, err = http.Get(fx.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
