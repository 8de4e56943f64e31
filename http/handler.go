package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/validation"
)

// DefaultMaxBodyBytes bounds facilitator request bodies.
const DefaultMaxBodyBytes = 64 << 10

// BatchVerifier is implemented by facilitators that verify payloads in parallel.
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, items []facilitator.BatchItem, limit int) []facilitator.BatchResult
}

type handlerConfig struct {
	auth         *facilitator.TokenAuth
	metrics      http.Handler
	logger       *zap.Logger
	maxBodyBytes int64
	maxBatch     int
}

// HandlerOption configures NewFacilitatorHandler.
type HandlerOption func(*handlerConfig)

// WithTokenAuth requires a bearer JWT issued by auth on every payment endpoint.
func WithTokenAuth(auth *facilitator.TokenAuth) HandlerOption {
	return func(c *handlerConfig) { c.auth = auth }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) HandlerOption {
	return func(c *handlerConfig) { c.metrics = h }
}

// WithHandlerLogger sets the request logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = logger }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(c *handlerConfig) { c.maxBodyBytes = n }
}

// NewFacilitatorHandler exposes f over HTTP:
//
//	POST /verify        facilitator.Request      -> x402.VerifyResponse
//	POST /settle        facilitator.Request      -> x402.SettleResponse
//	POST /verify/batch  {items: [Request]}       -> {results: [...]} (BatchVerifier only)
//	GET  /supported                              -> x402.SupportedResponse
//	POST /fee/quote     facilitator.FeeQuoteRequest -> x402.FeeQuoteResponse (FeeQuoter only)
//	GET  /metrics, GET /healthz
//
// Verification failures are 200 responses with isValid=false. Errors carry
// {error, reason} with 400 for bad input and 503 for retryable conditions.
func NewFacilitatorHandler(f facilitator.Interface, opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{logger: zap.NewNop(), maxBodyBytes: DefaultMaxBodyBytes, maxBatch: 100}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &facilitatorHandler{f: f, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.auth != nil {
			r.Use(h.requireToken)
		}
		r.Get("/supported", h.supported)
		r.Post("/verify", h.verify)
		r.Post("/settle", h.settle)
		if _, ok := f.(BatchVerifier); ok {
			r.Post("/verify/batch", h.verifyBatch)
		}
		if _, ok := f.(facilitator.FeeQuoter); ok {
			r.Post("/fee/quote", h.feeQuote)
		}
	})
	return r
}

type facilitatorHandler struct {
	f   facilitator.Interface
	cfg handlerConfig
}

func (h *facilitatorHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.cfg.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *facilitatorHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		if _, err := h.cfg.auth.Check(token); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *facilitatorHandler) supported(w http.ResponseWriter, r *http.Request) {
	resp, err := h.f.Supported(r.Context())
	if err != nil {
		h.fail(w, "supported", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *facilitatorHandler) verify(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.f.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *facilitatorHandler) settle(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.f.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		h.fail(w, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type batchRequest struct {
	Items []facilitator.Request `json:"items"`
}

type batchEntry struct {
	*x402.VerifyResponse
	Error  string         `json:"error,omitempty"`
	Reason x402.ErrorCode `json:"reason,omitempty"`
}

type batchResponse struct {
	Results []batchEntry `json:"results"`
}

func (h *facilitatorHandler) verifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 || len(req.Items) > h.cfg.maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch must hold between 1 and %d items", h.cfg.maxBatch), x402.ErrCodeMalformedPayload)
		return
	}

	items := make([]facilitator.BatchItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = facilitator.BatchItem{Payload: it.PaymentPayload, Requirements: it.PaymentRequirements}
	}
	results := h.f.(BatchVerifier).VerifyBatch(r.Context(), items, 0)

	out := batchResponse{Results: make([]batchEntry, len(results))}
	for i, res := range results {
		out.Results[i] = batchEntry{VerifyResponse: res.Response}
		if res.Err != nil {
			out.Results[i] = batchEntry{Error: res.Err.Error(), Reason: x402.ReasonOf(res.Err)}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *facilitatorHandler) feeQuote(w http.ResponseWriter, r *http.Request) {
	var req facilitator.FeeQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.ValidateRequirements(req.PaymentRequirements); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), x402.ReasonOf(err))
		return
	}
	resp, err := h.f.(facilitator.FeeQuoter).FeeQuote(r.Context(), req.PaymentRequirements)
	if err != nil {
		h.fail(w, "fee quote", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest reads a verify or settle body. Structural problems are
// answered here; chain-dependent checks are left to the facilitator.
func (h *facilitatorHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (facilitator.Request, bool) {
	var req facilitator.Request
	if !h.decode(w, r, &req) {
		return req, false
	}
	if req.X402Version != 0 && req.X402Version != x402.X402Version {
		writeError(w, http.StatusBadRequest, x402.ErrUnsupportedVersion.Error(), x402.ErrCodeMalformedPayload)
		return req, false
	}
	if err := validation.ValidateRequirements(req.PaymentRequirements); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), x402.ReasonOf(err))
		return req, false
	}
	return req, true
}

func (h *facilitatorHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		status := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, "invalid request body: "+err.Error(), x402.ErrCodeMalformedPayload)
		return false
	}
	return true
}

// fail writes err with a status derived from its reason code.
func (h *facilitatorHandler) fail(w http.ResponseWriter, op string, err error) {
	reason := x402.ReasonOf(err)
	status := http.StatusInternalServerError
	switch {
	case x402.Retryable(reason):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case reason != "":
		status = http.StatusBadRequest
	}
	h.cfg.logger.Warn(op+" failed", zap.Error(err), zap.String("reason", string(reason)))
	writeError(w, status, err.Error(), reason)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, reason x402.ErrorCode) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}
