// Package http provides the x402 HTTP surfaces: the resource-server
// middleware, the paying client transport, and the facilitator service and
// its client.
package http

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/retry"
)

// FacilitatorHooks observe or veto facilitator calls.
type FacilitatorHooks struct {
	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

// Config holds the configuration for the x402 middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator.
	FallbackFacilitatorURL string

	// Facilitator, when set, is used instead of FacilitatorURL. It may be an
	// in-process *facilitator.Facilitator.
	Facilitator facilitator.Interface

	// FallbackFacilitator, when set, is used instead of FallbackFacilitatorURL.
	FallbackFacilitator facilitator.Interface

	// PaymentRequirements defines the accepted payment methods.
	PaymentRequirements []x402.PaymentRequirements

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// Tokens supplies signing domains for local validation. Defaults to
	// x402.DefaultTokenRegistry().
	Tokens *x402.TokenRegistry

	// Timeouts bound facilitator calls. Defaults to x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Retry controls facilitator client backoff. Defaults to retry.DefaultConfig.
	Retry *retry.Config

	// FacilitatorAuthorization is a static Authorization header value for the
	// primary facilitator, e.g. "Bearer <jwt>".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider AuthorizationProvider

	FallbackFacilitatorAuthorization         string
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	FacilitatorHooks         FacilitatorHooks
	FallbackFacilitatorHooks FacilitatorHooks

	Logger *zap.Logger

	// Clock overrides the time source of local validation.
	Clock func() time.Time
}

func (c *Config) timeouts() x402.TimeoutConfig {
	if c.Timeouts.Validate() != nil {
		return x402.DefaultTimeouts
	}
	return c.Timeouts
}

func (c *Config) facilitatorClient(url, auth string, provider AuthorizationProvider, hooks FacilitatorHooks) *FacilitatorClient {
	fc := NewFacilitatorClient(url)
	fc.Timeouts = c.timeouts()
	if c.Retry != nil {
		fc.Retry = *c.Retry
	}
	fc.Authorization = auth
	fc.AuthorizationProvider = provider
	fc.OnBeforeVerify = hooks.OnBeforeVerify
	fc.OnAfterVerify = hooks.OnAfterVerify
	fc.OnBeforeSettle = hooks.OnBeforeSettle
	fc.OnAfterSettle = hooks.OnAfterSettle
	return fc
}

// NewX402Middleware creates a new x402 payment middleware. Settlement happens
// when the wrapped handler commits a status below 400; error responses pass
// through unsettled.
//
// An invalid config is logged once and every request is answered with 500.
func NewX402Middleware(config *Config) func(http.Handler) http.Handler {
	paywall, err := NewPaywall(config)
	if err != nil {
		logger := config.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("x402 middleware misconfigured", zap.Error(err))
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusInternalServerError, errorResponse("payment gate misconfigured", x402.ReasonOf(err)))
			})
		}
	}
	return paywall.Middleware
}

// Middleware gates next behind payment.
func (p *Paywall) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs := p.Requirements(r)
		payment, rej := p.Check(r, reqs)
		if rej != nil {
			rej.Write(w)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, payment))
		interceptor := &settlementInterceptor{
			w: w,
			settleFunc: func() bool {
				if rej := p.Settle(r.Context(), w.Header(), payment, reqs); rej != nil {
					rej.Write(w)
					return false
				}
				return true
			},
			onFailure: func(statusCode int) {
				p.logger.Info("handler returned non-success, skipping payment settlement", zap.Int("status", statusCode))
			},
		}
		next.ServeHTTP(interceptor, r)
		if !interceptor.committed {
			interceptor.WriteHeader(http.StatusOK)
		}
	})
}

// settlementInterceptor holds back the handler's status until settlement
// has succeeded.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	// Settlement failed and an error body was written; drop the resource.
	if i.hijacked {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.hijacked {
		return
	}
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker. A hijacked connection bypasses settlement.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		i.committed = true
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}
