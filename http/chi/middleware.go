// Package chi provides Chi-compatible middleware for x402 payment gating.
// It is a thin adapter over the stdlib paywall in the http package.
package chi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/bankofai/x402-go"
	httpx402 "github.com/bankofai/x402-go/http"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
//
// OPTIONS requests pass through ungated so CORS preflight works. Everything
// else goes through the paywall: 402 without a valid payment, settlement
// before the first successful write, and the verified payment available via
// httpx402.PaymentFromContext.
//
//	r := chi.NewRouter()
//	r.Use(middleware.RequestID)
//	r.With(NewChiX402Middleware(config)).Get("/premium", handler)
func NewChiX402Middleware(config *httpx402.Config) func(http.Handler) http.Handler {
	paywall, err := httpx402.NewPaywall(config)
	if err != nil {
		logger := config.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("x402 middleware misconfigured", zap.Error(err))
		rej := &httpx402.Rejection{
			Status: http.StatusInternalServerError,
			Body:   map[string]any{"x402Version": x402.X402Version, "error": "payment gate misconfigured"},
		}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodOptions {
					next.ServeHTTP(w, r)
					return
				}
				rej.Write(w)
			})
		}
	}

	return func(next http.Handler) http.Handler {
		gated := paywall.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
