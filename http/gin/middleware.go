// Package gin adapts the x402 paywall to Gin. Payment checks and settlement
// are delegated to the http package; this package only translates between
// gin.Context and the stdlib request and response.
package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"go.uber.org/zap"

	"github.com/bankofai/x402-go"
	httpx402 "github.com/bankofai/x402-go/http"
)

// PaymentKey is the gin.Context key holding the *httpx402.Payment.
const PaymentKey = "x402_payment"

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
//
// Unpaid or invalid requests are aborted with 402. A verified payment is
// stored under PaymentKey and in the request context, then the handler runs.
// Settlement happens when the handler first writes a status below 400, or
// after it returns without writing.
//
//	r := gin.Default()
//	r.Use(NewGinX402Middleware(&httpx402.Config{
//	    FacilitatorURL:      "http://localhost:8402",
//	    PaymentRequirements: []x402.PaymentRequirements{req},
//	}))
func NewGinX402Middleware(config *httpx402.Config) gin.HandlerFunc {
	paywall, err := httpx402.NewPaywall(config)
	if err != nil {
		logger := config.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("x402 middleware misconfigured", zap.Error(err))
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"x402Version": x402.X402Version,
				"error":       "payment gate misconfigured",
			})
		}
	}

	return func(c *gin.Context) {
		reqs := paywall.Requirements(c.Request)
		payment, rej := paywall.Check(c.Request, reqs)
		if rej != nil {
			c.AbortWithStatusJSON(rej.Status, rej.Body)
			return
		}

		c.Set(PaymentKey, payment)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), httpx402.PaymentContextKey, payment))

		sw := &settleWriter{ResponseWriter: c.Writer}
		sw.settle = func() bool {
			if rej := paywall.Settle(c.Request.Context(), sw.ResponseWriter.Header(), payment, reqs); rej != nil {
				under := sw.ResponseWriter
				under.WriteHeader(rej.Status)
				_ = render.JSON{Data: rej.Body}.Render(under)
				c.Abort()
				return false
			}
			return true
		}
		c.Writer = sw
		c.Next()
		c.Writer = sw.ResponseWriter

		if !sw.decided && !c.IsAborted() && sw.ResponseWriter.Status() < 400 {
			sw.commit()
		}
	}
}

// settleWriter runs settlement before the first byte of a successful response.
type settleWriter struct {
	gin.ResponseWriter
	settle  func() bool
	decided bool
	blocked bool
}

func (w *settleWriter) commit() {
	if w.decided {
		return
	}
	w.decided = true
	if w.ResponseWriter.Status() >= 400 {
		return
	}
	w.blocked = !w.settle()
}

func (w *settleWriter) WriteHeaderNow() {
	w.commit()
	if !w.blocked {
		w.ResponseWriter.WriteHeaderNow()
	}
}

func (w *settleWriter) Write(b []byte) (int, error) {
	w.commit()
	if w.blocked {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *settleWriter) WriteString(s string) (int, error) {
	w.commit()
	if w.blocked {
		return len(s), nil
	}
	return w.ResponseWriter.WriteString(s)
}

func (w *settleWriter) Flush() {
	w.commit()
	if !w.blocked {
		w.ResponseWriter.Flush()
	}
}
