package http

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	PaymentEventAttempt PaymentEventType = "payment_attempt"
	PaymentEventSuccess PaymentEventType = "payment_success"
	PaymentEventFailure PaymentEventType = "payment_failure"
)

// PaymentEvent describes one step of a paid request made by X402Transport.
type PaymentEvent struct {
	Type        PaymentEventType
	Timestamp   time.Time
	Method      string
	URL         string
	Network     string
	Scheme      string
	Amount      string
	Asset       string
	Recipient   string
	Transaction string
	Payer       string
	Error       error
	Duration    time.Duration
}

// PaymentCallback receives payment events. It runs on the request goroutine.
type PaymentCallback func(PaymentEvent)
