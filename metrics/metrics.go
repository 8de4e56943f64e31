// Package metrics records facilitator counters and latencies.
package metrics

import "time"

// Metric names.
const (
	VerifyTotal   = "verify_total"
	SettleTotal   = "settle_total"
	SettleSeconds = "settle_seconds"
	VerifySeconds = "verify_seconds"
)

// Recorder receives facilitator events. Labels are scheme, network and result.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Labels builds the standard label set.
func Labels(scheme, network, result string) map[string]string {
	return map[string]string{"scheme": scheme, "network": network, "result": result}
}
