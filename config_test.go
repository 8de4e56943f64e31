package x402

import (
	"testing"
	"time"
)

func TestDefaultTimeouts(t *testing.T) {
	if DefaultTimeouts.VerifyTimeout != 5*time.Second {
		t.Errorf("VerifyTimeout = %v", DefaultTimeouts.VerifyTimeout)
	}
	if DefaultTimeouts.SettleTimeout != 60*time.Second {
		t.Errorf("SettleTimeout = %v", DefaultTimeouts.SettleTimeout)
	}
	if DefaultTimeouts.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v", DefaultTimeouts.RequestTimeout)
	}
	if err := DefaultTimeouts.Validate(); err != nil {
		t.Errorf("DefaultTimeouts.Validate() = %v", err)
	}
}

func TestTimeoutConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TimeoutConfig
		wantErr bool
	}{
		{name: "valid", config: TimeoutConfig{VerifyTimeout: time.Second, SettleTimeout: time.Minute}},
		{name: "equal", config: TimeoutConfig{VerifyTimeout: time.Second, SettleTimeout: time.Second}},
		{name: "zero verify", config: TimeoutConfig{SettleTimeout: time.Minute}, wantErr: true},
		{name: "negative settle", config: TimeoutConfig{VerifyTimeout: time.Second, SettleTimeout: -time.Second}, wantErr: true},
		{name: "settle shorter than verify", config: TimeoutConfig{VerifyTimeout: time.Minute, SettleTimeout: time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
