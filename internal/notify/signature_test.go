package notify

import (
	"errors"
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"event":"alert.triggered"}`)
	now := time.Unix(1772366400, 0)
	ts := now.Unix()

	sig := Sign(secret, ts, body)
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != Sign(secret, ts, body) {
		t.Fatal("signing must be deterministic")
	}

	tests := []struct {
		name    string
		secret  []byte
		ts      int64
		body    []byte
		sig     string
		wantErr error
	}{
		{"valid", secret, ts, body, sig, nil},
		{"tampered body", secret, ts, []byte(`{"event":"alert.resolved"}`), sig, ErrInvalidSignature},
		{"wrong secret", []byte("other"), ts, body, sig, ErrInvalidSignature},
		{"missing prefix", secret, ts, body, sig[len("sha256="):], ErrInvalidSignature},
		{"replayed timestamp", secret, ts - 3600, body, Sign(secret, ts-3600, body), ErrStaleSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.ts, tt.body, tt.sig, now, 5*time.Minute)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := Verify(secret, ts-3600, body, Sign(secret, ts-3600, body), now, 0); err != nil {
		t.Errorf("zero tolerance should skip the window check: %v", err)
	}
}
