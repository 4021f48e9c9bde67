package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Webhook request headers.
const (
	HeaderSignature    = "X-FreshTrack-Signature"
	HeaderTimestamp    = "X-FreshTrack-Timestamp"
	HeaderDelivery     = "X-FreshTrack-Delivery"
	HeaderOrganization = "X-FreshTrack-Organization"
	HeaderEvent        = "X-FreshTrack-Event"

	signaturePrefix = "sha256="
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

// Sign returns "sha256=<hex>" of HMAC-SHA256(secret, "<timestamp>.<body>").
// Binding the timestamp into the MAC lets receivers reject replays.
func Sign(secret []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. A zero tolerance skips the
// timestamp window check.
func Verify(secret []byte, timestamp int64, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(timestamp, 0))
		if skew < -tolerance || skew > tolerance {
			return ErrStaleSignature
		}
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
