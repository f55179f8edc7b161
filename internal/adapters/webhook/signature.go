package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Signature headers attached when a signing secret is configured.
const (
	HeaderTimestamp  = "X-Signature-Timestamp"
	HeaderVersion    = "X-Signature-Version"
	HeaderSignature  = "X-Signature"
	SignatureVersion = "v1"
	SignaturePrefix  = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing signature or timestamp")
	ErrMalformedHeader  = errors.New("malformed signature header")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("signature timestamp outside tolerance")
)

// Sign returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received X-Signature header against the exact body bytes.
// A positive tolerance also rejects timestamps further than tolerance from now.
func Verify(secret, timestamp string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	if header == "" || timestamp == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(header, SignaturePrefix)
	if !ok || hexSig == "" {
		return ErrMalformedHeader
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformedHeader
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}

	if tolerance > 0 {
		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrMalformedHeader
		}
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrStaleTimestamp
		}
	}
	return nil
}
