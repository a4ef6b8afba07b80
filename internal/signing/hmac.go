// Package signing authenticates inbound webhooks against a subscription
// secret.
//
// Azure DevOps service hooks can only send Basic auth, so the secret is
// accepted as the Basic auth password. Senders that can compute an HMAC use
// the X-TeamsRelay-Signature and X-TeamsRelay-Timestamp headers instead.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	SignatureHeader = "X-TeamsRelay-Signature"
	TimestampHeader = "X-TeamsRelay-Timestamp"

	// Tolerance bounds the clock skew accepted for signed requests.
	Tolerance = 5 * time.Minute
)

var ErrUnauthorized = errors.New("webhook request is not authenticated")

func Sign(secret string, payload []byte) (signature string, timestamp int64) {
	timestamp = time.Now().Unix()
	return signAt(secret, payload, timestamp), timestamp
}

func signAt(secret string, payload []byte, timestamp int64) string {
	toSign := fmt.Sprintf("%d.%s", timestamp, string(payload))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return fmt.Sprintf("v1=%s", hex.EncodeToString(mac.Sum(nil)))
}

func Verify(secret string, payload []byte, timestamp int64, signature string) bool {
	expected := signAt(secret, payload, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Authenticate checks r against secret. A signature header, when present,
// is authoritative; otherwise the Basic auth password must equal secret.
func Authenticate(r *http.Request, secret string, body []byte, now time.Time) error {
	if secret == "" {
		return ErrUnauthorized
	}

	if sig := r.Header.Get(SignatureHeader); sig != "" {
		ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad %s header", ErrUnauthorized, TimestampHeader)
		}
		skew := now.Sub(time.Unix(ts, 0))
		if skew > Tolerance || skew < -Tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrUnauthorized)
		}
		if !Verify(secret, body, ts, sig) {
			return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
		}
		return nil
	}

	if _, password, ok := r.BasicAuth(); ok {
		if subtle.ConstantTimeCompare([]byte(password), []byte(secret)) == 1 {
			return nil
		}
		return fmt.Errorf("%w: wrong password", ErrUnauthorized)
	}

	return ErrUnauthorized
}
