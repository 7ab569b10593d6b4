package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Standard Webhooks header names.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

// DefaultTolerance bounds the age (and future skew) of a signed callback.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature  = errors.New("webhook signature headers missing")
	ErrInvalidTimestamp  = errors.New("webhook timestamp invalid or outside tolerance")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// Verifier checks HMAC-SHA256 signatures over "<id>.<timestamp>.<body>".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier. A "whsec_" prefixed secret is base64
// decoded; any other value is used as raw key bytes.
func NewVerifier(secret string) (*Verifier, error) {
	key := []byte(secret)
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("decode webhook secret: %w", err)
		}
		key = decoded
	}
	if len(key) == 0 {
		return nil, errors.New("webhook secret is empty")
	}
	return &Verifier{secret: key, tolerance: DefaultTolerance, now: time.Now}, nil
}

// Verify returns nil when at least one v1 signature in the header matches.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	id := h.Get(HeaderWebhookID)
	ts := h.Get(HeaderWebhookTimestamp)
	sigs := h.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingSignature
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	sent := time.Unix(secs, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return ErrInvalidTimestamp
	}

	want := sign(v.secret, id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(want)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign produces the "v1,<base64>" header value for a delivery.
func Sign(secret []byte, id string, at time.Time, body []byte) string {
	return "v1," + sign(secret, id, strconv.FormatInt(at.Unix(), 10), body)
}

func sign(secret []byte, id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
