// Package signature authenticates inbound chat-platform requests with an
// HMAC-SHA256 signature over the request timestamp and body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/internal/observability"
)

const (
	// Version is the scheme tag that prefixes both the signed string and the header value.
	Version = "v0"

	// DefaultReplayWindow is how far a request timestamp may drift from now.
	DefaultReplayWindow = 5 * time.Minute
)

var (
	ErrMissingHeaders       = errors.New("missing timestamp or signature")
	ErrTimestampInvalid     = errors.New("timestamp is not a unix time")
	ErrTimestampOutOfWindow = errors.New("timestamp outside replay window")
	ErrSignatureMismatch    = errors.New("signature mismatch")
)

// Verifier checks request signatures against a shared secret.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret  []byte
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics observability.Metrics
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithMetrics records each rejection reason.
func WithMetrics(m observability.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier. A non-positive window falls back to DefaultReplayWindow.
func NewVerifier(secret string, window time.Duration, logger *zap.Logger, opts ...Option) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	v := &Verifier{
		secret:  []byte(secret),
		window:  window,
		now:     time.Now,
		logger:  logger,
		metrics: observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether signature authenticates body at timestamp.
// Malformed input yields false.
func (v *Verifier) Verify(body []byte, timestamp, signature string) bool {
	return v.Check(body, timestamp, signature) == nil
}

// Check is Verify with the rejection reason. Every rejection is logged and counted.
func (v *Verifier) Check(body []byte, timestamp, signature string) error {
	err := v.check(body, timestamp, signature)
	if err != nil {
		reason := Reason(err)
		v.metrics.RecordSignatureRejection(reason)
		v.logger.Warn("request signature rejected",
			zap.String("reason", reason),
			zap.String("timestamp", timestamp),
			zap.Int("body_bytes", len(body)),
		)
	}
	return err
}

func (v *Verifier) check(body []byte, timestamp, signature string) error {
	if timestamp == "" || signature == "" {
		return ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestampInvalid
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return ErrTimestampOutOfWindow
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the header value for body signed at timestamp: "v0=" + hex(HMAC-SHA256).
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Version + ":" + timestamp + ":"))
	mac.Write(body)
	return Version + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Reason maps a Check error to a short metric and audit label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, ErrTimestampInvalid):
		return "timestamp_invalid"
	case errors.Is(err, ErrTimestampOutOfWindow):
		return "timestamp_out_of_window"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "unknown"
	}
}
