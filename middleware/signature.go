package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services/audit"
	"github.com/upb/assistant-auth-gateway/services/signature"
	"github.com/upb/assistant-auth-gateway/utils"
)

const (
	// TimestampHeader and SignatureHeader carry the chat platform's request signature
	TimestampHeader = "X-Slack-Request-Timestamp"
	SignatureHeader = "X-Slack-Signature"

	// DefaultMaxBodyBytes bounds the body read for signature checks
	DefaultMaxBodyBytes int64 = 1 << 20
)

// SignatureChecker validates a signed request body
type SignatureChecker interface {
	Check(body []byte, timestamp, signature string) error
}

// SignatureMiddleware rejects requests whose body is not signed with the shared secret
type SignatureMiddleware struct {
	checker  SignatureChecker
	audit    audit.Recorder
	maxBytes int64
	logger   *zap.Logger
}

// NewSignatureMiddleware creates a SignatureMiddleware. rec may be nil.
func NewSignatureMiddleware(checker SignatureChecker, rec audit.Recorder, logger *zap.Logger) *SignatureMiddleware {
	if rec == nil {
		rec = audit.Discard{}
	}
	return &SignatureMiddleware{
		checker:  checker,
		audit:    rec,
		maxBytes: DefaultMaxBodyBytes,
		logger:   logger,
	}
}

// Verify reads the whole body, checks its signature and restores it for the next handler
func (m *SignatureMiddleware) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := GetRequestIDFromContext(r.Context())

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
				return
			}
			m.logger.Warn("failed to read request body",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteBadRequest(w, "Unreadable request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		err = m.checker.Check(body, r.Header.Get(TimestampHeader), r.Header.Get(SignatureHeader))
		if err != nil {
			reason := signature.Reason(err)
			m.audit.Record(models.NewAuthEvent(models.AuditActionSignatureRejected).
				WithReason(reason).
				WithRequest(requestID, r.RemoteAddr))
			_ = utils.WriteError(w, http.StatusUnauthorized, "Invalid request signature", map[string]interface{}{"reason": reason})
			return
		}

		next.ServeHTTP(w, r)
	})
}
