package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	req.RemoteAddr = addr
	return req
}

func TestIPLimiter(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{Rate: rate.Limit(0.5), Burst: 2, CleanupInterval: time.Hour}, zap.NewNop())
	defer l.Stop()
	handler := l.Middleware(okHandler())

	t.Run("burst then reject", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
			assert.Equal(t, http.StatusOK, w.Code)
		}

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5001"))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "2", w.Header().Get("Retry-After"))
	})

	t.Run("addresses are independent", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.2:5000"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2, l.Len())
	})
}

func TestIPLimiter_Cleanup(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{Rate: rate.Limit(10), Burst: 10, CleanupInterval: time.Minute}, zap.NewNop())
	defer l.Stop()

	assert.True(t, l.allow("10.0.0.1"))
	assert.Equal(t, 1, l.Len())

	l.cleanup(time.Now().Add(time.Minute))
	assert.Equal(t, 1, l.Len(), "recently seen addresses survive")

	l.cleanup(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, l.Len())
}

func TestIPLimiter_StopIsIdempotent(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{Rate: rate.Inf}, zap.NewNop())
	assert.NotPanics(t, func() {
		l.Stop()
		l.Stop()
	})
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 1, retryAfter(rate.Limit(20)))
	assert.Equal(t, 4, retryAfter(rate.Limit(0.25)))
	assert.Equal(t, 1, retryAfter(rate.Inf))
}
