package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/assistant-auth-gateway/utils"
)

// IPLimiterConfig sizes the per-address token buckets
type IPLimiterConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
}

type addrLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPLimiter throttles unauthenticated traffic per client address before any
// signature or store work is done. It is independent of the per-identity
// sliding window limiter.
type IPLimiter struct {
	config IPLimiterConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*addrLimiter

	stopCh chan struct{}
	once   sync.Once
}

// NewIPLimiter creates an IPLimiter and starts its cleanup loop. Call Stop on shutdown.
func NewIPLimiter(config IPLimiterConfig, logger *zap.Logger) *IPLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	l := &IPLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*addrLimiter),
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop ends the cleanup loop
func (l *IPLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Len returns the number of tracked addresses
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects requests over the per-address budget with 429
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !l.allow(addr) {
			l.logger.Warn("ip rate limit exceeded",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("ip_address", addr))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(l.config.Rate)))
			_ = utils.WriteTooManyRequests(w, "", map[string]interface{}{"scope": "ip"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPLimiter) allow(addr string) bool {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.limiters[addr]
	if !ok {
		entry = &addrLimiter{limiter: rate.NewLimiter(l.config.Rate, l.config.Burst)}
		l.limiters[addr] = entry
	}
	entry.lastAccess = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops addresses idle for more than two cleanup intervals
func (l *IPLimiter) cleanup(now time.Time) {
	ttl := l.config.CleanupInterval * 2

	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > ttl {
			delete(l.limiters, addr)
		}
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter is the whole seconds until one token is refilled
func retryAfter(limit rate.Limit) int {
	if limit <= 0 || limit == rate.Inf {
		return 1
	}
	secs := int(math.Ceil(1.0 / float64(limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}
