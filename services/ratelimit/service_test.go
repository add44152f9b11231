package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/services"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(start time.Time, offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = start.Add(offset)
}

type decisionCounter struct {
	observability.NopMetrics
	admitted int32
	rejected int32
}

func (d *decisionCounter) RecordRateLimitDecision(admitted bool) {
	if admitted {
		atomic.AddInt32(&d.admitted, 1)
	} else {
		atomic.AddInt32(&d.rejected, 1)
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, limit int, window time.Duration) (*RateLimitService, *miniredis.Miniredis, *testClock, *decisionCounter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: epoch}
	metrics := &decisionCounter{}
	svc, err := NewRateLimitService(rdb, config.AuthConfig{
		RateLimitRequests: limit,
		RateLimitWindow:   window,
	}, zap.NewNop(), WithClock(clock.now), WithMetrics(metrics))
	require.NoError(t, err)
	return svc, mr, clock, metrics
}

func TestNewRateLimitService_Validation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	_, err := NewRateLimitService(rdb, config.AuthConfig{RateLimitRequests: 0, RateLimitWindow: time.Minute}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRateLimitService(rdb, config.AuthConfig{RateLimitRequests: 1, RateLimitWindow: 0}, zap.NewNop())
	assert.Error(t, err)
}

func TestAdmit_SlidingWindowScenario(t *testing.T) {
	svc, _, clock, metrics := newTestService(t, 3, time.Minute)
	ctx := context.Background()

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{10 * time.Second, true},
		{20 * time.Second, true},
		{25 * time.Second, false},
		{61 * time.Second, true},
	}

	for _, step := range steps {
		clock.set(epoch, step.at)
		got, err := svc.Admit(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, step.want, got, "admit at t=%s", step.at)
	}
	assert.Equal(t, int32(4), metrics.admitted)
	assert.Equal(t, int32(1), metrics.rejected)
}

func TestAdmit_QuotaThenRecovery(t *testing.T) {
	const quota = 5
	svc, _, clock, _ := newTestService(t, quota, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < quota; i++ {
		ok, err := svc.Admit(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}
	ok, err := svc.Admit(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.set(epoch, 30*time.Second+time.Millisecond)
	ok, err = svc.Admit(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmit_BoundaryIsInclusive(t *testing.T) {
	svc, _, clock, _ := newTestService(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := svc.Admit(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)

	// the first request sits exactly on now-window and still counts
	clock.set(epoch, time.Minute)
	ok, err = svc.Admit(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.set(epoch, time.Minute+time.Millisecond)
	ok, err = svc.Admit(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmit_RejectionIsNotRecorded(t *testing.T) {
	svc, mr, clock, _ := newTestService(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := svc.Admit(ctx, "dave")
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < 5; i++ {
		clock.set(epoch, time.Duration(i+1)*time.Second)
		ok, err := svc.Admit(ctx, "dave")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	members, err := mr.ZMembers("rate_limit:dave")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// both accepted requests were at t=0, so the window frees at t=60s+
	clock.set(epoch, time.Minute+time.Millisecond)
	ok, err := svc.Admit(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmit_SetsTTL(t *testing.T) {
	svc, mr, _, _ := newTestService(t, 3, time.Minute)
	ok, err := svc.Admit(context.Background(), "erin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("rate_limit:erin"))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists("rate_limit:erin"))
}

func TestAdmit_KeysAreIndependent(t *testing.T) {
	svc, _, _, _ := newTestService(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := svc.Admit(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Admit(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Admit(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdmit_SameInstantCountsTwice(t *testing.T) {
	svc, _, _, _ := newTestService(t, 2, time.Minute)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := svc.Admit(ctx, "frank")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := svc.Admit(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdmit_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	const quota = 5
	svc, _, _, _ := newTestService(t, quota, time.Minute)
	ctx := context.Background()

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Admit(ctx, "burst")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(quota), admitted)
}

func TestInfo_IsReadOnly(t *testing.T) {
	svc, mr, clock, _ := newTestService(t, 3, time.Minute)
	ctx := context.Background()

	for _, at := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		clock.set(epoch, at)
		_, err := svc.Admit(ctx, "alice")
		require.NoError(t, err)
	}

	clock.set(epoch, 25*time.Second)
	before, err := mr.ZMembers("rate_limit:alice")
	require.NoError(t, err)

	info, err := svc.Info(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Key)
	assert.Equal(t, 3, info.Limit)
	assert.Equal(t, 3, info.Count)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, time.Minute, info.Window)
	assert.Equal(t, 35*time.Second, info.ResetIn)

	after, err := mr.ZMembers("rate_limit:alice")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// a stale entry is excluded from the count but not removed
	clock.set(epoch, 65*time.Second)
	info, err = svc.Info(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)
	assert.Equal(t, 1, info.Remaining)
	assert.Equal(t, 5*time.Second, info.ResetIn)

	after, err = mr.ZMembers("rate_limit:alice")
	require.NoError(t, err)
	assert.Len(t, after, 3)
}

func TestInfo_UnknownKey(t *testing.T) {
	svc, _, _, _ := newTestService(t, 3, time.Minute)
	info, err := svc.Info(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Count)
	assert.Equal(t, 3, info.Remaining)
	assert.Zero(t, info.ResetIn)
}

func TestReset(t *testing.T) {
	svc, _, _, _ := newTestService(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := svc.Admit(ctx, "gina")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Reset(ctx, "gina"))
	ok, err = svc.Admit(ctx, "gina")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmit_Errors(t *testing.T) {
	svc, mr, _, _ := newTestService(t, 3, time.Minute)
	ctx := context.Background()

	_, err := svc.Admit(ctx, "")
	assert.True(t, services.IsValidationError(err))

	mr.Close()
	ok, err := svc.Admit(ctx, "alice")
	assert.False(t, ok)
	assert.True(t, services.IsStoreUnavailableError(err))

	_, err = svc.Info(ctx, "alice")
	assert.True(t, services.IsStoreUnavailableError(err))
}
