package tokencache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func record(token string, now time.Time, ttl time.Duration) types.TokenRecord {
	return types.TokenRecord{
		Token:     token,
		Type:      types.TokenTypeTenant,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func newTestCache(t *testing.T, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(Config{MaxSize: maxSize}, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestPutGet(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("tenant_access_token:t1", record("t-1", clock.Now(), time.Hour))
	got, ok := c.Get("tenant_access_token:t1")
	require.True(t, ok)
	assert.Equal(t, "t-1", got.Token)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.Equal(t, clock.Now(), got.LastAccessedAt)

	clock.Advance(time.Minute)
	got, ok = c.Get("tenant_access_token:t1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.AccessCount)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestZeroTTLIsImmediatelyExpired(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("k", record("t", clock.Now(), 0))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestLazyExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("k", record("t", clock.Now(), time.Minute))
	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestNoExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("app_access_token", types.TokenRecord{Token: "a", Type: types.TokenTypeApp})
	clock.Advance(1000 * time.Hour)
	got, ok := c.Get("app_access_token")
	require.True(t, ok)
	assert.Equal(t, "a", got.Token)
}

func TestCapacityEvictsOldestCreated(t *testing.T) {
	c, clock := newTestCache(t, 3)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), record(fmt.Sprintf("t%d", i), clock.Now(), time.Hour))
		clock.Advance(time.Second)
	}
	// 访问不影响淘汰顺序
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Put("k3", record("t3", clock.Now(), time.Hour))
	assert.Equal(t, 3, c.Size())
	_, ok = c.Get("k0")
	assert.False(t, ok)
	for _, k := range []string{"k1", "k2", "k3"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}

	n, err := c.Validate()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCapacityNeverExceeded(t *testing.T) {
	c, clock := newTestCache(t, 5)

	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("k%d", i), record("t", clock.Now(), time.Hour))
		clock.Advance(time.Millisecond)
		assert.LessOrEqual(t, c.Size(), 5)
	}
	_, ok := c.Get("k49")
	assert.True(t, ok)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, clock := newTestCache(t, 2)

	c.Put("a", record("a1", clock.Now(), time.Hour))
	clock.Advance(time.Second)
	c.Put("b", record("b1", clock.Now(), time.Hour))
	clock.Advance(time.Second)
	c.Put("a", record("a2", clock.Now(), time.Hour))
	assert.Equal(t, 2, c.Size())

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a2", got.Token)

	// 重新写入后 a 的创建时间晚于 b
	c.Put("c", record("c1", clock.Now(), time.Hour))
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("a", record("a", clock.Now(), time.Hour))
	c.Put("b", record("b", clock.Now(), time.Hour))

	got, ok := c.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Token)
	_, ok = c.Remove("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Size())
	n, err := c.Validate()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Put("short", record("s", clock.Now(), time.Second))
	c.Put("long", record("l", clock.Now(), time.Hour))
	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"long"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Cleanups)
}

func TestBackgroundSweepAndClose(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{MaxSize: 10, CleanupInterval: 5 * time.Millisecond}, WithClock(clock.Now))

	c.Put("k", record("t", clock.Now(), time.Second))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Close()
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not stop the sweeper")
	}
}

func TestValidateDetectsMismatch(t *testing.T) {
	c, clock := newTestCache(t, 10)
	c.Put("a", record("a", clock.Now(), time.Hour))

	c.mu.Lock()
	delete(c.entries, "a")
	c.mu.Unlock()

	_, err := c.Validate()
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.Entries)
	assert.Equal(t, 1, mismatch.Indexed)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{MaxSize: 50, CleanupInterval: time.Millisecond})
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				c.Put(key, types.TokenRecord{Token: key, ExpiresAt: time.Now().Add(time.Duration(i%3) * time.Millisecond)})
				c.Get(key)
				if i%17 == 0 {
					c.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 50)
	_, err := c.Validate()
	assert.NoError(t, err)
}

func TestStatsContentionDoesNotBlockGet(t *testing.T) {
	c, clock := newTestCache(t, 10)
	c.Put("app_access_token", record("a-1", clock.Now(), time.Hour))

	c.statsMu.Lock()
	got := make(chan bool, 1)
	go func() {
		_, ok := c.Get("app_access_token")
		got <- ok
	}()
	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		c.statsMu.Unlock()
		t.Fatal("Get blocked on the stats lock")
	}
	c.statsMu.Unlock()

	// 统计锁被占用期间的命中不计入
	assert.Equal(t, int64(0), c.Stats().Hits)

	_, ok := c.Get("app_access_token")
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Hits)
}
