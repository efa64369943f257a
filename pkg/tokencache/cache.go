// Package tokencache 提供短期凭证的内存缓存。
//
// 缓存有两种相互独立的淘汰方式：后台按 CleanupInterval 周期清理过期条目；
// Put 时若已达到 MaxSize，淘汰创建时间最早的条目。后者按创建顺序而不是访问
// 顺序淘汰，重新 Put 同一个键会刷新其创建时间。
package tokencache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BetaCatPro/wsevent/internal/metrics"
	"github.com/BetaCatPro/wsevent/pkg/types"
	"go.uber.org/atomic"
)

// 默认配置
const (
	DefaultMaxSize         = 1000
	DefaultCleanupInterval = time.Minute
)

// Config 缓存配置
type Config struct {
	MaxSize         int           // 最大条目数
	CleanupInterval time.Duration // 过期清理周期，0 表示不启动后台清理
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{MaxSize: DefaultMaxSize, CleanupInterval: DefaultCleanupInterval}
}

// Stats 缓存统计，仅供参考
type Stats struct {
	Hits        int64
	Misses      int64
	Cleanups    int64 // 后台清理移除的条目数
	CurrentSize int
}

// MismatchError 索引与数据不一致
type MismatchError struct {
	Entries int
	Indexed int
	Key     string
}

func (e *MismatchError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("token cache mismatch: key %q not indexed consistently", e.Key)
	}
	return fmt.Sprintf("token cache mismatch: %d entries, %d indexed", e.Entries, e.Indexed)
}

type entry struct {
	key          string
	record       types.TokenRecord
	createdAt    time.Time
	expiresAt    time.Time
	accessCount  atomic.Int64
	lastAccessed atomic.Time
	elem         *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// snapshot 返回带访问统计的记录副本
func (e *entry) snapshot() types.TokenRecord {
	r := e.record
	r.AccessCount = e.accessCount.Load()
	r.LastAccessedAt = e.lastAccessed.Load()
	return r
}

// Option 缓存选项
type Option func(*Cache)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache 凭证缓存
type Cache struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // 按创建时间排列的条目

	statsMu  sync.Mutex
	hits     int64
	misses   int64
	cleanups int64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New 创建缓存，CleanupInterval>0 时启动后台清理协程，需调用 Close 停止
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.CleanupInterval < 0 {
		cfg.CleanupInterval = 0
	}
	c := &Cache{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
		order:   list.New(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(cfg.CleanupInterval)
	}
	return c
}

// Put 写入或整体替换一条记录
func (c *Cache) Put(key string, record types.TokenRecord) {
	now := c.now()
	e := &entry{
		key:       key,
		record:    record,
		createdAt: now,
		expiresAt: record.ExpiresAt,
	}
	e.accessCount.Store(record.AccessCount)
	e.lastAccessed.Store(record.LastAccessedAt)

	var evicted string
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.order.Remove(old.elem)
	} else if len(c.entries) >= c.cfg.MaxSize {
		evicted = c.evictOldestLocked()
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.mu.Unlock()

	if evicted != "" {
		c.metrics.CacheEviction("capacity", 1)
		c.logger.Debug("token cache evicted oldest entry", "key", evicted)
	}
}

// evictOldestLocked 淘汰创建最早的条目，需持有写锁
func (c *Cache) evictOldestLocked() string {
	front := c.order.Front()
	if front == nil {
		return ""
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
	return e.key
}

// Get 读取记录；过期条目在读取时删除并计为未命中
func (c *Cache) Get(key string) (types.TokenRecord, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.recordLookup(false)
		return types.TokenRecord{}, false
	}
	if e.expired(now) {
		c.mu.Lock()
		// 等锁期间可能已被替换
		if cur, ok := c.entries[key]; ok && cur == e {
			c.removeLocked(e)
		}
		c.mu.Unlock()
		c.recordLookup(false)
		c.metrics.CacheEviction("expired", 1)
		return types.TokenRecord{}, false
	}

	e.accessCount.Inc()
	e.lastAccessed.Store(now)
	c.recordLookup(true)
	return e.snapshot(), true
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Remove 删除并返回记录
func (c *Cache) Remove(key string) (types.TokenRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return types.TokenRecord{}, false
	}
	c.removeLocked(e)
	return e.snapshot(), true
}

// Clear 清空缓存
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.order.Init()
}

// Size 当前条目数（包含尚未清理的过期条目）
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys 当前所有键，按字典序
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Stats 统计快照
func (c *Cache) Stats() Stats {
	size := c.Size()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Cleanups:    c.cleanups,
		CurrentSize: size,
	}
}

// recordLookup 拿不到统计锁时直接放弃，不阻塞读路径
func (c *Cache) recordLookup(hit bool) {
	c.metrics.CacheLookup(hit)
	if !c.statsMu.TryLock() {
		return
	}
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()
}

// Validate 检查创建顺序索引与数据是否一致，返回条目数
func (c *Cache) Validate() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.order.Len() != len(c.entries) {
		return 0, &MismatchError{Entries: len(c.entries), Indexed: c.order.Len()}
	}
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if cur, ok := c.entries[e.key]; !ok || cur != e || e.elem != el {
			return 0, &MismatchError{Entries: len(c.entries), Indexed: c.order.Len(), Key: e.key}
		}
	}
	return len(c.entries), nil
}

// Sweep 删除所有过期条目，返回删除数量
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.statsMu.Lock()
		c.cleanups += int64(removed)
		c.statsMu.Unlock()
		c.metrics.CacheEviction("expired", removed)
		c.logger.Debug("token cache sweep", "removed", removed)
	}
	return removed
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close 停止后台清理并等待其退出，可重复调用
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
