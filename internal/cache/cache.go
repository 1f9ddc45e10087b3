package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/pkg/logger"
	"github.com/wonny/factorscreen/pkg/metrics"
	"github.com/wonny/factorscreen/pkg/redis"
)

// Key identifies one provider response: interface, instrument batch,
// date range and field set. Instrument and field order do not matter.
type Key struct {
	Interface   string
	Instruments []string
	Start       time.Time
	End         time.Time
	Fields      []string
}

// String renders the canonical cache key
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		k.Interface,
		k.Start.Format("20060102"),
		k.End.Format("20060102"),
		digest(k.Instruments),
		digest(k.Fields),
	)
}

func digest(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:8])
}

// Outcome labels how a lookup was served
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeL2Hit   Outcome = "l2_hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeStale   Outcome = "stale"
	OutcomeRefresh Outcome = "refresh"
	OutcomeBypass  Outcome = "bypass"
)

// Loader performs the external call on a miss
type Loader func(ctx context.Context) (*contracts.Table, error)

type entry struct {
	key     string
	value   *contracts.Table
	created time.Time
	expires time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Cache is the process-wide table cache shared by all executions.
// The structure lock only guards the maps; loads run under a per-key lock
// so unrelated keys never wait on each other.
// ⭐ SSOT: 외부 데이터 캐시는 여기서만
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest created
	locks   map[string]*keyLock

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	l2         *redis.Cache
	log        *logger.Logger
}

// Option customizes a Cache
type Option func(*Cache)

// WithClock injects the time source used for expiry
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithL2 adds a shared Redis tier consulted on local misses
func WithL2(l2 *redis.Cache) Option {
	return func(c *Cache) { c.l2 = l2 }
}

// WithLogger sets the logger
func WithLogger(log *logger.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates a cache. maxEntries <= 0 means unbounded.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		locks:      make(map[string]*keyLock),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch serves key according to strategy, calling load when the strategy
// requires an external call. Returned tables are shared and read-only.
// Loader errors are never cached.
func (c *Cache) Fetch(ctx context.Context, key Key, strategy contracts.CacheStrategy, load Loader) (*contracts.Table, Outcome, error) {
	if strategy == "" {
		strategy = contracts.SmartCache
	}
	if strategy == contracts.CacheNone {
		t, err := load(ctx)
		c.observe(strategy, OutcomeBypass)
		return t, OutcomeBypass, err
	}

	k := key.String()
	unlock := c.lockKey(k)
	defer unlock()

	var t *contracts.Table
	var outcome Outcome
	var err error

	switch strategy {
	case contracts.CacheFirst:
		t, outcome, err = c.serve(ctx, k, true, load)
	case contracts.APIFirst:
		if t, err = load(ctx); err == nil {
			c.store(ctx, k, t)
		}
		outcome = OutcomeRefresh
	case contracts.SmartCache:
		t, outcome, err = c.serve(ctx, k, false, load)
	default:
		return nil, "", contracts.ValidationError{Field: "cache_strategy", Message: fmt.Sprintf("unknown strategy %q", strategy)}
	}

	c.observe(strategy, outcome)
	return t, outcome, err
}

// serve returns a local or L2 entry, loading and storing on a miss.
// Caller holds the key lock.
func (c *Cache) serve(ctx context.Context, k string, allowStale bool, load Loader) (*contracts.Table, Outcome, error) {
	t, fresh, found := c.lookup(k)
	if found && (fresh || allowStale) {
		return t, OutcomeHit, nil
	}

	if c.l2.Enabled() {
		var remote contracts.Table
		ok, err := c.l2.Get(ctx, redis.FetchKey(k), &remote)
		if err != nil {
			c.log.WithError(err).WithField("key", k).Warn("L2 cache read failed")
		}
		if ok {
			c.put(k, &remote)
			return &remote, OutcomeL2Hit, nil
		}
	}

	t, err := load(ctx)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	c.store(ctx, k, t)

	if found {
		return t, OutcomeStale, nil
	}
	return t, OutcomeMiss, nil
}

func (c *Cache) lookup(k string) (t *contracts.Table, fresh, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[k]
	if !ok {
		return nil, false, false
	}
	e := el.Value.(*entry)
	return e.value, c.now().Before(e.expires), true
}

// store writes locally and to L2
func (c *Cache) store(ctx context.Context, k string, t *contracts.Table) {
	c.put(k, t)
	if c.l2.Enabled() {
		if err := c.l2.Set(ctx, redis.FetchKey(k), t, c.ttl); err != nil {
			c.log.WithError(err).WithField("key", k).Warn("L2 cache write failed")
		}
	}
}

// put inserts or replaces an entry as the newest and evicts the oldest
// entries beyond the size bound
func (c *Cache) put(k string, t *contracts.Table) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[k]; ok {
		c.order.Remove(el)
	}
	c.entries[k] = c.order.PushBack(&entry{
		key:     k,
		value:   t,
		created: now,
		expires: now.Add(c.ttl),
	})

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		metrics.CacheEvictions.Inc()
	}
}

// lockKey takes the per-key lock, creating it on first use
func (c *Cache) lockKey(k string) func() {
	c.mu.Lock()
	kl, ok := c.locks[k]
	if !ok {
		kl = &keyLock{}
		c.locks[k] = kl
	}
	kl.refs++
	c.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		c.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(c.locks, k)
		}
		c.mu.Unlock()
	}
}

// PurgeExpired drops every expired entry and returns how many were removed
func (c *Cache) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.expires) {
			c.order.Remove(el)
			delete(c.entries, e.key)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of local entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops all local entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache) observe(strategy contracts.CacheStrategy, outcome Outcome) {
	metrics.CacheRequests.WithLabelValues(string(strategy), string(outcome)).Inc()
}
