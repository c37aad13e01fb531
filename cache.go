package medauthz

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RelationCache stores the set of subjects holding a relation on a resource,
// keyed by "resource#relation". Implementations must be safe for concurrent
// use. The engine owns invalidation: every tuple write clears the affected
// key.
type RelationCache interface {
	Get(key string) ([]Subject, bool)
	Set(key string, subjects []Subject)
	Invalidate(key string)
	Clear()
}

// RelationCacheKey builds the cache key for a resource/relation pair.
func RelationCacheKey(resource Resource, relation Relation) string {
	return resource.String() + "#" + string(relation)
}

type relationCacheEntry struct {
	subjects []Subject
	cachedAt time.Time
}

// MemoryRelationCache is the default TTL cache. It is bounded: when an
// insert would exceed the maximum size the whole cache is cleared rather
// than evicting piecemeal, trading hit rate for predictability.
type MemoryRelationCache struct {
	mu      sync.RWMutex
	entries map[string]relationCacheEntry
	ttl     time.Duration
	maxSize int
}

func NewMemoryRelationCache(ttl time.Duration, maxSize int) *MemoryRelationCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryRelationCache{
		entries: make(map[string]relationCacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *MemoryRelationCache) Get(key string) ([]Subject, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Since(entry.cachedAt) >= c.ttl {
		return nil, false
	}
	return entry.subjects, true
}

func (c *MemoryRelationCache) Set(key string, subjects []Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.entries = make(map[string]relationCacheEntry)
	}
	cop := make([]Subject, len(subjects))
	copy(cop, subjects)
	c.entries[key] = relationCacheEntry{subjects: cop, cachedAt: time.Now()}
}

func (c *MemoryRelationCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryRelationCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]relationCacheEntry)
	c.mu.Unlock()
}

// Len reports the number of cached keys, expired or not.
func (c *MemoryRelationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DecisionCache memoizes full authorization responses in a ristretto cache.
// Keys fingerprint the request including the context predicates that feed
// policy evaluation, so two requests share an entry only when every signal
// the policies can see is identical.
type DecisionCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewDecisionCache builds a ristretto-backed decision cache. counters and
// maxCost follow ristretto semantics; ttl bounds entry lifetime.
func NewDecisionCache(counters, maxCost int64, ttl time.Duration) (*DecisionCache, error) {
	if counters <= 0 {
		counters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, NewConfigurationError("decision cache: " + err.Error())
	}
	return &DecisionCache{cache: c, ttl: ttl}, nil
}

// DecisionCacheKey fingerprints a request for memoization. Every context
// field Condition.Evaluate reads must appear here: a missing signal lets
// one request replay another's cached decision.
func DecisionCacheKey(subject Subject, action Action, resource Resource, rctx *RequestContext) string {
	hospital := ""
	if rctx.Location != nil {
		hospital = rctx.Location.HospitalID
	}
	patientBound := rctx.Clinical != nil && rctx.Clinical.PatientID != ""
	return fmt.Sprintf("%s|%s|%s|e=%t|bg=%t|u=%s|d=%s|c=%02d:%02d|ah=%t|we=%t|rm=%t|h=%s|sl=%s|mfa=%t|p=%t|at=%t|%s",
		subject.String(), action, resource.String(),
		rctx.IsEmergency(), rctx.IsBreakGlass(), rctx.Urgency(),
		rctx.Timestamp.Weekday(), rctx.Timestamp.Hour(), rctx.Timestamp.Minute(),
		rctx.IsAfterHours(), rctx.IsWeekend(), rctx.IsRemoteAccess(),
		hospital, rctx.SecurityLevel(), rctx.Session.MFAVerified,
		patientBound, len(rctx.AuditTrail) > 0,
		attributesFingerprint(rctx.Attributes))
}

func attributesFingerprint(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(attrs[k])
		b.WriteByte(';')
	}
	return b.String()
}

func (d *DecisionCache) Get(key string) (*AuthorizationResponse, bool) {
	v, ok := d.cache.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*AuthorizationResponse)
	return resp, ok
}

func (d *DecisionCache) Set(key string, resp *AuthorizationResponse) {
	d.cache.SetWithTTL(key, resp, 1, d.ttl)
}

func (d *DecisionCache) Clear() { d.cache.Clear() }

// Wait blocks until buffered writes have been applied.
func (d *DecisionCache) Wait() { d.cache.Wait() }
