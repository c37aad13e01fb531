package medauthz

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RelationshipStore persists relationship tuples. No tuple is ever hard
// deleted: removal is a soft delete and CleanupExpired flags tuples whose
// expiry passed, so the grant/revocation trail stays intact.
type RelationshipStore interface {
	AddTuple(ctx context.Context, tuple *RelationshipTuple) error
	RemoveTuple(ctx context.Context, resource Resource, relation Relation, subject Subject) error
	HasTuple(ctx context.Context, resource Resource, relation Relation, subject Subject) (bool, error)
	TuplesForResource(ctx context.Context, resource Resource) ([]*RelationshipTuple, error)
	TuplesForSubject(ctx context.Context, subject Subject) ([]*RelationshipTuple, error)
	// CleanupExpired soft-deletes expired tuples, returning the count of
	// newly flagged tuples.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// PolicyStore persists healthcare policies.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *HealthcarePolicy) error
	UpdatePolicy(ctx context.Context, p *HealthcarePolicy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*HealthcarePolicy, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]*HealthcarePolicy, error)
}

// AuditStore persists decision records. Append-only except for retention
// purges.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	Count(ctx context.Context, filter AuditFilter) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryRelationshipStore keeps tuples in a map keyed by the canonical
// tuple key. Suitable for tests and single-node deployments.
type MemoryRelationshipStore struct {
	mu     sync.RWMutex
	tuples map[string]*RelationshipTuple
}

func NewMemoryRelationshipStore() *MemoryRelationshipStore {
	return &MemoryRelationshipStore{tuples: make(map[string]*RelationshipTuple)}
}

func (s *MemoryRelationshipStore) AddTuple(ctx context.Context, tuple *RelationshipTuple) error {
	if tuple == nil {
		return NewValidationError("nil tuple")
	}
	if tuple.Resource.IsZero() || tuple.Relation == "" || tuple.Subject.IsZero() {
		return NewValidationError("tuple requires resource, relation and subject")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tuple.CreatedAt.IsZero() {
		tuple.CreatedAt = time.Now()
	}
	cop := *tuple
	cop.Deleted = false
	s.tuples[tuple.Key()] = &cop
	return nil
}

// RemoveTuple soft-deletes a tuple. Removing an absent or already-removed
// tuple is a no-op.
func (s *MemoryRelationshipStore) RemoveTuple(ctx context.Context, resource Resource, relation Relation, subject Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tuples[TupleKey(resource, relation, subject)]; ok {
		t.Deleted = true
	}
	return nil
}

func (s *MemoryRelationshipStore) HasTuple(ctx context.Context, resource Resource, relation Relation, subject Subject) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tuples[TupleKey(resource, relation, subject)]
	return ok && t.Active(time.Now()), nil
}

func (s *MemoryRelationshipStore) TuplesForResource(ctx context.Context, resource Resource) ([]*RelationshipTuple, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*RelationshipTuple, 0)
	for _, t := range s.tuples {
		if t.Resource == resource && t.Active(now) {
			cop := *t
			result = append(result, &cop)
		}
	}
	sortTuples(result)
	return result, nil
}

func (s *MemoryRelationshipStore) TuplesForSubject(ctx context.Context, subject Subject) ([]*RelationshipTuple, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*RelationshipTuple, 0)
	for _, t := range s.tuples {
		if t.Subject == subject && t.Active(now) {
			cop := *t
			result = append(result, &cop)
		}
	}
	sortTuples(result)
	return result, nil
}

func (s *MemoryRelationshipStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flagged := 0
	for _, t := range s.tuples {
		if !t.Deleted && t.IsExpired(now) {
			t.Deleted = true
			flagged++
		}
	}
	return flagged, nil
}

func sortTuples(tuples []*RelationshipTuple) {
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Key() < tuples[j].Key() })
}

// MemoryPolicyStore keeps policies in a map.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*HealthcarePolicy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*HealthcarePolicy)}
}

// SeedDefaultPolicies loads the built-in policy catalog.
func (s *MemoryPolicyStore) SeedDefaultPolicies() {
	for _, p := range DefaultPolicies() {
		_ = s.CreatePolicy(context.Background(), p)
	}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *HealthcarePolicy) error {
	if p == nil || p.ID == "" {
		return NewValidationError("policy requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	cop := *p
	s.policies[p.ID] = &cop
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *HealthcarePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return newError(ErrResourceNotFound, "policy not found: "+p.ID)
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now()
	cop := *p
	s.policies[p.ID] = &cop
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return newError(ErrResourceNotFound, "policy not found: "+id)
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*HealthcarePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, newError(ErrResourceNotFound, "policy not found: "+id)
	}
	cop := *p
	return &cop, nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, enabledOnly bool) ([]*HealthcarePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*HealthcarePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		cop := *p
		result = append(result, &cop)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemoryAuditStore keeps audit entries in a slice.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*AuditEntry, 0, 64)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return NewValidationError("nil audit entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *entry
	s.entries = append(s.entries, &cop)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			cop := *e
			result = append(result, &cop)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryAuditStore) Count(ctx context.Context, filter AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if filter.matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var purged int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}
