package medauthz

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/medauthz/utils"
)

// EngineConfig tunes relationship resolution and caching.
type EngineConfig struct {
	MaxRelationDepth        int  `json:"max_relation_depth" yaml:"max_relation_depth"`
	CacheTTLSeconds         int  `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	MaxCacheSize            int  `json:"max_cache_size" yaml:"max_cache_size"`
	EnableCaching           bool `json:"enable_caching" yaml:"enable_caching"`
	EnableAudit             bool `json:"enable_audit" yaml:"enable_audit"`
	EnableEmergencyOverride bool `json:"enable_emergency_override" yaml:"enable_emergency_override"`
	// Ristretto knobs for the optional decision cache.
	EnableDecisionCache   bool  `json:"enable_decision_cache" yaml:"enable_decision_cache"`
	DecisionCacheCounters int64 `json:"decision_cache_counters" yaml:"decision_cache_counters"`
	DecisionCacheMaxCost  int64 `json:"decision_cache_max_cost" yaml:"decision_cache_max_cost"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRelationDepth:        10,
		CacheTTLSeconds:         300,
		MaxCacheSize:            1000,
		EnableCaching:           true,
		EnableAudit:             true,
		EnableEmergencyOverride: true,
	}
}

func (c EngineConfig) cacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// AuthorizationRequest is one access attempt to decide.
type AuthorizationRequest struct {
	Subject   Subject         `json:"subject"`
	Action    Action          `json:"action"`
	Resource  Resource        `json:"resource"`
	Context   *RequestContext `json:"context"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewRequest builds a request with a fresh context when none is supplied.
func NewRequest(subject Subject, action Action, resource Resource, rctx *RequestContext) *AuthorizationRequest {
	if rctx == nil {
		rctx = NewContext()
	}
	return &AuthorizationRequest{Subject: subject, Action: action, Resource: resource, Context: rctx}
}

// AuthorizationResponse is the structured outcome of a check.
type AuthorizationResponse struct {
	Decision         AccessDecision `json:"decision"`
	Allowed          bool           `json:"allowed"`
	Reasons          []string       `json:"reasons,omitempty"`
	Requirements     []string       `json:"requirements,omitempty"`
	Restrictions     []string       `json:"restrictions,omitempty"`
	Confidence       float64        `json:"confidence"`
	AppliedPolicies  []string       `json:"applied_policies,omitempty"`
	ResolvedRelation Relation       `json:"resolved_relation,omitempty"`
	TimeLimit        time.Duration  `json:"time_limit,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`
	EvaluatedAt      time.Time      `json:"evaluated_at"`
	EvaluationTime   time.Duration  `json:"evaluation_time"`
	Cached           bool           `json:"cached,omitempty"`
}

// EngineOption configures the engine at construction time.
type EngineOption func(*Engine) error

// WithEngineConfig replaces the default engine configuration.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.MaxRelationDepth <= 0 {
			cfg.MaxRelationDepth = 10
		}
		if cfg.CacheTTLSeconds <= 0 {
			cfg.CacheTTLSeconds = 300
		}
		if cfg.MaxCacheSize <= 0 {
			cfg.MaxCacheSize = 1000
		}
		e.config = cfg
		return nil
	}
}

// WithRelationCache injects a custom relation cache, for example the Redis
// backed implementation.
func WithRelationCache(c RelationCache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return NewConfigurationError("nil relation cache")
		}
		e.relCache = c
		return nil
	}
}

// WithAuditConfig replaces the default audit configuration.
func WithAuditConfig(cfg AuditConfig) EngineOption {
	return func(e *Engine) error {
		e.auditConfig = cfg
		return nil
	}
}

// WithRelationInheritance registers a custom inheritance edge: subjects
// holding the stronger relation satisfy requirements for the weaker one.
func WithRelationInheritance(holder, satisfies Relation) EngineOption {
	return func(e *Engine) error {
		if holder == "" || satisfies == "" {
			return NewConfigurationError("inheritance edge requires both relations")
		}
		e.customEdges = append(e.customEdges, [2]Relation{holder, satisfies})
		return nil
	}
}

// Engine orchestrates context validation, emergency override, policy
// evaluation and relationship resolution into one decision per request.
type Engine struct {
	relationships RelationshipStore
	policyStore   PolicyStore
	policies      *PolicyEngine
	audit         *AuditManager
	config        EngineConfig
	auditConfig   AuditConfig
	relCache      RelationCache
	decisions     *DecisionCache
	// inheritance maps a required relation to the stronger relations that
	// also satisfy it.
	inheritance map[Relation][]Relation
	customEdges [][2]Relation
	logger      Logger
	traceIDFunc TraceIDFunc
}

func NewEngine(
	relationships RelationshipStore,
	policyStore PolicyStore,
	auditStore AuditStore,
	opts ...EngineOption,
) (*Engine, error) {
	if relationships == nil || policyStore == nil || auditStore == nil {
		return nil, NewConfigurationError("engine requires relationship, policy and audit stores")
	}
	e := &Engine{
		relationships: relationships,
		policyStore:   policyStore,
		policies:      NewPolicyEngine(policyStore),
		config:        DefaultEngineConfig(),
		auditConfig:   DefaultAuditConfig(),
		logger:        defaultLogger(),
		traceIDFunc:   defaultTraceID,
	}
	e.audit = NewAuditManager(e.auditConfig, auditStore)
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	// Options may have replaced the audit config.
	if e.audit.config != e.auditConfig {
		e.audit.Close()
		e.audit = NewAuditManager(e.auditConfig, auditStore)
		e.audit.SetLogger(e.logger)
	}
	if e.relCache == nil {
		e.relCache = NewMemoryRelationCache(e.config.cacheTTL(), e.config.MaxCacheSize)
	}
	if e.config.EnableDecisionCache && e.decisions == nil {
		dc, err := NewDecisionCache(e.config.DecisionCacheCounters, e.config.DecisionCacheMaxCost, e.config.cacheTTL())
		if err != nil {
			return nil, err
		}
		e.decisions = dc
	}
	e.inheritance = buildInheritanceIndex(e.customEdges)
	return e, nil
}

func buildInheritanceIndex(custom [][2]Relation) map[Relation][]Relation {
	idx := make(map[Relation][]Relation)
	for _, holder := range builtinRelations {
		for _, weaker := range holder.InheritsFrom() {
			idx[weaker] = append(idx[weaker], holder)
		}
	}
	for _, edge := range custom {
		idx[edge[1]] = append(idx[edge[1]], edge[0])
	}
	return idx
}

// Close stops the audit worker, draining buffered entries.
func (e *Engine) Close() { e.audit.Close() }

// Audit exposes the audit manager for reporting.
func (e *Engine) Audit() *AuditManager { return e.audit }

// Policies exposes the policy engine for usage statistics.
func (e *Engine) Policies() *PolicyEngine { return e.policies }

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.config }

// Check decides one authorization request. The decision is always returned,
// even alongside an error; errors fail closed.
func (e *Engine) Check(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResponse, error) {
	start := time.Now()
	if req == nil {
		return denyResponse("", start, "nil request"), NewValidationError("nil request")
	}
	if req.Subject.IsZero() || req.Resource.IsZero() || req.Action == "" {
		err := NewValidationError("request requires subject, action and resource")
		return denyResponse(req.RequestID, start, err.Message), err
	}
	if req.Context == nil {
		req.Context = NewContext()
	}
	if req.RequestID == "" {
		req.RequestID = e.traceIDFunc()
	}

	if err := req.Context.Validate(); err != nil {
		resp := denyResponse(req.RequestID, start, err.Error())
		resp.Confidence = 0.9
		if aerr := e.auditDecision(ctx, req, resp); aerr != nil {
			return resp, aerr
		}
		return resp, err
	}

	var cacheKey string
	if e.decisions != nil {
		cacheKey = DecisionCacheKey(req.Subject, req.Action, req.Resource, req.Context)
		if cached, ok := e.decisions.Get(cacheKey); ok {
			cop := *cached
			cop.Cached = true
			cop.RequestID = req.RequestID
			if aerr := e.auditDecision(ctx, req, &cop); aerr != nil {
				return &cop, aerr
			}
			return &cop, nil
		}
	}

	resp := &AuthorizationResponse{
		Decision:    DecisionDeny,
		RequestID:   req.RequestID,
		EvaluatedAt: req.Context.Timestamp,
	}

	if e.config.EnableEmergencyOverride && req.Context.IsEmergency() {
		if req.Context.IsBreakGlass() {
			resp.Decision = DecisionBreakGlassAccess
			resp.Reasons = append(resp.Reasons, "Break-glass access granted")
		} else {
			resp.Decision = DecisionEmergencyAccess
			resp.Reasons = append(resp.Reasons, "Emergency access granted")
		}
		resp.Confidence = 1.0
	} else {
		if err := e.evaluate(ctx, req, resp); err != nil {
			resp.Decision = DecisionDeny
			resp.Allowed = false
			resp.Reasons = append(resp.Reasons, err.Error())
			resp.EvaluationTime = time.Since(start)
			if aerr := e.auditDecision(ctx, req, resp); aerr != nil {
				return resp, aerr
			}
			return resp, err
		}
	}

	resp.Allowed = resp.Decision.Allowed()
	resp.EvaluationTime = time.Since(start)

	if e.decisions != nil {
		e.decisions.Set(cacheKey, resp)
	}
	if err := e.auditDecision(ctx, req, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// evaluate runs policy evaluation and, when the policies defer, relationship
// resolution.
func (e *Engine) evaluate(ctx context.Context, req *AuthorizationRequest, resp *AuthorizationResponse) error {
	pd, err := e.policies.Evaluate(ctx, req.Subject, req.Action, req.Resource, req.Context)
	if err != nil {
		return err
	}
	resp.AppliedPolicies = pd.AppliedPolicies
	resp.Confidence = pd.Confidence

	switch pd.Effect.Kind {
	case EffectAllow:
		resp.Decision = DecisionAllow
		resp.Reasons = append(resp.Reasons, pd.Reasons...)
	case EffectDeny:
		resp.Decision = DecisionDeny
		resp.Reasons = append(resp.Reasons, pd.Reasons...)
	case EffectRequireApproval:
		resp.Decision = DecisionRequireApproval
		resp.Requirements = append(resp.Requirements, pd.Requirements...)
	case EffectRequireSecondFactor:
		if req.Context.Session.MFAVerified {
			resp.Decision = DecisionAllow
			resp.Reasons = append(resp.Reasons, "Multi-factor authentication verified")
		} else {
			resp.Decision = DecisionRequireSecondFactor
			resp.Requirements = append(resp.Requirements, "Multi-factor authentication required")
		}
	case EffectTimeLimit:
		resp.Decision = DecisionAllowWithRestrictions
		resp.TimeLimit = pd.TimeLimit
		resp.Restrictions = append(resp.Restrictions, fmt.Sprintf("Time limit: %d seconds", int64(pd.TimeLimit/time.Second)))
	case EffectRestrict:
		resp.Decision = DecisionAllowWithRestrictions
		resp.Restrictions = append(resp.Restrictions, pd.Restrictions...)
	case EffectConditional:
		resp.Requirements = append(resp.Requirements, pd.Requirements...)
		if len(resp.Requirements) == 0 {
			resp.Decision = DecisionAllow
			resp.Reasons = append(resp.Reasons, pd.Reasons...)
		} else {
			resp.Decision = DecisionRequireApproval
		}
	case EffectAuditOnly:
		// Policies defer: the relationship graph decides.
		relation, found, err := e.resolveRelation(ctx, req.Resource, req.Subject, req.Action)
		if err != nil {
			return err
		}
		if found {
			resp.Decision = DecisionAllow
			resp.ResolvedRelation = relation
			resp.Reasons = append(resp.Reasons, fmt.Sprintf("Access granted via %s relationship", relation))
			resp.Confidence = 0.8
		} else {
			resp.Decision = DecisionDeny
			resp.Reasons = append(resp.Reasons, "No valid relationship found")
			resp.Confidence = 0.9
		}
	}
	return nil
}

// resolveRelation finds a relation that grants the action on the resource.
func (e *Engine) resolveRelation(ctx context.Context, resource Resource, subject Subject, action Action) (Relation, bool, error) {
	required := RequiredRelations(action, resource.Kind)
	if len(required) == 0 {
		// No direct rule: fall back to the default grants of whatever
		// relations the subject holds on this resource.
		tuples, err := e.relationships.TuplesForResource(ctx, resource)
		if err != nil {
			return "", false, NewRelationshipResolutionError("load tuples", err)
		}
		for _, t := range tuples {
			if t.Subject == subject && t.Relation.Grants(action) {
				return t.Relation, true, nil
			}
		}
		return "", false, nil
	}
	for _, rel := range required {
		visited := make(map[string]bool)
		ok, err := e.hasRelation(ctx, resource, rel, subject, visited, 0)
		if err != nil {
			return "", false, err
		}
		if ok {
			return rel, true, nil
		}
	}
	return "", false, nil
}

// hasRelation walks the inheritance graph checking whether the subject
// satisfies the relation, directly or through a stronger relation. The
// visited set is shared across the walk to catch cycles; depth is bounded
// by the engine config.
func (e *Engine) hasRelation(ctx context.Context, resource Resource, relation Relation, subject Subject, visited map[string]bool, depth int) (bool, error) {
	if depth >= e.config.MaxRelationDepth {
		return false, NewMaxDepthExceededError(e.config.MaxRelationDepth)
	}
	key := TupleKey(resource, relation, subject)
	if visited[key] {
		return false, NewCircularDependencyError(key)
	}
	visited[key] = true

	subjects, err := e.subjectsFor(ctx, resource, relation)
	if err != nil {
		return false, err
	}
	for _, s := range subjects {
		if s == subject {
			return true, nil
		}
	}
	for _, stronger := range e.inheritance[relation] {
		ok, err := e.hasRelation(ctx, resource, stronger, subject, visited, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// subjectsFor returns the subjects directly holding a relation on a
// resource, through the relation cache when enabled.
func (e *Engine) subjectsFor(ctx context.Context, resource Resource, relation Relation) ([]Subject, error) {
	key := RelationCacheKey(resource, relation)
	if e.config.EnableCaching {
		if subjects, ok := e.relCache.Get(key); ok {
			return subjects, nil
		}
	}
	tuples, err := e.relationships.TuplesForResource(ctx, resource)
	if err != nil {
		return nil, NewRelationshipResolutionError("load tuples for "+resource.String(), err)
	}
	subjects := make([]Subject, 0, len(tuples))
	for _, t := range tuples {
		if t.Relation == relation {
			subjects = append(subjects, t.Subject)
		}
	}
	if e.config.EnableCaching {
		e.relCache.Set(key, subjects)
	}
	return subjects, nil
}

func denyResponse(requestID string, start time.Time, reason string) *AuthorizationResponse {
	return &AuthorizationResponse{
		Decision:       DecisionDeny,
		Allowed:        false,
		Reasons:        []string{reason},
		RequestID:      requestID,
		EvaluatedAt:    start,
		EvaluationTime: time.Since(start),
	}
}

func (e *Engine) auditDecision(ctx context.Context, req *AuthorizationRequest, resp *AuthorizationResponse) error {
	if !e.config.EnableAudit {
		return nil
	}
	entry := NewAuditEntry(req.Subject, req.Action, req.Resource, resp.Decision)
	entry.Reasons = append(entry.Reasons, resp.Reasons...)
	entry.Confidence = resp.Confidence
	entry.AppliedPolicies = append(entry.AppliedPolicies, resp.AppliedPolicies...)
	entry.Emergency = req.Context.IsEmergency()
	entry.BreakGlass = req.Context.IsBreakGlass()
	entry.SessionID = req.Context.Session.SessionID
	entry.IPAddress = req.Context.Session.IPAddress
	entry.UserAgent = req.Context.Session.UserAgent
	entry.TraceID = req.RequestID
	if err := e.audit.Record(ctx, entry); err != nil {
		return err
	}
	e.logger.Debug("authorization decision",
		"request_id", req.RequestID,
		"subject", req.Subject.String(),
		"action", string(req.Action),
		"resource", req.Resource.String(),
		"decision", string(resp.Decision),
		"allowed", resp.Allowed)
	return nil
}

// BatchCheck evaluates several requests sequentially. Input errors on one
// request land in that request's deny response and the batch continues;
// only infrastructure errors stop it.
func (e *Engine) BatchCheck(ctx context.Context, reqs []*AuthorizationRequest) ([]*AuthorizationResponse, error) {
	out := make([]*AuthorizationResponse, 0, len(reqs))
	for _, req := range reqs {
		resp, err := e.Check(ctx, req)
		out = append(out, resp)
		if err != nil {
			switch KindOf(err) {
			case ErrValidation, ErrContextValidation:
			default:
				return out, err
			}
		}
	}
	return out, nil
}

// AddRelationship stores a tuple and invalidates the affected caches.
func (e *Engine) AddRelationship(ctx context.Context, tuple *RelationshipTuple) error {
	if err := e.relationships.AddTuple(ctx, tuple); err != nil {
		return err
	}
	e.invalidate(tuple.Resource, tuple.Relation)
	e.auditRelationChange(ctx, tuple, "relationship_added")
	return nil
}

// AddRelationshipWithInverse stores a tuple and, for symmetric relation
// pairs, the mirrored tuple. Subject and resource swap only when the
// subject can be expressed as a resource, so this applies to
// department/organization scoped pairs.
func (e *Engine) AddRelationshipWithInverse(ctx context.Context, tuple *RelationshipTuple) error {
	if err := e.AddRelationship(ctx, tuple); err != nil {
		return err
	}
	inverse, ok := tuple.Relation.Inverse()
	if !ok {
		return nil
	}
	mirrorResource, mirrorSubject, ok := mirrorTuple(tuple.Subject, tuple.Resource)
	if !ok {
		return nil
	}
	mirror := NewTuple(mirrorResource, inverse, mirrorSubject)
	mirror.CreatedBy = tuple.CreatedBy
	mirror.Context = tuple.Context
	if tuple.ExpiresAt != nil {
		exp := *tuple.ExpiresAt
		mirror.ExpiresAt = &exp
	}
	return e.AddRelationship(ctx, mirror)
}

func mirrorTuple(subject Subject, resource Resource) (Resource, Subject, bool) {
	var mirroredResource Resource
	switch subject.Kind {
	case SubjectUser:
		mirroredResource = Resource{Kind: ResourcePatient, ID: subject.ID}
	case SubjectDepartment:
		mirroredResource = Resource{Kind: ResourceDepartment, ID: subject.ID}
	case SubjectOrganization:
		mirroredResource = Resource{Kind: ResourceOrganization, ID: subject.ID}
	default:
		return Resource{}, Subject{}, false
	}
	var mirroredSubject Subject
	switch resource.Kind {
	case ResourcePatient:
		mirroredSubject = Subject{Kind: SubjectUser, ID: resource.ID}
	case ResourceDepartment:
		mirroredSubject = Subject{Kind: SubjectDepartment, ID: resource.ID}
	case ResourceOrganization:
		mirroredSubject = Subject{Kind: SubjectOrganization, ID: resource.ID}
	default:
		return Resource{}, Subject{}, false
	}
	return mirroredResource, mirroredSubject, true
}

// RemoveRelationship soft-deletes a tuple and invalidates caches.
func (e *Engine) RemoveRelationship(ctx context.Context, resource Resource, relation Relation, subject Subject) error {
	if err := e.relationships.RemoveTuple(ctx, resource, relation, subject); err != nil {
		return err
	}
	e.invalidate(resource, relation)
	e.auditRelationChange(ctx, NewTuple(resource, relation, subject), "relationship_removed")
	return nil
}

// HasRelationship checks a direct tuple without inheritance.
func (e *Engine) HasRelationship(ctx context.Context, resource Resource, relation Relation, subject Subject) (bool, error) {
	return e.relationships.HasTuple(ctx, resource, relation, subject)
}

// Expand lists every subject satisfying the relation on the resource,
// including holders of stronger relations.
func (e *Engine) Expand(ctx context.Context, resource Resource, relation Relation) ([]Subject, error) {
	seen := make(map[Subject]struct{})
	var out []Subject
	type frame struct {
		rel   Relation
		depth int
	}
	work := []frame{{relation, 0}}
	visitedRels := map[Relation]bool{}
	for len(work) > 0 {
		f := work[0]
		work = work[1:]
		if f.depth >= e.config.MaxRelationDepth || visitedRels[f.rel] {
			continue
		}
		visitedRels[f.rel] = true
		subjects, err := e.subjectsFor(ctx, resource, f.rel)
		if err != nil {
			return nil, err
		}
		for _, s := range subjects {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
		for _, stronger := range e.inheritance[f.rel] {
			work = append(work, frame{stronger, f.depth + 1})
		}
	}
	return out, nil
}

// ListObjects returns the resources of a kind on which the subject holds
// the relation. An empty kind matches every resource kind.
func (e *Engine) ListObjects(ctx context.Context, subject Subject, relation Relation, kind ResourceKind) ([]Resource, error) {
	tuples, err := e.relationships.TuplesForSubject(ctx, subject)
	if err != nil {
		return nil, NewRelationshipResolutionError("load tuples for "+subject.String(), err)
	}
	var out []Resource
	for _, t := range tuples {
		if t.Relation != relation {
			continue
		}
		if kind != "" && t.Resource.Kind != kind {
			continue
		}
		out = append(out, t.Resource)
	}
	return out, nil
}

// ListObjectsMatching filters ListObjects results against a resource
// pattern like "medical_record:cardiology/*".
func (e *Engine) ListObjectsMatching(ctx context.Context, subject Subject, relation Relation, pattern string) ([]Resource, error) {
	all, err := e.ListObjects(ctx, subject, relation, "")
	if err != nil {
		return nil, err
	}
	var out []Resource
	for _, r := range all {
		if utils.MatchResource(r.String(), pattern) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CleanupExpired flags expired tuples inactive and resets caches.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	n, err := e.relationships.CleanupExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.relCache.Clear()
		if e.decisions != nil {
			e.decisions.Clear()
		}
	}
	return n, nil
}

func (e *Engine) invalidate(resource Resource, relation Relation) {
	e.relCache.Invalidate(RelationCacheKey(resource, relation))
	if e.decisions != nil {
		e.decisions.Clear()
	}
}

func (e *Engine) auditRelationChange(ctx context.Context, tuple *RelationshipTuple, event string) {
	if !e.config.EnableAudit || !e.audit.Config().LogRelationChanges {
		return
	}
	entry := NewAuditEntry(tuple.Subject, Action(event), tuple.Resource, DecisionAllow)
	entry.WithMetadata("relation", string(tuple.Relation))
	entry.WithMetadata("event", event)
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("relationship change audit failed", "event", event, "error", err.Error())
	}
}
