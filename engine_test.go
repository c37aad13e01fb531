package medauthz

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/medauthz/logger"
)

// Wednesday mid-morning: the business-hours policy applies.
func businessHours() time.Time { return time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) }

// Wednesday evening: only the after-hours policy applies.
func afterHours() time.Time { return time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC) }

// Saturday mid-morning: none of the default policies apply.
func quietWeekend() time.Time { return time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC) }

func contextAt(ts time.Time) *RequestContext {
	rctx := NewContext()
	rctx.Timestamp = ts
	return rctx
}

// sensitiveContext routes the request through the sensitive-data-audit
// policy, whose audit_only effect defers to relationship resolution.
func sensitiveContext(ts time.Time) *RequestContext {
	return contextAt(ts).WithAttribute("data_classification", "sensitive")
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	policyStore := NewMemoryPolicyStore()
	policyStore.SeedDefaultPolicies()
	auditCfg := DefaultAuditConfig()
	auditCfg.FailClosed = true
	all := append([]EngineOption{
		WithAuditConfig(auditCfg),
		WithLogger(logger.NewNullLogger()),
	}, opts...)
	e, err := NewEngine(NewMemoryRelationshipStore(), policyStore, NewMemoryAuditStore(), all...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestCheckDeniesWithoutRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.Check(ctx, NewRequest(NewUser("visitor"), ActionRead, NewPatient("p-1"), sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Allowed || resp.Decision != DecisionDeny {
		t.Fatalf("expected deny, got %s", resp.Decision)
	}
	if resp.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %.2f", resp.Confidence)
	}
	found := false
	for _, r := range resp.Reasons {
		if r == "No valid relationship found" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected relationship denial reason, got %v", resp.Reasons)
	}
}

func TestCheckDeniesWhenNoPolicyApplies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.Check(ctx, NewRequest(NewUser("visitor"), ActionRead, NewPatient("p-1"), contextAt(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected deny with no applicable policy")
	}
	if resp.Confidence != 0.1 {
		t.Fatalf("expected low confidence, got %.2f", resp.Confidence)
	}
}

func TestCheckAllowsViaRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")
	if err := e.AddRelationship(ctx, NewTuple(patient, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	resp, err := e.Check(ctx, NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !resp.Allowed || resp.Decision != DecisionAllow {
		t.Fatalf("expected allow, got %s (%v)", resp.Decision, resp.Reasons)
	}
	if resp.ResolvedRelation != RelPrimaryPhysician {
		t.Fatalf("expected resolved relation primary_physician, got %s", resp.ResolvedRelation)
	}
	if resp.Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %.2f", resp.Confidence)
	}
	found := false
	for _, r := range resp.Reasons {
		if r == "Access granted via primary_physician relationship" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected relationship reason, got %v", resp.Reasons)
	}
}

func TestCheckEmergencyOverridesRelationships(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	patient := NewPatient("p-1")
	stranger := NewUser("dr-oncall")

	// Without an emergency the stranger is denied.
	resp, err := e.Check(ctx, NewRequest(stranger, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected deny without emergency")
	}

	rctx := contextAt(quietWeekend()).
		WithEmergency(NewEmergency(EmergencyCodeBlue, "dr-oncall", "patient coding in ER"))
	resp, err = e.Check(ctx, NewRequest(stranger, ActionRead, patient, rctx))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !resp.Allowed || resp.Decision != DecisionEmergencyAccess {
		t.Fatalf("expected emergency access, got %s", resp.Decision)
	}
	if resp.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %.2f", resp.Confidence)
	}

	bg := contextAt(quietWeekend()).
		WithEmergency(NewEmergency(EmergencyBreakGlass, "dr-oncall", "treating team unreachable"))
	resp, err = e.Check(ctx, NewRequest(stranger, ActionRead, patient, bg))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Decision != DecisionBreakGlassAccess {
		t.Fatalf("expected break-glass access, got %s", resp.Decision)
	}
}

func TestCheckRejectsInvalidEmergencyContext(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rctx := contextAt(quietWeekend()).
		WithEmergency(NewEmergency(EmergencyBreakGlass, "dr-oncall", ""))
	resp, err := e.Check(ctx, NewRequest(NewUser("dr-oncall"), ActionRead, NewPatient("p-1"), rctx))
	if err == nil {
		t.Fatal("expected context validation error")
	}
	if KindOf(err) != ErrContextValidation {
		t.Fatalf("expected context validation kind, got %s", KindOf(err))
	}
	if resp == nil || resp.Allowed {
		t.Fatal("invalid context must deny")
	}
}

func TestCheckRequiresApprovalAfterHours(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	resp, err := e.Check(ctx, NewRequest(NewUser("dr-smith"), ActionRead, NewPatient("p-1"), contextAt(afterHours())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Decision != DecisionRequireApproval {
		t.Fatalf("expected require_approval after hours, got %s", resp.Decision)
	}
	if len(resp.Requirements) == 0 {
		t.Fatal("expected requirements to be populated")
	}
}

func TestCheckRemoteAccessRequiresMFA(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")

	remote := contextAt(businessHours()).
		WithLocation(NewLocation("hosp-1").AsRemote())
	resp, err := e.Check(ctx, NewRequest(physician, ActionRead, patient, remote))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Decision != DecisionRequireSecondFactor {
		t.Fatalf("expected require_second_factor, got %s", resp.Decision)
	}

	verified := contextAt(businessHours()).
		WithLocation(NewLocation("hosp-1").AsRemote()).
		WithSession(SessionContext{UserID: "dr-smith", MFAVerified: true})
	resp, err = e.Check(ctx, NewRequest(physician, ActionRead, patient, verified))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !resp.Allowed {
		t.Fatalf("expected allow with verified MFA, got %s", resp.Decision)
	}
}

func TestCheckResolvesInheritedRelation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	appointment := Resource{Kind: ResourceAppointment, ID: "apt-1"}
	head := NewUser("dr-chief")
	// Holding department_head satisfies the department_member requirement.
	if err := e.AddRelationship(ctx, NewTuple(appointment, RelDepartmentHead, head)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	rctx := sensitiveContext(quietWeekend())
	resp, err := e.Check(ctx, NewRequest(head, ActionSchedule, appointment, rctx))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !resp.Allowed {
		t.Fatalf("expected inherited allow, got %s (%v)", resp.Decision, resp.Reasons)
	}
	if resp.ResolvedRelation != RelDepartmentMember {
		t.Fatalf("expected department_member resolution, got %s", resp.ResolvedRelation)
	}
}

func TestCheckDetectsInheritanceCycle(t *testing.T) {
	e := newTestEngine(t,
		WithRelationInheritance(RelCareTeamMember, RelDepartmentMember),
		WithRelationInheritance(RelDepartmentMember, RelCareTeamMember),
	)
	ctx := context.Background()

	appointment := Resource{Kind: ResourceAppointment, ID: "apt-1"}
	resp, err := e.Check(ctx, NewRequest(NewUser("dr-x"), ActionSchedule, appointment, sensitiveContext(quietWeekend())))
	if err == nil {
		t.Fatal("expected circular dependency error")
	}
	if KindOf(err) != ErrCircularDependency {
		t.Fatalf("expected circular dependency kind, got %s", KindOf(err))
	}
	if resp.Allowed {
		t.Fatal("cycle must fail closed")
	}
}

func TestCheckEnforcesMaxDepth(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxRelationDepth = 2
	e := newTestEngine(t,
		WithEngineConfig(cfg),
		WithRelationInheritance(RelCareTeamMember, RelDepartmentMember),
		WithRelationInheritance(RelColleague, RelCareTeamMember),
	)
	ctx := context.Background()

	appointment := Resource{Kind: ResourceAppointment, ID: "apt-1"}
	resp, err := e.Check(ctx, NewRequest(NewUser("dr-x"), ActionSchedule, appointment, sensitiveContext(quietWeekend())))
	if err == nil {
		t.Fatal("expected max depth error")
	}
	if KindOf(err) != ErrMaxDepthExceeded {
		t.Fatalf("expected max depth kind, got %s", KindOf(err))
	}
	if resp.Allowed {
		t.Fatal("depth overflow must fail closed")
	}
}

func TestCheckIgnoresExpiredRelationship(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	locum := NewUser("dr-locum")
	tuple := NewTuple(patient, RelPrimaryPhysician, locum).
		WithExpiration(time.Now().Add(-time.Minute))
	if err := e.AddRelationship(ctx, tuple); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	resp, err := e.Check(ctx, NewRequest(locum, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expired relationship must not grant access")
	}
}

func TestRemoveRelationshipInvalidatesCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")
	if err := e.AddRelationship(ctx, NewTuple(patient, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	resp, err := e.Check(ctx, NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil || !resp.Allowed {
		t.Fatalf("expected allow before removal, got %v %v", resp, err)
	}

	if err := e.RemoveRelationship(ctx, patient, RelPrimaryPhysician, physician); err != nil {
		t.Fatalf("remove relationship: %v", err)
	}

	resp, err = e.Check(ctx, NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Allowed {
		t.Fatal("removal must invalidate cached relation")
	}
}

func TestCheckDecisionCache(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.EnableDecisionCache = true
	e := newTestEngine(t, WithEngineConfig(cfg))
	ctx := context.Background()

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")
	if err := e.AddRelationship(ctx, NewTuple(patient, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	req := NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend()))
	first, err := e.Check(ctx, req)
	if err != nil || !first.Allowed {
		t.Fatalf("expected allow, got %v %v", first, err)
	}
	e.decisions.Wait()

	second, err := e.Check(ctx, NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend())))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second identical check to hit the decision cache")
	}
	if second.Decision != first.Decision {
		t.Fatalf("cached decision mismatch: %s vs %s", second.Decision, first.Decision)
	}
}

func TestCheckDecisionCacheDistinguishesLocation(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.EnableDecisionCache = true
	e := newTestEngine(t, WithEngineConfig(cfg))
	ctx := context.Background()

	onSiteOnly := &HealthcarePolicy{
		ID: "on-site-cardiology", Name: "On-Site Cardiology", Type: PolicyLocationBased,
		Conditions: []Condition{{Kind: CondRequireLocation, Values: []string{"hosp-1"}}},
		Effect:     Allow(), Priority: 90, Enabled: true, CreatedAt: time.Now(),
	}
	if err := e.policyStore.CreatePolicy(ctx, onSiteOnly); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")

	first, err := e.Check(ctx, NewRequest(physician, ActionRead, patient,
		contextAt(quietWeekend()).WithLocation(NewLocation("hosp-1"))))
	if err != nil || !first.Allowed {
		t.Fatalf("expected on-site allow, got %v %v", first, err)
	}
	e.decisions.Wait()

	elsewhere, err := e.Check(ctx, NewRequest(physician, ActionRead, patient,
		contextAt(quietWeekend()).WithLocation(NewLocation("hosp-2"))))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if elsewhere.Cached {
		t.Fatal("requests from different facilities must not share a cache entry")
	}
	if elsewhere.Allowed {
		t.Fatalf("on-site allow leaked to another facility: %+v", elsewhere)
	}
}

func TestBatchCheck(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")
	if err := e.AddRelationship(ctx, NewTuple(patient, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	resps, err := e.BatchCheck(ctx, []*AuthorizationRequest{
		NewRequest(physician, ActionRead, patient, sensitiveContext(quietWeekend())),
		NewRequest(NewUser("visitor"), ActionRead, patient, sensitiveContext(quietWeekend())),
	})
	if err != nil {
		t.Fatalf("batch check: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if !resps[0].Allowed || resps[1].Allowed {
		t.Fatalf("expected allow,deny got %s,%s", resps[0].Decision, resps[1].Decision)
	}
}

func TestBatchCheckContinuesPastMalformedRequest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	physician := NewUser("dr-smith")
	if err := e.AddRelationship(ctx, NewTuple(patient, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	resps, err := e.BatchCheck(ctx, []*AuthorizationRequest{
		NewRequest(physician, ActionRead, patient, sensitiveContext(businessHours())),
		NewRequest(Subject{}, ActionRead, patient, contextAt(businessHours())),
		NewRequest(physician, ActionRead, patient, sensitiveContext(businessHours())),
	})
	if err != nil {
		t.Fatalf("batch check: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("one bad element must not stop the batch, got %d responses", len(resps))
	}
	if resps[1].Allowed {
		t.Fatal("malformed request must deny")
	}
	if !resps[0].Allowed || !resps[2].Allowed {
		t.Fatalf("valid requests around the bad one must still be evaluated: %s,%s",
			resps[0].Decision, resps[2].Decision)
	}
}

func TestExpandIncludesInheritedHolders(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	appointment := Resource{Kind: ResourceAppointment, ID: "apt-1"}
	member := NewUser("dr-member")
	head := NewUser("dr-chief")
	if err := e.AddRelationship(ctx, NewTuple(appointment, RelDepartmentMember, member)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}
	if err := e.AddRelationship(ctx, NewTuple(appointment, RelDepartmentHead, head)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	subjects, err := e.Expand(ctx, appointment, RelDepartmentMember)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(subjects) != 2 {
		t.Fatalf("expected member and head, got %v", subjects)
	}
}

func TestListObjects(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	physician := NewUser("dr-smith")
	for _, id := range []string{"p-1", "p-2"} {
		if err := e.AddRelationship(ctx, NewTuple(NewPatient(id), RelPrimaryPhysician, physician)); err != nil {
			t.Fatalf("add relationship: %v", err)
		}
	}
	record := Resource{Kind: ResourceMedicalRecord, ID: "cardiology/mr-1"}
	if err := e.AddRelationship(ctx, NewTuple(record, RelPrimaryPhysician, physician)); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	patients, err := e.ListObjects(ctx, physician, RelPrimaryPhysician, ResourcePatient)
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(patients) != 2 {
		t.Fatalf("expected 2 patients, got %v", patients)
	}

	matched, err := e.ListObjectsMatching(ctx, physician, RelPrimaryPhysician, "medical_record:cardiology/*")
	if err != nil {
		t.Fatalf("list objects matching: %v", err)
	}
	if len(matched) != 1 || matched[0] != record {
		t.Fatalf("expected cardiology record, got %v", matched)
	}
}

func TestAddRelationshipWithInverse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	department := Resource{Kind: ResourceDepartment, ID: "cardiology"}
	manager := NewUser("dr-lead")
	if err := e.AddRelationshipWithInverse(ctx, NewTuple(department, RelManager, manager)); err != nil {
		t.Fatalf("add with inverse: %v", err)
	}

	ok, err := e.HasRelationship(ctx, department, RelManager, manager)
	if err != nil || !ok {
		t.Fatalf("expected direct tuple, got %v %v", ok, err)
	}
	mirrored := Resource{Kind: ResourcePatient, ID: "dr-lead"}
	ok, err = e.HasRelationship(ctx, mirrored, RelSubordinate, Subject{Kind: SubjectDepartment, ID: "cardiology"})
	if err != nil || !ok {
		t.Fatalf("expected mirrored tuple, got %v %v", ok, err)
	}
}

func TestCheckAuditsDecisions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	if _, err := e.Check(ctx, NewRequest(NewUser("visitor"), ActionRead, patient, sensitiveContext(quietWeekend()))); err != nil {
		t.Fatalf("check: %v", err)
	}

	entries, err := e.Audit().Query(ctx, AuditFilter{SubjectID: "visitor"})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Allowed {
		t.Fatal("audit entry should record the denial")
	}
	if entries[0].TraceID == "" {
		t.Fatal("audit entry should carry the request trace id")
	}
}

func TestCleanupExpired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	patient := NewPatient("p-1")
	tuple := NewTuple(patient, RelTemporaryAccess, NewUser("locum")).
		WithExpiration(time.Now().Add(-time.Hour))
	if err := e.AddRelationship(ctx, tuple); err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	n, err := e.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged tuple, got %d", n)
	}
}
