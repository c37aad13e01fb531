package medauthz

import (
	"context"
	"testing"
	"time"
)

func TestConditionEvaluate(t *testing.T) {
	subject := NewUser("dr-a")
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) // Wednesday 10:00

	cases := []struct {
		name string
		cond Condition
		rctx *RequestContext
		want bool
	}{
		{"time of day inside", TimeOfDay("08:00", "18:00"), contextAt(base), true},
		{"time of day outside", TimeOfDay("08:00", "09:00"), contextAt(base), false},
		{"day of week match", DaysOfWeek("Wednesday"), contextAt(base), true},
		{"day of week miss", DaysOfWeek("Sunday"), contextAt(base), false},
		{"after hours", Condition{Kind: CondAfterHours}, contextAt(afterHours()), true},
		{"weekend", Condition{Kind: CondWeekend}, contextAt(quietWeekend()), true},
		{"remote", Condition{Kind: CondRemoteAccess}, contextAt(base).WithLocation(NewLocation("h").AsRemote()), true},
		{"not remote", Condition{Kind: CondRemoteAccess}, contextAt(base).WithLocation(NewLocation("h")), false},
		{"secure connection on-prem", Condition{Kind: CondSecureConnection}, contextAt(base).WithLocation(NewLocation("h")), true},
		{"secure connection absent", Condition{Kind: CondSecureConnection}, contextAt(base), false},
		{"min security", Condition{Kind: CondMinimumSecurityLevel, Level: "medium"}, contextAt(base).WithLocation(NewLocation("h").AsRemote()), true},
		{"emergency declared", Condition{Kind: CondEmergencyDeclared}, contextAt(base).WithEmergency(NewEmergency(EmergencyCodeBlue, "dr-a", "code")), true},
		{"break glass", Condition{Kind: CondBreakGlassActivated}, contextAt(base).WithEmergency(NewEmergency(EmergencyBreakGlass, "dr-a", "reason")), true},
		{"urgency at least", Condition{Kind: CondUrgencyAtLeast, Level: "urgent"}, contextAt(base).WithClinical(NewClinical().WithUrgency(UrgencyEmergency)), true},
		{"consent explicit", Condition{Kind: CondPatientConsent}, contextAt(base).WithAttribute("patient_consent", "true"), true},
		{"consent implied by emergency", Condition{Kind: CondPatientConsent}, contextAt(base).WithEmergency(NewEmergency(EmergencyCodeBlue, "dr-a", "code")), true},
		{"consent missing", Condition{Kind: CondPatientConsent}, contextAt(base), false},
		{"patient related", Condition{Kind: CondPatientRelated}, contextAt(base).WithClinical(NewClinical().WithPatient("p-1")), true},
		{"role attribute", Condition{Kind: CondRequireRole, Value: "physician"}, contextAt(base).WithAttribute("role", "physician"), true},
		{"data classification", Condition{Kind: CondDataClassification, Value: "sensitive"}, sensitiveContext(base), true},
		{"mfa", Condition{Kind: CondMFAVerified}, contextAt(base).WithSession(SessionContext{MFAVerified: true}), true},
		{"audit trail", Condition{Kind: CondAuditTrailRequired}, contextAt(base).AddAuditEntry("opened chart"), true},
		{"reason required", Condition{Kind: CondReasonRequired}, contextAt(base).WithEmergency(NewEmergency(EmergencyCodeBlue, "dr-a", "code")), true},
		{"attribute equals", AttributeEquals("ward", "icu"), contextAt(base).WithAttribute("ward", "icu"), true},
		{"unknown kind fails closed", Condition{Kind: ConditionKind("telepathy")}, contextAt(base), false},
	}
	for _, c := range cases {
		got, err := c.cond.Evaluate(subject, c.rctx)
		if err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: got %t, want %t", c.name, got, c.want)
		}
	}
}

func TestConditionEvaluateRoleSubject(t *testing.T) {
	cond := Condition{Kind: CondRequireRole, Value: "physician"}
	ok, err := cond.Evaluate(NewRole("physician"), contextAt(businessHours()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("role subject should satisfy require_role")
	}
}

func TestConditionInvalidClock(t *testing.T) {
	cond := TimeOfDay("25:99", "26:00")
	if _, err := cond.Evaluate(NewUser("u"), contextAt(businessHours())); err == nil {
		t.Fatal("expected error for invalid clock")
	} else if KindOf(err) != ErrPolicyEvaluation {
		t.Fatalf("expected policy evaluation kind, got %s", KindOf(err))
	}
}

func TestDefaultPoliciesCatalog(t *testing.T) {
	policies := DefaultPolicies()
	if len(policies) != 7 {
		t.Fatalf("expected 7 default policies, got %d", len(policies))
	}
	byID := map[string]*HealthcarePolicy{}
	for _, p := range policies {
		if !p.Enabled {
			t.Fatalf("policy %s should be enabled", p.ID)
		}
		byID[p.ID] = p
	}
	if byID["emergency-break-glass"].Priority != 100 {
		t.Fatal("break-glass must be highest priority")
	}
	if byID["business-hours-access"].Priority != 50 {
		t.Fatal("business hours must be lowest priority")
	}
	if byID["sensitive-data-audit"].Effect.Kind != EffectAuditOnly {
		t.Fatal("sensitive data policy defers to relationships")
	}
}

func TestPolicyEvaluatePriorityWins(t *testing.T) {
	store := NewMemoryPolicyStore()
	ctx := context.Background()
	now := time.Now()

	low := &HealthcarePolicy{
		ID: "low", Name: "Low", Type: PolicyTimeBased,
		Conditions: []Condition{{Kind: CondWeekend}},
		Effect:     Allow(), Priority: 10, Enabled: true, CreatedAt: now,
	}
	high := &HealthcarePolicy{
		ID: "high", Name: "High", Type: PolicyTimeBased,
		Conditions: []Condition{{Kind: CondWeekend}},
		Effect:     Deny(), Priority: 20, Enabled: true, CreatedAt: now,
	}
	for _, p := range []*HealthcarePolicy{low, high} {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	pe := NewPolicyEngine(store)
	decision, err := pe.Evaluate(ctx, NewUser("u"), ActionRead, NewPatient("p-1"), contextAt(quietWeekend()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect.Kind != EffectDeny {
		t.Fatalf("expected high priority deny to win, got %s", decision.Effect.Kind)
	}
	if len(decision.AppliedPolicies) != 2 {
		t.Fatalf("expected both policies recorded, got %v", decision.AppliedPolicies)
	}
}

func TestPolicyEvaluateTieBreaksOnCreation(t *testing.T) {
	store := NewMemoryPolicyStore()
	ctx := context.Background()
	now := time.Now()

	older := &HealthcarePolicy{
		ID: "older", Name: "Older", Type: PolicyTimeBased,
		Conditions: []Condition{{Kind: CondWeekend}},
		Effect:     Allow(), Priority: 10, Enabled: true,
		CreatedAt: now.Add(-time.Hour),
	}
	newer := &HealthcarePolicy{
		ID: "newer", Name: "Newer", Type: PolicyTimeBased,
		Conditions: []Condition{{Kind: CondWeekend}},
		Effect:     Deny(), Priority: 10, Enabled: true,
		CreatedAt: now,
	}
	for _, p := range []*HealthcarePolicy{newer, older} {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	pe := NewPolicyEngine(store)
	decision, err := pe.Evaluate(ctx, NewUser("u"), ActionRead, NewPatient("p-1"), contextAt(quietWeekend()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect.Kind != EffectAllow {
		t.Fatalf("expected earliest-created policy to win the tie, got %s", decision.Effect.Kind)
	}
}

func TestPolicyEvaluateNoMatchDenies(t *testing.T) {
	store := NewMemoryPolicyStore()
	pe := NewPolicyEngine(store)

	decision, err := pe.Evaluate(context.Background(), NewUser("u"), ActionRead, NewPatient("p-1"), contextAt(quietWeekend()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Effect.Kind != EffectDeny {
		t.Fatalf("expected deny with empty store, got %s", decision.Effect.Kind)
	}
	if decision.Confidence != 0.1 {
		t.Fatalf("expected low confidence, got %.2f", decision.Confidence)
	}
}

func TestPolicyEvaluateDisabledSkipped(t *testing.T) {
	store := NewMemoryPolicyStore()
	ctx := context.Background()
	p := &HealthcarePolicy{
		ID: "off", Name: "Off", Type: PolicyTimeBased,
		Conditions: []Condition{{Kind: CondWeekend}},
		Effect:     Allow(), Priority: 10, Enabled: false, CreatedAt: time.Now(),
	}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	pe := NewPolicyEngine(store)
	decision, err := pe.Evaluate(ctx, NewUser("u"), ActionRead, NewPatient("p-1"), contextAt(quietWeekend()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(decision.AppliedPolicies) != 0 {
		t.Fatalf("disabled policy must not apply, got %v", decision.AppliedPolicies)
	}
}

func TestPolicyUsageStats(t *testing.T) {
	store := NewMemoryPolicyStore()
	store.SeedDefaultPolicies()
	pe := NewPolicyEngine(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := pe.Evaluate(ctx, NewUser("u"), ActionRead, NewPatient("p-1"), contextAt(afterHours())); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	stats := pe.UsageStats()
	if stats["after-hours-restricted"] != 3 {
		t.Fatalf("expected 3 applications, got %d", stats["after-hours-restricted"])
	}
}

func TestConditionString(t *testing.T) {
	cases := []struct {
		cond Condition
		want string
	}{
		{TimeOfDay("08:00", "18:00"), "time_of_day(08:00,18:00)"},
		{DaysOfWeek("Monday", "Friday"), "day_of_week(Monday|Friday)"},
		{Condition{Kind: CondMinimumSecurityLevel, Level: "high"}, "minimum_security_level(high)"},
		{AttributeEquals("ward", "icu"), "attribute_equals(ward,icu)"},
		{Condition{Kind: CondAfterHours}, "after_hours"},
	}
	for _, c := range cases {
		if got := c.cond.String(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}
