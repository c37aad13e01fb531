package medauthz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PolicyType groups policies by the concern they implement.
type PolicyType string

const (
	PolicyDefault              PolicyType = "default"
	PolicyRegulatoryCompliance PolicyType = "regulatory_compliance"
	PolicyClinicalProtocol     PolicyType = "clinical_protocol"
	PolicyEmergencyAccess      PolicyType = "emergency_access"
	PolicyBusinessHours        PolicyType = "business_hours"
	PolicyLocationBased        PolicyType = "location_based"
	PolicyRoleBased            PolicyType = "role_based"
	PolicyPatientConsent       PolicyType = "patient_consent"
	PolicyDataProtection       PolicyType = "data_protection"
	PolicyAuditRequired        PolicyType = "audit_required"
	PolicyBreakGlass           PolicyType = "break_glass"
	PolicyTimeBased            PolicyType = "time_based"
)

// ConditionKind discriminates the closed set of policy conditions.
type ConditionKind string

const (
	CondTimeOfDay            ConditionKind = "time_of_day"
	CondDayOfWeek            ConditionKind = "day_of_week"
	CondAfterHours           ConditionKind = "after_hours"
	CondWeekend              ConditionKind = "weekend"
	CondRequireLocation      ConditionKind = "require_location"
	CondRemoteAccess         ConditionKind = "remote_access"
	CondSecureConnection     ConditionKind = "secure_connection"
	CondMinimumSecurityLevel ConditionKind = "minimum_security_level"
	CondEmergencyDeclared    ConditionKind = "emergency_declared"
	CondBreakGlassActivated  ConditionKind = "break_glass_activated"
	CondUrgencyAtLeast       ConditionKind = "urgency_at_least"
	CondPatientConsent       ConditionKind = "patient_consent"
	CondPatientRelated       ConditionKind = "patient_related"
	CondRequireRole          ConditionKind = "require_role"
	CondDataClassification   ConditionKind = "data_classification"
	CondMFAVerified          ConditionKind = "mfa_verified"
	CondAuditTrailRequired   ConditionKind = "audit_trail_required"
	CondReasonRequired       ConditionKind = "reason_required"
	CondAttributeEquals      ConditionKind = "attribute_equals"
	CondCustom               ConditionKind = "custom"
)

// Condition is one clause of a policy. All conditions of a policy must hold
// for the policy to apply.
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`
	// Start/End bound time_of_day conditions, "HH:MM" 24h clock.
	Start string `json:"start,omitempty" yaml:"start,omitempty"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
	// Values holds day names, hospital IDs or classification labels
	// depending on Kind.
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	// Level names a security or urgency threshold.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Key/Value parameterize attribute_equals and custom conditions.
	Key   string `json:"key,omitempty" yaml:"key,omitempty"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

func TimeOfDay(start, end string) Condition {
	return Condition{Kind: CondTimeOfDay, Start: start, End: end}
}

func DaysOfWeek(days ...string) Condition {
	return Condition{Kind: CondDayOfWeek, Values: days}
}

func AttributeEquals(key, value string) Condition {
	return Condition{Kind: CondAttributeEquals, Key: key, Value: value}
}

// Evaluate checks the condition against a subject and request context.
// Conditions the engine cannot decide evaluate to false: absent context
// denies, it never grants.
func (c Condition) Evaluate(subject Subject, rctx *RequestContext) (bool, error) {
	switch c.Kind {
	case CondTimeOfDay:
		start, err := parseClock(c.Start)
		if err != nil {
			return false, NewPolicyEvaluationError("invalid start time "+c.Start, err)
		}
		end, err := parseClock(c.End)
		if err != nil {
			return false, NewPolicyEvaluationError("invalid end time "+c.End, err)
		}
		now := rctx.Timestamp.Hour()*60 + rctx.Timestamp.Minute()
		return now >= start && now <= end, nil
	case CondDayOfWeek:
		day := rctx.Timestamp.Weekday().String()
		for _, d := range c.Values {
			if strings.EqualFold(d, day) {
				return true, nil
			}
		}
		return false, nil
	case CondAfterHours:
		return rctx.IsAfterHours(), nil
	case CondWeekend:
		return rctx.IsWeekend(), nil
	case CondRequireLocation:
		if rctx.Location == nil {
			return false, nil
		}
		for _, id := range c.Values {
			if id == rctx.Location.HospitalID {
				return true, nil
			}
		}
		return false, nil
	case CondRemoteAccess:
		return rctx.IsRemoteAccess(), nil
	case CondSecureConnection:
		return rctx.SecurityLevel() >= SecurityHigh, nil
	case CondMinimumSecurityLevel:
		return rctx.SecurityLevel() >= ParseSecurityLevel(c.Level), nil
	case CondEmergencyDeclared:
		return rctx.IsEmergency(), nil
	case CondBreakGlassActivated:
		return rctx.IsBreakGlass(), nil
	case CondUrgencyAtLeast:
		return rctx.Urgency() >= ParseUrgency(c.Level), nil
	case CondPatientConsent:
		// Consent is implied during a declared emergency, otherwise it
		// must be asserted explicitly by the caller.
		if rctx.IsEmergency() {
			return true, nil
		}
		return rctx.Attributes["patient_consent"] == "true", nil
	case CondPatientRelated:
		return rctx.Clinical != nil && rctx.Clinical.PatientID != "", nil
	case CondRequireRole:
		if subject.Kind == SubjectRole && subject.ID == c.Value {
			return true, nil
		}
		return rctx.Attributes["role"] == c.Value, nil
	case CondDataClassification:
		return rctx.Attributes["data_classification"] == c.Value, nil
	case CondMFAVerified:
		return rctx.Session.MFAVerified, nil
	case CondAuditTrailRequired:
		return len(rctx.AuditTrail) > 0, nil
	case CondReasonRequired:
		return rctx.Emergency != nil && rctx.Emergency.Justification != "", nil
	case CondAttributeEquals:
		return rctx.Attributes[c.Key] == c.Value, nil
	}
	// Unknown conditions never grant.
	return false, nil
}

// String renders the canonical text form used by the SQL policy store.
func (c Condition) String() string {
	switch {
	case c.Start != "" || c.End != "":
		return fmt.Sprintf("%s(%s,%s)", c.Kind, c.Start, c.End)
	case len(c.Values) > 0:
		return fmt.Sprintf("%s(%s)", c.Kind, strings.Join(c.Values, "|"))
	case c.Level != "":
		return fmt.Sprintf("%s(%s)", c.Kind, c.Level)
	case c.Key != "":
		return fmt.Sprintf("%s(%s,%s)", c.Kind, c.Key, c.Value)
	case c.Value != "":
		return fmt.Sprintf("%s(%s)", c.Kind, c.Value)
	default:
		return string(c.Kind)
	}
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// EffectKind discriminates policy effects.
type EffectKind string

const (
	EffectDeny                EffectKind = "deny"
	EffectAllow               EffectKind = "allow"
	EffectRequireApproval     EffectKind = "require_approval"
	EffectRequireSecondFactor EffectKind = "require_second_factor"
	EffectAuditOnly           EffectKind = "audit_only"
	EffectConditional         EffectKind = "conditional"
	EffectTimeLimit           EffectKind = "time_limit"
	EffectRestrict            EffectKind = "restrict"
)

// PolicyEffect is what happens when a policy's conditions all hold.
type PolicyEffect struct {
	Kind EffectKind `json:"kind" yaml:"kind"`
	// Conditions gate conditional effects.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// Restrictions lists the limits applied by restrict effects.
	Restrictions []string `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	// TimeLimitSeconds bounds access duration for time_limit effects.
	TimeLimitSeconds int64 `json:"time_limit_seconds,omitempty" yaml:"time_limit_seconds,omitempty"`
}

func Allow() PolicyEffect { return PolicyEffect{Kind: EffectAllow} }
func Deny() PolicyEffect  { return PolicyEffect{Kind: EffectDeny} }

func Conditional(conditions ...Condition) PolicyEffect {
	return PolicyEffect{Kind: EffectConditional, Conditions: conditions}
}

func Restrict(restrictions ...string) PolicyEffect {
	return PolicyEffect{Kind: EffectRestrict, Restrictions: restrictions}
}

func TimeLimit(d time.Duration) PolicyEffect {
	return PolicyEffect{Kind: EffectTimeLimit, TimeLimitSeconds: int64(d / time.Second)}
}

// HealthcarePolicy is one organizational access rule.
type HealthcarePolicy struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Type        PolicyType        `json:"type" yaml:"type"`
	Conditions  []Condition       `json:"conditions" yaml:"conditions"`
	Effect      PolicyEffect      `json:"effect" yaml:"effect"`
	Priority    int               `json:"priority" yaml:"priority"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// PolicyDecision is the combined outcome of evaluating all enabled policies
// against one request.
type PolicyDecision struct {
	Effect          PolicyEffect  `json:"effect"`
	AppliedPolicies []string      `json:"applied_policies"`
	Reasons         []string      `json:"reasons"`
	Requirements    []string      `json:"requirements"`
	Restrictions    []string      `json:"restrictions"`
	Confidence      float64       `json:"confidence"`
	TimeLimit       time.Duration `json:"time_limit,omitempty"`
	EvaluatedAt     time.Time     `json:"evaluated_at"`
}

// PolicyEngine evaluates healthcare policies from a PolicyStore. Usage
// counters track how often each policy applied, for reporting.
type PolicyEngine struct {
	store  PolicyStore
	logger Logger

	usageMu sync.Mutex
	usage   map[string]int64
}

func NewPolicyEngine(store PolicyStore) *PolicyEngine {
	return &PolicyEngine{
		store:  store,
		logger: defaultLogger(),
		usage:  make(map[string]int64),
	}
}

// SetLogger replaces the engine logger. Nil restores the default.
func (pe *PolicyEngine) SetLogger(l Logger) {
	if l == nil {
		pe.logger = defaultLogger()
		return
	}
	pe.logger = l
}

// Evaluate runs every enabled policy against the request. A policy applies
// when all of its conditions hold; applying policies are combined by
// priority with the highest winning. Equal priorities resolve to the
// earliest-created policy. No applying policy means deny.
func (pe *PolicyEngine) Evaluate(ctx context.Context, subject Subject, action Action, resource Resource, rctx *RequestContext) (*PolicyDecision, error) {
	policies, err := pe.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, NewPolicyEvaluationError("list policies", err)
	}

	decision := &PolicyDecision{
		AppliedPolicies: make([]string, 0, 4),
		Reasons:         make([]string, 0, 4),
		Requirements:    make([]string, 0),
		Restrictions:    make([]string, 0),
		EvaluatedAt:     rctx.Timestamp,
	}

	type applied struct {
		policy *HealthcarePolicy
	}
	var winners []applied

	for _, p := range policies {
		ok, err := pe.policyApplies(p, subject, rctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		winners = append(winners, applied{policy: p})
		decision.AppliedPolicies = append(decision.AppliedPolicies, p.ID)
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("Policy '%s' applied", p.Name))
		pe.recordUsage(p.ID)

		switch p.Effect.Kind {
		case EffectRequireApproval:
			decision.Requirements = append(decision.Requirements, "Secondary approval required")
		case EffectRequireSecondFactor:
			decision.Requirements = append(decision.Requirements, "Multi-factor authentication required")
		case EffectTimeLimit:
			decision.TimeLimit = time.Duration(p.Effect.TimeLimitSeconds) * time.Second
		case EffectRestrict:
			decision.Restrictions = append(decision.Restrictions, p.Effect.Restrictions...)
		case EffectConditional:
			for _, cond := range p.Effect.Conditions {
				met, err := cond.Evaluate(subject, rctx)
				if err != nil {
					return nil, err
				}
				if !met {
					decision.Requirements = append(decision.Requirements, "Condition not met: "+cond.String())
				}
			}
		}
	}

	if len(winners) == 0 {
		decision.Effect = Deny()
		decision.Confidence = 0.1
		return decision, nil
	}

	sort.SliceStable(winners, func(i, j int) bool {
		a, b := winners[i].policy, winners[j].policy
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	decision.Effect = winners[0].policy.Effect
	decision.Confidence = 0.9

	pe.logger.Debug("policy evaluation",
		"subject", subject.String(),
		"action", string(action),
		"resource", resource.String(),
		"effect", string(decision.Effect.Kind),
		"applied", len(winners))
	return decision, nil
}

func (pe *PolicyEngine) policyApplies(p *HealthcarePolicy, subject Subject, rctx *RequestContext) (bool, error) {
	if !p.Enabled {
		return false, nil
	}
	for _, cond := range p.Conditions {
		ok, err := cond.Evaluate(subject, rctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (pe *PolicyEngine) recordUsage(policyID string) {
	pe.usageMu.Lock()
	pe.usage[policyID]++
	pe.usageMu.Unlock()
}

// UsageStats returns a snapshot of how many times each policy applied since
// the engine started.
func (pe *PolicyEngine) UsageStats() map[string]int64 {
	pe.usageMu.Lock()
	defer pe.usageMu.Unlock()
	out := make(map[string]int64, len(pe.usage))
	for k, v := range pe.usage {
		out[k] = v
	}
	return out
}

// DefaultPolicies returns the built-in healthcare policy catalog. Callers
// seed these into a PolicyStore; they are plain data, not hard-wired rules.
func DefaultPolicies() []*HealthcarePolicy {
	now := time.Now()
	mk := func(id, name, desc string, typ PolicyType, conds []Condition, effect PolicyEffect, priority int) *HealthcarePolicy {
		return &HealthcarePolicy{
			ID:          id,
			Name:        name,
			Description: desc,
			Type:        typ,
			Conditions:  conds,
			Effect:      effect,
			Priority:    priority,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return []*HealthcarePolicy{
		mk("emergency-break-glass", "Emergency Break-Glass Access",
			"Allow emergency access with proper justification and audit",
			PolicyEmergencyAccess,
			[]Condition{
				{Kind: CondEmergencyDeclared},
				{Kind: CondReasonRequired},
				{Kind: CondAuditTrailRequired},
			},
			Allow(), 100),
		mk("critical-patient-access", "Critical Patient Enhanced Access",
			"Enhanced access for critical patients with audit",
			PolicyClinicalProtocol,
			[]Condition{
				{Kind: CondUrgencyAtLeast, Level: "critical"},
				{Kind: CondRequireRole, Value: "physician"},
			},
			PolicyEffect{Kind: EffectAuditOnly}, 90),
		mk("remote-access-security", "Remote Access Security Requirements",
			"Require secure connection and MFA for remote access",
			PolicyLocationBased,
			[]Condition{{Kind: CondRemoteAccess}},
			PolicyEffect{Kind: EffectRequireSecondFactor}, 85),
		mk("after-hours-restricted", "After Hours Restricted Access",
			"Require additional approval for after-hours access",
			PolicyTimeBased,
			[]Condition{{Kind: CondAfterHours}},
			PolicyEffect{Kind: EffectRequireApproval}, 80),
		mk("sensitive-data-audit", "Sensitive Data Access Audit",
			"Require audit for all sensitive healthcare data access",
			PolicyAuditRequired,
			[]Condition{{Kind: CondDataClassification, Value: "sensitive"}},
			PolicyEffect{Kind: EffectAuditOnly}, 70),
		mk("patient-consent-required", "Patient Consent Required",
			"Require patient consent for non-emergency access",
			PolicyPatientConsent,
			[]Condition{{Kind: CondPatientRelated}},
			Conditional(Condition{Kind: CondPatientConsent}), 60),
		mk("business-hours-access", "Standard Business Hours Access",
			"Allow standard access during business hours",
			PolicyBusinessHours,
			[]Condition{
				TimeOfDay("08:00", "18:00"),
				DaysOfWeek("Monday", "Tuesday", "Wednesday", "Thursday", "Friday"),
			},
			Allow(), 50),
	}
}
