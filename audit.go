package medauthz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessDecision is the final outcome of an authorization check.
type AccessDecision string

const (
	DecisionAllow                 AccessDecision = "allow"
	DecisionDeny                  AccessDecision = "deny"
	DecisionRequireApproval       AccessDecision = "require_approval"
	DecisionRequireSecondFactor   AccessDecision = "require_second_factor"
	DecisionAllowWithRestrictions AccessDecision = "allow_with_restrictions"
	DecisionEmergencyAccess       AccessDecision = "emergency_access"
	DecisionBreakGlassAccess      AccessDecision = "break_glass_access"
)

// Allowed reports whether the decision grants access. Approval and second
// factor outcomes do not grant until satisfied out of band.
func (d AccessDecision) Allowed() bool {
	switch d {
	case DecisionAllow, DecisionEmergencyAccess, DecisionBreakGlassAccess, DecisionAllowWithRestrictions:
		return true
	}
	return false
}

// AuditEntry is one immutable record of an authorization decision.
type AuditEntry struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	SubjectKind     SubjectKind       `json:"subject_kind"`
	SubjectID       string            `json:"subject_id"`
	Action          Action            `json:"action"`
	ResourceKind    ResourceKind      `json:"resource_kind"`
	ResourceID      string            `json:"resource_id"`
	Decision        AccessDecision    `json:"decision"`
	Allowed         bool              `json:"allowed"`
	Reasons         []string          `json:"reasons,omitempty"`
	Confidence      float64           `json:"confidence"`
	AppliedPolicies []string          `json:"applied_policies,omitempty"`
	Emergency       bool              `json:"emergency"`
	BreakGlass      bool              `json:"break_glass"`
	SessionID       string            `json:"session_id,omitempty"`
	IPAddress       string            `json:"ip_address,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	TraceID         string            `json:"trace_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewAuditEntry creates an entry with a fresh ID and timestamp.
func NewAuditEntry(subject Subject, action Action, resource Resource, decision AccessDecision) *AuditEntry {
	return &AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		SubjectKind:  subject.Kind,
		SubjectID:    subject.ID,
		Action:       action,
		ResourceKind: resource.Kind,
		ResourceID:   resource.ID,
		Decision:     decision,
		Allowed:      decision.Allowed(),
	}
}

func (e *AuditEntry) AddReason(reason string) *AuditEntry {
	e.Reasons = append(e.Reasons, reason)
	return e
}

func (e *AuditEntry) WithMetadata(key, value string) *AuditEntry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Summary renders a single-line description for operator logs.
func (e *AuditEntry) Summary() string {
	return fmt.Sprintf("%s %s on %s:%s -> %s",
		e.SubjectID, e.Action, e.ResourceKind, e.ResourceID, e.Decision)
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	SubjectID    string
	ResourceKind ResourceKind
	ResourceID   string
	Decision     AccessDecision
	AllowedOnly  bool
	DeniedOnly   bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

func (f AuditFilter) matches(e *AuditEntry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.ResourceKind != "" && e.ResourceKind != f.ResourceKind {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if f.AllowedOnly && !e.Allowed {
		return false
	}
	if f.DeniedOnly && e.Allowed {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// AuditConfig controls which decisions are recorded and for how long.
type AuditConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	LogAllDecisions      bool `json:"log_all_decisions" yaml:"log_all_decisions"`
	LogEmergencyAccess   bool `json:"log_emergency_access" yaml:"log_emergency_access"`
	LogBreakGlass        bool `json:"log_break_glass" yaml:"log_break_glass"`
	LogPolicyEvaluations bool `json:"log_policy_evaluations" yaml:"log_policy_evaluations"`
	LogRelationChanges   bool `json:"log_relation_changes" yaml:"log_relation_changes"`
	RetentionDays        int  `json:"retention_days" yaml:"retention_days"`
	AlertOnSuspicious    bool `json:"alert_on_suspicious" yaml:"alert_on_suspicious"`
	// FailClosed makes audit persistence failures fail the request instead
	// of logging and continuing.
	FailClosed bool `json:"fail_closed" yaml:"fail_closed"`
}

// DefaultAuditConfig returns the regulatory defaults. Retention is seven
// years per healthcare record keeping rules.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:            true,
		LogAllDecisions:    true,
		LogEmergencyAccess: true,
		LogBreakGlass:      true,
		LogRelationChanges: true,
		RetentionDays:      2555,
		AlertOnSuspicious:  true,
	}
}

// AuditManager records decisions to an AuditStore. Writes are asynchronous
// through a buffered channel unless FailClosed is set; a full buffer drops
// the entry and logs an error rather than blocking the request path.
type AuditManager struct {
	config AuditConfig
	store  AuditStore
	logger Logger

	ch     chan *AuditEntry
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

func NewAuditManager(config AuditConfig, store AuditStore) *AuditManager {
	m := &AuditManager{
		config: config,
		store:  store,
		logger: defaultLogger(),
		ch:     make(chan *AuditEntry, 1024),
		closed: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// SetLogger replaces the manager logger. Nil restores the default.
func (m *AuditManager) SetLogger(l Logger) {
	if l == nil {
		m.logger = defaultLogger()
		return
	}
	m.logger = l
}

func (m *AuditManager) Config() AuditConfig { return m.config }

func (m *AuditManager) run() {
	defer m.wg.Done()
	bg := context.Background()
	for entry := range m.ch {
		if err := m.store.Append(bg, entry); err != nil {
			m.logger.Error("audit append failed", "entry_id", entry.ID, "error", err.Error())
		}
	}
}

// Close drains pending entries and stops the worker.
func (m *AuditManager) Close() {
	m.once.Do(func() {
		close(m.ch)
		m.wg.Wait()
		close(m.closed)
	})
}

// ShouldRecord applies the config verbosity flags to a decision.
func (m *AuditManager) ShouldRecord(entry *AuditEntry) bool {
	if !m.config.Enabled {
		return false
	}
	if m.config.LogAllDecisions {
		return true
	}
	if entry.BreakGlass {
		return m.config.LogBreakGlass
	}
	if entry.Emergency {
		return m.config.LogEmergencyAccess
	}
	return !entry.Allowed
}

// Record persists a decision according to the config. In fail-closed mode
// the append is synchronous and its error is returned.
func (m *AuditManager) Record(ctx context.Context, entry *AuditEntry) error {
	if !m.ShouldRecord(entry) {
		return nil
	}
	if m.config.FailClosed {
		if err := m.store.Append(ctx, entry); err != nil {
			return NewStorageError("audit append", err)
		}
		return nil
	}
	select {
	case m.ch <- entry:
	default:
		m.logger.Error("audit buffer full, dropping entry", "entry_id", entry.ID)
	}
	return nil
}

// Query passes a filter through to the store.
func (m *AuditManager) Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return m.store.Query(ctx, filter)
}

// PurgeExpired removes entries older than the retention window.
func (m *AuditManager) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -m.config.RetentionDays)
	return m.store.PurgeOlderThan(ctx, cutoff)
}

// ComplianceReport aggregates decision statistics over a period.
type ComplianceReport struct {
	ID                  string                 `json:"id"`
	PeriodStart         time.Time              `json:"period_start"`
	PeriodEnd           time.Time              `json:"period_end"`
	TotalAccessAttempts int64                  `json:"total_access_attempts"`
	AllowedAccesses     int64                  `json:"allowed_accesses"`
	DeniedAccesses      int64                  `json:"denied_accesses"`
	EmergencyAccesses   int64                  `json:"emergency_accesses"`
	BreakGlassAccesses  int64                  `json:"break_glass_accesses"`
	ByAction            map[Action]int64       `json:"by_action"`
	ByResourceKind      map[ResourceKind]int64 `json:"by_resource_kind"`
	UniqueSubjects      int                    `json:"unique_subjects"`
	Findings            []string               `json:"findings,omitempty"`
	GeneratedAt         time.Time              `json:"generated_at"`
}

// GenerateComplianceReport builds a report from the stored entries in the
// given period.
func (m *AuditManager) GenerateComplianceReport(ctx context.Context, start, end time.Time) (*ComplianceReport, error) {
	entries, err := m.store.Query(ctx, AuditFilter{Since: start, Until: end})
	if err != nil {
		return nil, NewStorageError("query audit entries", err)
	}
	report := &ComplianceReport{
		ID:             uuid.NewString(),
		PeriodStart:    start,
		PeriodEnd:      end,
		ByAction:       make(map[Action]int64),
		ByResourceKind: make(map[ResourceKind]int64),
		GeneratedAt:    time.Now(),
	}
	subjects := make(map[string]struct{})
	for _, e := range entries {
		report.TotalAccessAttempts++
		if e.Allowed {
			report.AllowedAccesses++
		} else {
			report.DeniedAccesses++
		}
		if e.Decision == DecisionEmergencyAccess {
			report.EmergencyAccesses++
		}
		if e.Decision == DecisionBreakGlassAccess {
			report.BreakGlassAccesses++
		}
		report.ByAction[e.Action]++
		report.ByResourceKind[e.ResourceKind]++
		subjects[e.SubjectID] = struct{}{}
	}
	report.UniqueSubjects = len(subjects)
	for _, s := range m.AnalyzeSuspiciousPatterns(entries) {
		report.Findings = append(report.Findings, s.Description)
	}
	return report, nil
}

// HipaaComplianceReport summarizes access statistics the way compliance
// officers expect them.
type HipaaComplianceReport struct {
	ReportPeriod         string   `json:"report_period"`
	TotalAccessEvents    int64    `json:"total_access_events"`
	UniqueUsersAccessed  int      `json:"unique_users_accessed"`
	FailedAccessAttempts int64    `json:"failed_access_attempts"`
	DataModifications    int64    `json:"data_modifications"`
	ComplianceScore      float64  `json:"compliance_score"`
	Recommendations      []string `json:"recommendations"`
}

// GenerateHipaaReport builds the HIPAA-shaped report for a period.
func (m *AuditManager) GenerateHipaaReport(ctx context.Context, start, end time.Time) (*HipaaComplianceReport, error) {
	entries, err := m.store.Query(ctx, AuditFilter{Since: start, Until: end})
	if err != nil {
		return nil, NewStorageError("query audit entries", err)
	}
	report := &HipaaComplianceReport{
		ReportPeriod: fmt.Sprintf("%s to %s", start.Format("2006-01-02"), end.Format("2006-01-02")),
	}
	users := make(map[string]struct{})
	for _, e := range entries {
		report.TotalAccessEvents++
		users[e.SubjectID] = struct{}{}
		if !e.Allowed {
			report.FailedAccessAttempts++
		}
		if e.Allowed && e.Action.IsMutation() {
			report.DataModifications++
		}
	}
	report.UniqueUsersAccessed = len(users)
	if report.TotalAccessEvents > 0 {
		report.ComplianceScore = 1 - float64(report.FailedAccessAttempts)/float64(report.TotalAccessEvents)
	} else {
		report.ComplianceScore = 1
	}
	if report.FailedAccessAttempts > 0 {
		report.Recommendations = append(report.Recommendations,
			"Review denied access attempts for repeated offenders")
	}
	return report, nil
}

// ActivitySummary is one entry in a user activity report.
type ActivitySummary struct {
	Action    Action         `json:"action"`
	Resource  ResourceKind   `json:"resource"`
	Decision  AccessDecision `json:"decision"`
	Timestamp time.Time      `json:"timestamp"`
}

// UserActivityReport lists one user's recorded activity over a period.
type UserActivityReport struct {
	UserID            string            `json:"user_id"`
	ReportPeriod      string            `json:"report_period"`
	TotalActivities   int64             `json:"total_activities"`
	ActivityBreakdown []ActivitySummary `json:"activity_breakdown"`
	LastActivity      time.Time         `json:"last_activity"`
}

// GenerateUserActivityReport builds the per-user report for a period.
func (m *AuditManager) GenerateUserActivityReport(ctx context.Context, userID string, start, end time.Time) (*UserActivityReport, error) {
	entries, err := m.store.Query(ctx, AuditFilter{SubjectID: userID, Since: start, Until: end})
	if err != nil {
		return nil, NewStorageError("query audit entries", err)
	}
	report := &UserActivityReport{
		UserID:       userID,
		ReportPeriod: fmt.Sprintf("%s to %s", start.Format("2006-01-02"), end.Format("2006-01-02")),
	}
	for _, e := range entries {
		report.TotalActivities++
		report.ActivityBreakdown = append(report.ActivityBreakdown, ActivitySummary{
			Action:    e.Action,
			Resource:  e.ResourceKind,
			Decision:  e.Decision,
			Timestamp: e.Timestamp,
		})
		if e.Timestamp.After(report.LastActivity) {
			report.LastActivity = e.Timestamp
		}
	}
	sort.Slice(report.ActivityBreakdown, func(i, j int) bool {
		return report.ActivityBreakdown[i].Timestamp.Before(report.ActivityBreakdown[j].Timestamp)
	})
	return report, nil
}

// SuspiciousActivity flags a pattern worth review.
type SuspiciousActivity struct {
	SubjectID   string `json:"subject_id"`
	Pattern     string `json:"pattern"`
	Count       int    `json:"count"`
	Description string `json:"description"`
}

const (
	suspiciousDenialThreshold     = 5
	suspiciousAfterHoursThreshold = 20
)

// AnalyzeSuspiciousPatterns scans entries for repeated denials, after-hours
// bulk reads and break-glass use outside declared emergencies.
func (m *AuditManager) AnalyzeSuspiciousPatterns(entries []*AuditEntry) []SuspiciousActivity {
	denials := make(map[string]int)
	afterHoursReads := make(map[string]int)
	rogueBreakGlass := make(map[string]int)
	for _, e := range entries {
		if !e.Allowed {
			denials[e.SubjectID]++
		}
		hour := e.Timestamp.Hour()
		if e.Allowed && e.Action == ActionRead && (hour < 8 || hour > 18) {
			afterHoursReads[e.SubjectID]++
		}
		if e.BreakGlass && !e.Emergency {
			rogueBreakGlass[e.SubjectID]++
		}
	}
	var findings []SuspiciousActivity
	for id, n := range denials {
		if n >= suspiciousDenialThreshold {
			findings = append(findings, SuspiciousActivity{
				SubjectID:   id,
				Pattern:     "repeated_denials",
				Count:       n,
				Description: fmt.Sprintf("subject %s denied %d times", id, n),
			})
		}
	}
	for id, n := range afterHoursReads {
		if n >= suspiciousAfterHoursThreshold {
			findings = append(findings, SuspiciousActivity{
				SubjectID:   id,
				Pattern:     "after_hours_bulk_access",
				Count:       n,
				Description: fmt.Sprintf("subject %s performed %d after-hours reads", id, n),
			})
		}
	}
	for id, n := range rogueBreakGlass {
		findings = append(findings, SuspiciousActivity{
			SubjectID:   id,
			Pattern:     "break_glass_without_emergency",
			Count:       n,
			Description: fmt.Sprintf("subject %s used break-glass %d times without a declared emergency", id, n),
		})
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].SubjectID != findings[j].SubjectID {
			return findings[i].SubjectID < findings[j].SubjectID
		}
		return findings[i].Pattern < findings[j].Pattern
	})
	return findings
}
