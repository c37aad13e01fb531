package medauthz

import "time"

// UrgencyLevel ranks the clinical urgency of a request. Ordering matters:
// higher values demand stronger justification and looser time windows.
type UrgencyLevel int

const (
	UrgencyRoutine UrgencyLevel = iota
	UrgencyUrgent
	UrgencyEmergency
	UrgencyCritical
)

func (u UrgencyLevel) String() string {
	switch u {
	case UrgencyUrgent:
		return "urgent"
	case UrgencyEmergency:
		return "emergency"
	case UrgencyCritical:
		return "critical"
	default:
		return "routine"
	}
}

// ParseUrgency maps the snake_case form back to an UrgencyLevel. Unknown
// values are routine.
func ParseUrgency(v string) UrgencyLevel {
	switch v {
	case "urgent":
		return UrgencyUrgent
	case "emergency":
		return UrgencyEmergency
	case "critical":
		return UrgencyCritical
	}
	return UrgencyRoutine
}

// EmergencyType labels the kind of declared emergency.
type EmergencyType string

const (
	EmergencyMedical         EmergencyType = "medical_emergency"
	EmergencyCodeBlue        EmergencyType = "code_blue"
	EmergencyCodeRed         EmergencyType = "code_red"
	EmergencySystemFailure   EmergencyType = "system_failure"
	EmergencySecurityBreach  EmergencyType = "security_breach"
	EmergencyNaturalDisaster EmergencyType = "natural_disaster"
	EmergencyBreakGlass      EmergencyType = "break_glass"
	EmergencyAfterHours      EmergencyType = "after_hours_emergency"
	EmergencyMassCasualty    EmergencyType = "mass_casualty"
)

// SecurityLevel ranks the network path a request arrived over.
type SecurityLevel int

const (
	SecurityLow SecurityLevel = iota
	SecurityMedium
	SecurityHigh
	SecurityMaximum
)

func (s SecurityLevel) String() string {
	switch s {
	case SecurityMedium:
		return "medium"
	case SecurityHigh:
		return "high"
	case SecurityMaximum:
		return "maximum"
	default:
		return "low"
	}
}

// ParseSecurityLevel maps the string form back to a SecurityLevel. Unknown
// values are low.
func ParseSecurityLevel(v string) SecurityLevel {
	switch v {
	case "medium":
		return SecurityMedium
	case "high":
		return SecurityHigh
	case "maximum":
		return SecurityMaximum
	}
	return SecurityLow
}

// SessionContext describes the authenticated session behind a request.
type SessionContext struct {
	UserID       string  `json:"user_id" yaml:"user_id"`
	SessionID    string  `json:"session_id" yaml:"session_id"`
	IPAddress    string  `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	DepartmentID string  `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	LocationID   string  `json:"location_id,omitempty" yaml:"location_id,omitempty"`
	MFAVerified  bool    `json:"mfa_verified" yaml:"mfa_verified"`
	RiskScore    float64 `json:"risk_score,omitempty" yaml:"risk_score,omitempty"`
}

// ConnectionInfo captures how the client is connected.
type ConnectionInfo struct {
	IsVPN         bool          `json:"is_vpn" yaml:"is_vpn"`
	VPNProvider   string        `json:"vpn_provider,omitempty" yaml:"vpn_provider,omitempty"`
	TLSInfo       string        `json:"tls_info,omitempty" yaml:"tls_info,omitempty"`
	SecurityLevel SecurityLevel `json:"security_level" yaml:"security_level"`
}

// LocationContext is the physical or network location of the requester.
type LocationContext struct {
	HospitalID     string          `json:"hospital_id" yaml:"hospital_id"`
	DepartmentID   string          `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	Building       string          `json:"building,omitempty" yaml:"building,omitempty"`
	Floor          string          `json:"floor,omitempty" yaml:"floor,omitempty"`
	Room           string          `json:"room,omitempty" yaml:"room,omitempty"`
	Timezone       string          `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	IsRemote       bool            `json:"is_remote" yaml:"is_remote"`
	ConnectionInfo *ConnectionInfo `json:"connection_info,omitempty" yaml:"connection_info,omitempty"`
}

// NewLocation creates an on-premises location context for a facility.
func NewLocation(hospitalID string) *LocationContext {
	return &LocationContext{HospitalID: hospitalID}
}

func (l *LocationContext) AsRemote() *LocationContext {
	l.IsRemote = true
	return l
}

func (l *LocationContext) WithConnectionInfo(info ConnectionInfo) *LocationContext {
	l.ConnectionInfo = &info
	return l
}

// ClinicalContext carries the clinical situation surrounding a request.
type ClinicalContext struct {
	PatientID       string       `json:"patient_id,omitempty" yaml:"patient_id,omitempty"`
	EncounterID     string       `json:"encounter_id,omitempty" yaml:"encounter_id,omitempty"`
	CarePlanID      string       `json:"care_plan_id,omitempty" yaml:"care_plan_id,omitempty"`
	ClinicalStatus  string       `json:"clinical_status,omitempty" yaml:"clinical_status,omitempty"`
	Urgency         UrgencyLevel `json:"urgency" yaml:"urgency"`
	CareTeamMembers []string     `json:"care_team_members,omitempty" yaml:"care_team_members,omitempty"`
	ActiveProtocols []string     `json:"active_protocols,omitempty" yaml:"active_protocols,omitempty"`
	Specialty       string       `json:"specialty,omitempty" yaml:"specialty,omitempty"`
}

func NewClinical() *ClinicalContext { return &ClinicalContext{} }

func (c *ClinicalContext) WithPatient(patientID string) *ClinicalContext {
	c.PatientID = patientID
	return c
}

func (c *ClinicalContext) WithUrgency(u UrgencyLevel) *ClinicalContext {
	c.Urgency = u
	return c
}

func (c *ClinicalContext) AddCareTeamMember(memberID string) *ClinicalContext {
	c.CareTeamMembers = append(c.CareTeamMembers, memberID)
	return c
}

// EmergencyContext records a declared emergency for break-glass style access.
type EmergencyContext struct {
	IsEmergency      bool          `json:"is_emergency" yaml:"is_emergency"`
	Type             EmergencyType `json:"type,omitempty" yaml:"type,omitempty"`
	DeclaredBy       string        `json:"declared_by,omitempty" yaml:"declared_by,omitempty"`
	DeclaredAt       *time.Time    `json:"declared_at,omitempty" yaml:"declared_at,omitempty"`
	Justification    string        `json:"justification,omitempty" yaml:"justification,omitempty"`
	ApprovalRequired bool          `json:"approval_required" yaml:"approval_required"`
	ApprovedBy       string        `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// NewEmergency declares an emergency with the mandatory justification.
func NewEmergency(emergencyType EmergencyType, declaredBy, justification string) *EmergencyContext {
	now := time.Now()
	return &EmergencyContext{
		IsEmergency:   true,
		Type:          emergencyType,
		DeclaredBy:    declaredBy,
		DeclaredAt:    &now,
		Justification: justification,
	}
}

func (e *EmergencyContext) RequireApproval() *EmergencyContext {
	e.ApprovalRequired = true
	return e
}

func (e *EmergencyContext) WithApproval(approvedBy string) *EmergencyContext {
	now := time.Now()
	e.ApprovedBy = approvedBy
	e.ApprovedAt = &now
	return e
}

func (e *EmergencyContext) WithExpiration(expiresAt time.Time) *EmergencyContext {
	e.ExpiresAt = &expiresAt
	return e
}

// IsBreakGlass reports whether the declared emergency is break-glass access.
func (e *EmergencyContext) IsBreakGlass() bool {
	return e != nil && e.IsEmergency && e.Type == EmergencyBreakGlass
}

// RequestContext aggregates everything the policy engine may condition on.
type RequestContext struct {
	Session    SessionContext    `json:"session" yaml:"session"`
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp"`
	Location   *LocationContext  `json:"location,omitempty" yaml:"location,omitempty"`
	Clinical   *ClinicalContext  `json:"clinical,omitempty" yaml:"clinical,omitempty"`
	Emergency  *EmergencyContext `json:"emergency,omitempty" yaml:"emergency,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Method     string            `json:"method,omitempty" yaml:"method,omitempty"`
	AuditTrail []string          `json:"audit_trail,omitempty" yaml:"audit_trail,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// NewContext creates a request context stamped with the current time.
func NewContext() *RequestContext {
	return &RequestContext{Timestamp: time.Now()}
}

func (c *RequestContext) WithSession(session SessionContext) *RequestContext {
	c.Session = session
	return c
}

func (c *RequestContext) WithLocation(location *LocationContext) *RequestContext {
	c.Location = location
	return c
}

func (c *RequestContext) WithClinical(clinical *ClinicalContext) *RequestContext {
	c.Clinical = clinical
	return c
}

func (c *RequestContext) WithEmergency(emergency *EmergencyContext) *RequestContext {
	c.Emergency = emergency
	return c
}

func (c *RequestContext) AddAuditEntry(entry string) *RequestContext {
	c.AuditTrail = append(c.AuditTrail, entry)
	return c
}

func (c *RequestContext) WithAttribute(key, value string) *RequestContext {
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	c.Attributes[key] = value
	return c
}

// IsEmergency reports whether a live emergency is attached to the request.
func (c *RequestContext) IsEmergency() bool {
	return c.Emergency != nil && c.Emergency.IsEmergency
}

// IsBreakGlass reports whether the request invokes break-glass access.
func (c *RequestContext) IsBreakGlass() bool {
	return c.Emergency.IsBreakGlass()
}

// Urgency returns the clinical urgency, routine when no clinical context.
func (c *RequestContext) Urgency() UrgencyLevel {
	if c.Clinical == nil {
		return UrgencyRoutine
	}
	return c.Clinical.Urgency
}

// IsRemoteAccess reports whether the request originated off premises.
func (c *RequestContext) IsRemoteAccess() bool {
	return c.Location != nil && c.Location.IsRemote
}

// IsAfterHours reports whether the request falls outside 08:00-18:00.
func (c *RequestContext) IsAfterHours() bool {
	hour := c.Timestamp.Hour()
	return hour < 8 || hour > 18
}

// IsWeekend reports whether the request falls on Saturday or Sunday.
func (c *RequestContext) IsWeekend() bool {
	wd := c.Timestamp.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// SecurityLevel derives the connection security from location info. On-prem
// access without explicit connection info is high, remote is medium, and a
// request with no location at all is low.
func (c *RequestContext) SecurityLevel() SecurityLevel {
	if c.Location == nil {
		return SecurityLow
	}
	if c.Location.ConnectionInfo != nil {
		return c.Location.ConnectionInfo.SecurityLevel
	}
	if c.Location.IsRemote {
		return SecurityMedium
	}
	return SecurityHigh
}

// Validate checks the context for internal consistency. Violations return a
// context validation error and must deny the request.
func (c *RequestContext) Validate() error {
	if e := c.Emergency; e != nil {
		if e.IsEmergency && e.Justification == "" {
			return NewContextValidationError("emergency access requires justification")
		}
		if e.ApprovalRequired && e.ApprovedBy == "" {
			return NewContextValidationError("emergency access requires approval")
		}
		if e.ExpiresAt != nil && !e.ExpiresAt.After(c.Timestamp) {
			return NewContextValidationError("emergency access has expired")
		}
	}
	if c.Clinical != nil && c.Clinical.Urgency == UrgencyCritical && !c.IsEmergency() {
		return NewContextValidationError("critical urgency requires emergency context")
	}
	return nil
}
