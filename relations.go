package medauthz

import (
	"fmt"
	"strings"
	"time"
)

// SubjectKind classifies who is requesting access.
type SubjectKind string

const (
	SubjectUser         SubjectKind = "user"
	SubjectRole         SubjectKind = "role"
	SubjectDepartment   SubjectKind = "department"
	SubjectOrganization SubjectKind = "organization"
	SubjectSystem       SubjectKind = "system"
	SubjectGroup        SubjectKind = "group"
)

// Subject is an entity that can perform actions: an individual user, a role,
// a department, an organization, a system service or a user group.
type Subject struct {
	Kind SubjectKind `json:"kind" yaml:"kind"`
	ID   string      `json:"id" yaml:"id"`
}

func NewUser(id string) Subject   { return Subject{Kind: SubjectUser, ID: id} }
func NewRole(name string) Subject { return Subject{Kind: SubjectRole, ID: name} }

func (s Subject) String() string { return string(s.Kind) + ":" + s.ID }

func (s Subject) IsZero() bool { return s.Kind == "" && s.ID == "" }

// ParseSubject parses the canonical "kind:id" form.
func ParseSubject(v string) (Subject, error) {
	kind, id, ok := strings.Cut(v, ":")
	if !ok || kind == "" || id == "" {
		return Subject{}, NewValidationError(fmt.Sprintf("invalid subject %q, want kind:id", v))
	}
	return Subject{Kind: SubjectKind(kind), ID: id}, nil
}

// ResourceKind classifies what is being accessed.
type ResourceKind string

const (
	ResourcePatient                 ResourceKind = "patient"
	ResourceMedicalRecord           ResourceKind = "medical_record"
	ResourceAppointment             ResourceKind = "appointment"
	ResourceDepartment              ResourceKind = "department"
	ResourceOrganization            ResourceKind = "organization"
	ResourcePrescription            ResourceKind = "prescription"
	ResourceLabResult               ResourceKind = "lab_result"
	ResourceImagingStudy            ResourceKind = "imaging_study"
	ResourceReport                  ResourceKind = "report"
	ResourceBilling                 ResourceKind = "billing"
	ResourceCarePlan                ResourceKind = "care_plan"
	ResourceEncounter               ResourceKind = "encounter"
	ResourceClinicalDecisionSupport ResourceKind = "clinical_decision_support"
	ResourceResearchData            ResourceKind = "research_data"
	ResourceSystemConfig            ResourceKind = "system_config"
)

// Resource is a clinical or administrative object access is requested on.
type Resource struct {
	Kind ResourceKind `json:"kind" yaml:"kind"`
	ID   string       `json:"id" yaml:"id"`
}

func NewPatient(id string) Resource { return Resource{Kind: ResourcePatient, ID: id} }

func (r Resource) String() string { return string(r.Kind) + ":" + r.ID }

func (r Resource) IsZero() bool { return r.Kind == "" && r.ID == "" }

// ParseResource parses the canonical "kind:id" form.
func ParseResource(v string) (Resource, error) {
	kind, id, ok := strings.Cut(v, ":")
	if !ok || kind == "" || id == "" {
		return Resource{}, NewValidationError(fmt.Sprintf("invalid resource %q, want kind:id", v))
	}
	return Resource{Kind: ResourceKind(kind), ID: id}, nil
}

// Action names an operation a subject may perform on a resource. Values
// outside the predefined set are treated as custom actions.
type Action string

const (
	// FHIR-standard operations
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"
	ActionUpdate Action = "update"

	// Clinical actions
	ActionPrescribe       Action = "prescribe"
	ActionDiagnose        Action = "diagnose"
	ActionOrderTest       Action = "order_test"
	ActionViewResults     Action = "view_results"
	ActionModifyTreatment Action = "modify_treatment"
	ActionApproveTest     Action = "approve_test"

	// Administrative actions
	ActionSchedule  Action = "schedule"
	ActionCancel    Action = "cancel"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionAudit     Action = "audit"
	ActionConfigure Action = "configure"

	// Emergency actions
	ActionEmergencyAccess Action = "emergency_access"
	ActionBreakGlass      Action = "break_glass"

	// Reporting and analytics
	ActionGenerateReport Action = "generate_report"
	ActionExportData     Action = "export_data"
	ActionViewAnalytics  Action = "view_analytics"

	// Billing
	ActionViewBilling    Action = "view_billing"
	ActionProcessPayment Action = "process_payment"
	ActionAdjustBilling  Action = "adjust_billing"

	// Research and compliance
	ActionResearchAccess Action = "research_access"
	ActionDeIdentify     Action = "deidentify"

	// System administration
	ActionManageUsers       Action = "manage_users"
	ActionManageRoles       Action = "manage_roles"
	ActionManagePermissions Action = "manage_permissions"
	ActionBackupData        Action = "backup_data"
	ActionRestoreData       Action = "restore_data"
)

// IsMutation reports whether the action changes clinical data. Used by the
// compliance reports to count record modifications.
func (a Action) IsMutation() bool {
	switch a {
	case ActionWrite, ActionCreate, ActionDelete, ActionUpdate, ActionModifyTreatment, ActionAdjustBilling:
		return true
	}
	return false
}

// Relation names a healthcare relationship between a subject and a resource.
// Values outside the predefined set are treated as custom relations.
type Relation string

const (
	// Patient-provider relationships
	RelPrimaryPhysician    Relation = "primary_physician"
	RelConsultingPhysician Relation = "consulting_physician"
	RelSpecialistReferral  Relation = "specialist_referral"
	RelAttendingNurse      Relation = "attending_nurse"
	RelCareTeamMember      Relation = "care_team_member"
	RelEmergencyContact    Relation = "emergency_contact"
	RelGuardian            Relation = "guardian"
	RelNextOfKin           Relation = "next_of_kin"

	// Organizational relationships
	RelDepartmentHead   Relation = "department_head"
	RelDepartmentMember Relation = "department_member"
	RelHospitalAdmin    Relation = "hospital_admin"
	RelSystemAdmin      Relation = "system_admin"
	RelChiefOfStaff     Relation = "chief_of_staff"
	RelMedicalDirector  Relation = "medical_director"

	// Treatment relationships
	RelTreatingPhysician    Relation = "treating_physician"
	RelOrderingPhysician    Relation = "ordering_physician"
	RelSupervisingPhysician Relation = "supervising_physician"
	RelConsultingSpecialist Relation = "consulting_specialist"
	RelSecondOpinion        Relation = "second_opinion"

	// Access control relationships
	RelProxyAccess     Relation = "proxy_access"
	RelDelegatedAccess Relation = "delegated_access"
	RelTemporaryAccess Relation = "temporary_access"
	RelResearchAccess  Relation = "research_access"
	RelBillingAccess   Relation = "billing_access"
	RelAuditAccess     Relation = "audit_access"

	// Hierarchical relationships
	RelManager     Relation = "manager"
	RelSubordinate Relation = "subordinate"
	RelPeer        Relation = "peer"
	RelColleague   Relation = "colleague"

	// Workflow relationships
	RelApprover   Relation = "approver"
	RelReviewer   Relation = "reviewer"
	RelSupervisor Relation = "supervisor"
	RelDelegate   Relation = "delegate"

	// Data relationships
	RelDataOwner      Relation = "data_owner"
	RelDataProcessor  Relation = "data_processor"
	RelDataController Relation = "data_controller"
	RelDataSubject    Relation = "data_subject"
)

// builtinRelations enumerates the predefined relations. The engine derives
// its inheritance reverse index from this list.
var builtinRelations = []Relation{
	RelPrimaryPhysician, RelConsultingPhysician, RelSpecialistReferral,
	RelAttendingNurse, RelCareTeamMember, RelEmergencyContact, RelGuardian,
	RelNextOfKin, RelDepartmentHead, RelDepartmentMember, RelHospitalAdmin,
	RelSystemAdmin, RelChiefOfStaff, RelMedicalDirector, RelTreatingPhysician,
	RelOrderingPhysician, RelSupervisingPhysician, RelConsultingSpecialist,
	RelSecondOpinion, RelProxyAccess, RelDelegatedAccess, RelTemporaryAccess,
	RelResearchAccess, RelBillingAccess, RelAuditAccess, RelManager,
	RelSubordinate, RelPeer, RelColleague, RelApprover, RelReviewer,
	RelSupervisor, RelDelegate, RelDataOwner, RelDataProcessor,
	RelDataController, RelDataSubject,
}

// DefaultPermissions returns the actions a relation conventionally grants on
// the resource it attaches to. Relations without an explicit grant set are
// read-only.
func (r Relation) DefaultPermissions() []Action {
	switch r {
	case RelPrimaryPhysician:
		return []Action{
			ActionRead, ActionWrite, ActionUpdate, ActionPrescribe,
			ActionDiagnose, ActionModifyTreatment, ActionOrderTest,
			ActionViewResults, ActionSchedule,
		}
	case RelConsultingPhysician:
		return []Action{ActionRead, ActionPrescribe, ActionDiagnose, ActionViewResults}
	case RelAttendingNurse:
		return []Action{ActionRead, ActionUpdate, ActionSchedule, ActionViewResults}
	case RelEmergencyContact:
		return []Action{ActionEmergencyAccess, ActionRead}
	case RelDepartmentHead:
		return []Action{
			ActionRead, ActionWrite, ActionUpdate, ActionApprove,
			ActionGenerateReport, ActionViewAnalytics, ActionManageUsers,
		}
	case RelHospitalAdmin:
		return []Action{
			ActionRead, ActionWrite, ActionUpdate, ActionConfigure,
			ActionManageUsers, ActionManageRoles, ActionAudit,
		}
	case RelSystemAdmin:
		return []Action{
			ActionConfigure, ActionManageUsers, ActionManageRoles,
			ActionManagePermissions, ActionBackupData, ActionRestoreData,
		}
	case RelBillingAccess:
		return []Action{ActionViewBilling, ActionProcessPayment, ActionAdjustBilling}
	case RelResearchAccess:
		return []Action{ActionResearchAccess, ActionDeIdentify, ActionExportData}
	case RelAuditAccess:
		return []Action{ActionAudit, ActionViewAnalytics, ActionGenerateReport}
	default:
		return []Action{ActionRead}
	}
}

// Grants reports whether the relation's default permission set includes the
// given action.
func (r Relation) Grants(action Action) bool {
	for _, a := range r.DefaultPermissions() {
		if a == action {
			return true
		}
	}
	return false
}

// InheritsFrom lists the relations whose grants this relation inherits.
// Holding the stronger relation satisfies a requirement for the weaker one:
// a department head passes any department member check, a primary physician
// passes consulting physician checks.
func (r Relation) InheritsFrom() []Relation {
	switch r {
	case RelDepartmentHead:
		return []Relation{RelDepartmentMember}
	case RelPrimaryPhysician:
		return []Relation{RelConsultingPhysician}
	case RelTreatingPhysician:
		return []Relation{RelSupervisingPhysician}
	case RelSupervisor:
		return []Relation{RelSubordinate}
	case RelSystemAdmin:
		return []Relation{RelHospitalAdmin}
	default:
		return nil
	}
}

// CanInheritFrom reports whether this relation inherits the other's grants.
func (r Relation) CanInheritFrom(other Relation) bool {
	for _, p := range r.InheritsFrom() {
		if p == other {
			return true
		}
	}
	return false
}

// Inverse returns the opposite relation for symmetric pairs, if one exists.
func (r Relation) Inverse() (Relation, bool) {
	switch r {
	case RelManager:
		return RelSubordinate, true
	case RelSubordinate:
		return RelManager, true
	case RelSupervisor:
		return RelSubordinate, true
	case RelDataController:
		return RelDataSubject, true
	case RelDataSubject:
		return RelDataController, true
	}
	return "", false
}

// requiredRelations maps an (action, resource kind) pair to the relations
// that may grant it directly. Pairs outside the table fall back to the
// default permission sets of whatever relations the subject holds.
type actionResource struct {
	action Action
	kind   ResourceKind
}

var requiredRelations = map[actionResource][]Relation{
	{ActionRead, ResourcePatient}: {
		RelPrimaryPhysician, RelConsultingPhysician, RelAttendingNurse, RelCareTeamMember,
	},
	{ActionWrite, ResourcePatient}:     {RelPrimaryPhysician, RelTreatingPhysician},
	{ActionPrescribe, ResourcePatient}: {RelPrimaryPhysician, RelConsultingPhysician},
	{ActionSchedule, ResourceAppointment}: {
		RelPrimaryPhysician, RelAttendingNurse, RelDepartmentMember,
	},
	{ActionViewBilling, ResourceBilling}: {RelBillingAccess, RelHospitalAdmin},
}

// RequiredRelations returns the relations that directly grant the action on
// resources of the given kind. An empty result means no direct rule exists.
func RequiredRelations(action Action, kind ResourceKind) []Relation {
	return requiredRelations[actionResource{action, kind}]
}

// RelationshipTuple records that a subject stands in a relation to a
// resource, optionally scoped by context and expiry. Removal is a soft
// delete so the audit trail stays intact.
type RelationshipTuple struct {
	Resource  Resource          `json:"resource" yaml:"resource"`
	Relation  Relation          `json:"relation" yaml:"relation"`
	Subject   Subject           `json:"subject" yaml:"subject"`
	Context   string            `json:"context,omitempty" yaml:"context,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedBy string            `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Deleted   bool              `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// NewTuple creates a relationship tuple stamped with the current time.
func NewTuple(resource Resource, relation Relation, subject Subject) *RelationshipTuple {
	return &RelationshipTuple{
		Resource:  resource,
		Relation:  relation,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
}

func (t *RelationshipTuple) WithContext(context string) *RelationshipTuple {
	t.Context = context
	return t
}

func (t *RelationshipTuple) WithExpiration(expiresAt time.Time) *RelationshipTuple {
	t.ExpiresAt = &expiresAt
	return t
}

func (t *RelationshipTuple) WithCreator(createdBy string) *RelationshipTuple {
	t.CreatedBy = createdBy
	return t
}

func (t *RelationshipTuple) WithMetadata(key, value string) *RelationshipTuple {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
	return t
}

// IsExpired reports whether the tuple's expiry has passed.
func (t *RelationshipTuple) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Active reports whether the tuple still participates in authorization.
func (t *RelationshipTuple) Active(now time.Time) bool {
	return !t.Deleted && !t.IsExpired(now)
}

// Key returns the canonical "resource#relation#subject" form used for
// store indexing and cache keys.
func (t *RelationshipTuple) Key() string {
	return TupleKey(t.Resource, t.Relation, t.Subject)
}

// TupleKey builds the canonical key without allocating a tuple.
func TupleKey(resource Resource, relation Relation, subject Subject) string {
	return resource.String() + "#" + string(relation) + "#" + subject.String()
}
