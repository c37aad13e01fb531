package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/medauthz"
)

// SQLPolicyStore persists healthcare policies in SQL (squealx). Conditions
// and effects are stored as JSON columns; every create and update appends a
// snapshot to policy_history for regulatory traceability.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *medauthz.HealthcarePolicy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	conditions, _ := json.Marshal(p.Conditions)
	effect, _ := json.Marshal(p.Effect)
	meta, _ := json.Marshal(p.Metadata)
	q := `INSERT INTO policies(id, name, description, policy_type, conditions_json, effect_json, priority, enabled, metadata_json, created_at, updated_at)
VALUES(:id, :name, :description, :policy_type, :conditions_json, :effect_json, :priority, :enabled, :metadata_json, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"policy_type":     string(p.Type),
		"conditions_json": string(conditions),
		"effect_json":     string(effect),
		"priority":        p.Priority,
		"enabled":         boolToInt(p.Enabled),
		"metadata_json":   string(meta),
		"created_at":      p.CreatedAt,
		"updated_at":      p.UpdatedAt,
	})
	if err != nil {
		return medauthz.NewDatabaseError("create policy", err)
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *medauthz.HealthcarePolicy) error {
	existing, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.insertPolicyHistory(ctx, existing); err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	conditions, _ := json.Marshal(p.Conditions)
	effect, _ := json.Marshal(p.Effect)
	meta, _ := json.Marshal(p.Metadata)
	q := `UPDATE policies SET name=:name, description=:description, policy_type=:policy_type, conditions_json=:conditions_json, effect_json=:effect_json, priority=:priority, enabled=:enabled, metadata_json=:metadata_json, updated_at=:updated_at WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"policy_type":     string(p.Type),
		"conditions_json": string(conditions),
		"effect_json":     string(effect),
		"priority":        p.Priority,
		"enabled":         boolToInt(p.Enabled),
		"metadata_json":   string(meta),
		"updated_at":      p.UpdatedAt,
	})
	if err != nil {
		return medauthz.NewDatabaseError("update policy", err)
	}
	return s.insertPolicyHistory(ctx, p)
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM policies WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return medauthz.NewDatabaseError("delete policy", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return medauthz.NewStorageError("policy not found: "+id, nil)
	}
	return nil
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*medauthz.HealthcarePolicy, error) {
	q := policySelect + ` WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, medauthz.NewDatabaseError("get policy", err)
	}
	defer r.Close()
	if !r.Next() {
		return nil, medauthz.NewStorageError("policy not found: "+id, nil)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, enabledOnly bool) ([]*medauthz.HealthcarePolicy, error) {
	q := policySelect
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, medauthz.NewDatabaseError("list policies", err)
	}
	defer r.Close()
	out := make([]*medauthz.HealthcarePolicy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

const policySelect = `SELECT id, name, description, policy_type, conditions_json, effect_json, priority, enabled, metadata_json, created_at, updated_at FROM policies`

type policyRow interface {
	Scan(dest ...any) error
}

func scanPolicy(r policyRow) (*medauthz.HealthcarePolicy, error) {
	var id, name, description, policyType, conditionsJSON, effectJSON, metaJSON string
	var priority, enabledInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &name, &description, &policyType, &conditionsJSON, &effectJSON, &priority, &enabledInt, &metaJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, medauthz.NewDatabaseError("scan policy", err)
	}
	p := &medauthz.HealthcarePolicy{
		ID:          id,
		Name:        name,
		Description: description,
		Type:        medauthz.PolicyType(policyType),
		Priority:    priority,
		Enabled:     enabledInt != 0,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}
	_ = json.Unmarshal([]byte(conditionsJSON), &p.Conditions)
	_ = json.Unmarshal([]byte(effectJSON), &p.Effect)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	return p, nil
}

func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *medauthz.HealthcarePolicy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return medauthz.NewStorageError("snapshot policy "+p.ID, err)
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json, created_at) VALUES(:policy_id, :snapshot_json, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.ID,
		"snapshot_json": string(b),
		"created_at":    time.Now(),
	})
	if err != nil {
		return medauthz.NewDatabaseError("insert policy history", err)
	}
	return nil
}

// GetPolicyHistory returns every recorded snapshot for a policy, oldest
// first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*medauthz.HealthcarePolicy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, medauthz.NewDatabaseError("policy history", err)
	}
	defer r.Close()
	out := make([]*medauthz.HealthcarePolicy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, medauthz.NewDatabaseError("scan policy history", err)
		}
		p := &medauthz.HealthcarePolicy{}
		if err := json.Unmarshal([]byte(snap), p); err != nil {
			return nil, medauthz.NewStorageError("decode policy history for "+id, err)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, medauthz.NewStorageError("no history for policy "+id, nil)
	}
	return out, nil
}
