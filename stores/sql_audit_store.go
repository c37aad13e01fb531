package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/medauthz"
)

// SQLAuditStore persists audit entries in SQL (squealx).
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, entry *medauthz.AuditEntry) error {
	reasons, _ := json.Marshal(entry.Reasons)
	policies, _ := json.Marshal(entry.AppliedPolicies)
	meta, _ := json.Marshal(entry.Metadata)
	q := `INSERT INTO audit_entries(id, timestamp, subject_kind, subject_id, action, resource_kind, resource_id, decision, allowed, reasons_json, confidence, policies_json, emergency, break_glass, session_id, ip_address, user_agent, trace_id, metadata_json)
VALUES(:id, :timestamp, :subject_kind, :subject_id, :action, :resource_kind, :resource_id, :decision, :allowed, :reasons_json, :confidence, :policies_json, :emergency, :break_glass, :session_id, :ip_address, :user_agent, :trace_id, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp,
		"subject_kind":  string(entry.SubjectKind),
		"subject_id":    entry.SubjectID,
		"action":        string(entry.Action),
		"resource_kind": string(entry.ResourceKind),
		"resource_id":   entry.ResourceID,
		"decision":      string(entry.Decision),
		"allowed":       boolToInt(entry.Allowed),
		"reasons_json":  string(reasons),
		"confidence":    entry.Confidence,
		"policies_json": string(policies),
		"emergency":     boolToInt(entry.Emergency),
		"break_glass":   boolToInt(entry.BreakGlass),
		"session_id":    entry.SessionID,
		"ip_address":    entry.IPAddress,
		"user_agent":    entry.UserAgent,
		"trace_id":      entry.TraceID,
		"metadata_json": string(meta),
	})
	if err != nil {
		return medauthz.NewDatabaseError("append audit entry", err)
	}
	return nil
}

func (s *SQLAuditStore) Query(ctx context.Context, filter medauthz.AuditFilter) ([]*medauthz.AuditEntry, error) {
	q := `SELECT id, timestamp, subject_kind, subject_id, action, resource_kind, resource_id, decision, allowed, reasons_json, confidence, policies_json, emergency, break_glass, session_id, ip_address, user_agent, trace_id, metadata_json FROM audit_entries`
	where, params := auditWhere(filter)
	q += where + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		q += ` LIMIT :limit`
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, medauthz.NewDatabaseError("query audit entries", err)
	}
	defer r.Close()
	out := make([]*medauthz.AuditEntry, 0)
	for r.Next() {
		var id, subjectKind, subjectID, action, resourceKind, resourceID, decision string
		var sessionID, ipAddress, userAgent, traceID string
		var reasonsJSON, policiesJSON, metaJSON string
		var allowedInt, emergencyInt, breakGlassInt int
		var confidence float64
		var timestampRaw interface{}
		if err := r.Scan(&id, &timestampRaw, &subjectKind, &subjectID, &action, &resourceKind, &resourceID, &decision, &allowedInt, &reasonsJSON, &confidence, &policiesJSON, &emergencyInt, &breakGlassInt, &sessionID, &ipAddress, &userAgent, &traceID, &metaJSON); err != nil {
			return nil, medauthz.NewDatabaseError("scan audit entry", err)
		}
		entry := &medauthz.AuditEntry{
			ID:           id,
			Timestamp:    scanTime(timestampRaw),
			SubjectKind:  medauthz.SubjectKind(subjectKind),
			SubjectID:    subjectID,
			Action:       medauthz.Action(action),
			ResourceKind: medauthz.ResourceKind(resourceKind),
			ResourceID:   resourceID,
			Decision:     medauthz.AccessDecision(decision),
			Allowed:      allowedInt != 0,
			Confidence:   confidence,
			Emergency:    emergencyInt != 0,
			BreakGlass:   breakGlassInt != 0,
			SessionID:    sessionID,
			IPAddress:    ipAddress,
			UserAgent:    userAgent,
			TraceID:      traceID,
		}
		_ = json.Unmarshal([]byte(reasonsJSON), &entry.Reasons)
		_ = json.Unmarshal([]byte(policiesJSON), &entry.AppliedPolicies)
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, nil
}

func (s *SQLAuditStore) Count(ctx context.Context, filter medauthz.AuditFilter) (int64, error) {
	q := `SELECT COUNT(1) FROM audit_entries`
	where, params := auditWhere(filter)
	q += where
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return 0, medauthz.NewDatabaseError("count audit entries", err)
	}
	defer r.Close()
	var n int64
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return 0, medauthz.NewDatabaseError("count audit entries", err)
		}
	}
	return n, nil
}

func (s *SQLAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := `DELETE FROM audit_entries WHERE timestamp < :cutoff`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"cutoff": cutoff})
	if err != nil {
		return 0, medauthz.NewDatabaseError("purge audit entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func auditWhere(filter medauthz.AuditFilter) (string, map[string]any) {
	q := ` WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += ` AND subject_id = :subject_id`
		params["subject_id"] = filter.SubjectID
	}
	if filter.ResourceKind != "" {
		q += ` AND resource_kind = :resource_kind`
		params["resource_kind"] = string(filter.ResourceKind)
	}
	if filter.ResourceID != "" {
		q += ` AND resource_id = :resource_id`
		params["resource_id"] = filter.ResourceID
	}
	if filter.Decision != "" {
		q += ` AND decision = :decision`
		params["decision"] = string(filter.Decision)
	}
	if filter.AllowedOnly {
		q += ` AND allowed = 1`
	}
	if filter.DeniedOnly {
		q += ` AND allowed = 0`
	}
	if !filter.Since.IsZero() {
		q += ` AND timestamp >= :since`
		params["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		q += ` AND timestamp <= :until`
		params["until"] = filter.Until
	}
	return q, params
}
