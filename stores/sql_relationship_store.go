package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/medauthz"
)

// SQLRelationshipStore persists relationship tuples in SQL (squealx).
// Removal is a soft delete; CleanupExpired hard-deletes.
type SQLRelationshipStore struct {
	db *squealx.DB
}

func NewSQLRelationshipStore(db *squealx.DB) *SQLRelationshipStore {
	return &SQLRelationshipStore{db: db}
}

func (s *SQLRelationshipStore) AddTuple(ctx context.Context, t *medauthz.RelationshipTuple) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	meta, _ := json.Marshal(t.Metadata)
	q := `INSERT INTO relationships(tuple_key, resource_kind, resource_id, relation, subject_kind, subject_id, context, created_by, metadata_json, expires_at, created_at, deleted)
VALUES(:tuple_key, :resource_kind, :resource_id, :relation, :subject_kind, :subject_id, :context, :created_by, :metadata_json, :expires_at, :created_at, 0)
ON CONFLICT(tuple_key) DO UPDATE SET context=excluded.context, created_by=excluded.created_by, metadata_json=excluded.metadata_json, expires_at=excluded.expires_at, deleted=0`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tuple_key":     t.Key(),
		"resource_kind": string(t.Resource.Kind),
		"resource_id":   t.Resource.ID,
		"relation":      string(t.Relation),
		"subject_kind":  string(t.Subject.Kind),
		"subject_id":    t.Subject.ID,
		"context":       t.Context,
		"created_by":    t.CreatedBy,
		"metadata_json": string(meta),
		"expires_at":    sqlNullTimeOrNil(t.ExpiresAt),
		"created_at":    t.CreatedAt,
	})
	if err != nil {
		return medauthz.NewDatabaseError("add tuple", err)
	}
	return nil
}

// RemoveTuple soft-deletes a tuple. Removing an absent or already-removed
// tuple is a no-op.
func (s *SQLRelationshipStore) RemoveTuple(ctx context.Context, resource medauthz.Resource, relation medauthz.Relation, subject medauthz.Subject) error {
	q := `UPDATE relationships SET deleted = 1 WHERE tuple_key = :tuple_key AND deleted = 0`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tuple_key": medauthz.TupleKey(resource, relation, subject),
	})
	if err != nil {
		return medauthz.NewDatabaseError("remove tuple", err)
	}
	return nil
}

func (s *SQLRelationshipStore) HasTuple(ctx context.Context, resource medauthz.Resource, relation medauthz.Relation, subject medauthz.Subject) (bool, error) {
	q := `SELECT COUNT(1) FROM relationships WHERE tuple_key = :tuple_key AND deleted = 0 AND (expires_at IS NULL OR expires_at > :now)`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tuple_key": medauthz.TupleKey(resource, relation, subject),
		"now":       time.Now(),
	})
	if err != nil {
		return false, medauthz.NewDatabaseError("has tuple", err)
	}
	defer r.Close()
	var n int
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return false, medauthz.NewDatabaseError("has tuple", err)
		}
	}
	return n > 0, nil
}

func (s *SQLRelationshipStore) TuplesForResource(ctx context.Context, resource medauthz.Resource) ([]*medauthz.RelationshipTuple, error) {
	q := `SELECT resource_kind, resource_id, relation, subject_kind, subject_id, context, created_by, metadata_json, expires_at, created_at
FROM relationships WHERE resource_kind = :resource_kind AND resource_id = :resource_id AND deleted = 0 AND (expires_at IS NULL OR expires_at > :now)
ORDER BY tuple_key`
	return s.queryTuples(ctx, q, map[string]any{
		"resource_kind": string(resource.Kind),
		"resource_id":   resource.ID,
		"now":           time.Now(),
	})
}

func (s *SQLRelationshipStore) TuplesForSubject(ctx context.Context, subject medauthz.Subject) ([]*medauthz.RelationshipTuple, error) {
	q := `SELECT resource_kind, resource_id, relation, subject_kind, subject_id, context, created_by, metadata_json, expires_at, created_at
FROM relationships WHERE subject_kind = :subject_kind AND subject_id = :subject_id AND deleted = 0 AND (expires_at IS NULL OR expires_at > :now)
ORDER BY tuple_key`
	return s.queryTuples(ctx, q, map[string]any{
		"subject_kind": string(subject.Kind),
		"subject_id":   subject.ID,
		"now":          time.Now(),
	})
}

func (s *SQLRelationshipStore) queryTuples(ctx context.Context, q string, params map[string]any) ([]*medauthz.RelationshipTuple, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, medauthz.NewDatabaseError("query tuples", err)
	}
	defer r.Close()
	out := make([]*medauthz.RelationshipTuple, 0)
	for r.Next() {
		var resourceKind, resourceID, relation, subjectKind, subjectID, tctx, createdBy, metaJSON string
		var expiresRaw, createdRaw interface{}
		if err := r.Scan(&resourceKind, &resourceID, &relation, &subjectKind, &subjectID, &tctx, &createdBy, &metaJSON, &expiresRaw, &createdRaw); err != nil {
			return nil, medauthz.NewDatabaseError("scan tuple", err)
		}
		t := &medauthz.RelationshipTuple{
			Resource:  medauthz.Resource{Kind: medauthz.ResourceKind(resourceKind), ID: resourceID},
			Relation:  medauthz.Relation(relation),
			Subject:   medauthz.Subject{Kind: medauthz.SubjectKind(subjectKind), ID: subjectID},
			Context:   tctx,
			CreatedBy: createdBy,
			ExpiresAt: scanTimePtr(expiresRaw),
			CreatedAt: scanTime(createdRaw),
		}
		_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
		out = append(out, t)
	}
	return out, nil
}

// CleanupExpired soft-deletes tuples whose expiry passed. Rows stay in the
// table so the grant trail survives cleanup.
func (s *SQLRelationshipStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	q := `UPDATE relationships SET deleted = 1 WHERE deleted = 0 AND expires_at IS NOT NULL AND expires_at <= :now`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"now": now})
	if err != nil {
		return 0, medauthz.NewDatabaseError("cleanup expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
