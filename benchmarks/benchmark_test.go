package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/oarkflow/medauthz"
	"github.com/oarkflow/medauthz/logger"
)

// NoOpAuditStore implements AuditStore but does nothing
type NoOpAuditStore struct{}

func (s *NoOpAuditStore) Append(ctx context.Context, entry *medauthz.AuditEntry) error {
	return nil
}

func (s *NoOpAuditStore) Query(ctx context.Context, filter medauthz.AuditFilter) ([]*medauthz.AuditEntry, error) {
	return nil, nil
}

func (s *NoOpAuditStore) Count(ctx context.Context, filter medauthz.AuditFilter) (int64, error) {
	return 0, nil
}

func (s *NoOpAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newBenchEngine(b *testing.B, decisionCache bool) *medauthz.Engine {
	b.Helper()
	policyStore := medauthz.NewMemoryPolicyStore()
	policyStore.SeedDefaultPolicies()
	cfg := medauthz.DefaultEngineConfig()
	cfg.EnableDecisionCache = decisionCache

	eng, err := medauthz.NewEngine(
		medauthz.NewMemoryRelationshipStore(),
		policyStore,
		&NoOpAuditStore{},
		medauthz.WithEngineConfig(cfg),
		medauthz.WithLogger(logger.NewNullLogger()),
	)
	if err != nil {
		b.Fatalf("new engine: %v", err)
	}
	b.Cleanup(eng.Close)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		patient := medauthz.NewPatient(fmt.Sprintf("p-%d", i))
		physician := medauthz.NewUser(fmt.Sprintf("dr-%d", i%10))
		if err := eng.AddRelationship(ctx, medauthz.NewTuple(patient, medauthz.RelPrimaryPhysician, physician)); err != nil {
			b.Fatalf("add relationship: %v", err)
		}
	}
	return eng
}

func BenchmarkCheckRelationship(b *testing.B) {
	eng := newBenchEngine(b, false)
	ctx := context.Background()
	req := medauthz.NewRequest(
		medauthz.NewUser("dr-3"),
		medauthz.ActionRead,
		medauthz.NewPatient("p-3"),
		nil,
	)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Check(ctx, req); err != nil {
			b.Fatalf("check: %v", err)
		}
	}
}

func BenchmarkCheckDecisionCached(b *testing.B) {
	eng := newBenchEngine(b, true)
	ctx := context.Background()
	req := medauthz.NewRequest(
		medauthz.NewUser("dr-3"),
		medauthz.ActionRead,
		medauthz.NewPatient("p-3"),
		nil,
	)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Check(ctx, req); err != nil {
			b.Fatalf("check: %v", err)
		}
	}
}

func BenchmarkCheckEmergency(b *testing.B) {
	eng := newBenchEngine(b, false)
	ctx := context.Background()
	rctx := medauthz.NewContext().
		WithEmergency(medauthz.NewEmergency(medauthz.EmergencyBreakGlass, "dr-oncall", "benchmark emergency"))
	req := medauthz.NewRequest(
		medauthz.NewUser("dr-oncall"),
		medauthz.ActionRead,
		medauthz.NewPatient("p-50"),
		rctx,
	)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := eng.Check(ctx, req); err != nil {
			b.Fatalf("check: %v", err)
		}
	}
}

func BenchmarkCasbinEnforce(b *testing.B) {
	m, err := model.NewModelFromString(`
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`)
	if err != nil {
		b.Fatalf("model: %v", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		b.Fatalf("enforcer: %v", err)
	}
	for i := 0; i < 100; i++ {
		if _, err := e.AddPolicy(fmt.Sprintf("user:dr-%d", i%10), fmt.Sprintf("patient:p-%d", i), "read"); err != nil {
			b.Fatalf("add policy: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Enforce("user:dr-3", "patient:p-3", "read"); err != nil {
			b.Fatalf("enforce: %v", err)
		}
	}
}
