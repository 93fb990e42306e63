package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/migrate"
	"stagegate/internal/playbook"
	"stagegate/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func ts() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func TestTenantLifecycle(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	if _, err := r.GetTenant(ctx, "acme"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get before insert: %v", err)
	}
	if _, err := r.SingleTenant(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("single with no tenants: %v", err)
	}
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "acme", Name: "Acme", Status: "active", CreatedAt: ts()}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetTenant(ctx, "acme")
	if err != nil || got.Name != "Acme" {
		t.Fatalf("get: %+v, %v", got, err)
	}
	single, err := r.SingleTenant(ctx)
	if err != nil || single.ID != "acme" {
		t.Fatalf("single: %+v, %v", single, err)
	}
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "beta", Status: "active", CreatedAt: ts()}); err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if _, err := r.SingleTenant(ctx); err == nil {
		t.Fatal("single with two tenants should error")
	}
	tenants, err := r.ListTenants(ctx)
	if err != nil || len(tenants) != 2 {
		t.Fatalf("list: %d, %v", len(tenants), err)
	}
}

func TestTenantConfigRoundTrip(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	if err := r.InsertTenant(ctx, domain.Tenant{ID: "acme", Status: "active", CreatedAt: ts()}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	cfg := config.Default("acme")
	cfg.Enforcement.Mode = "block"
	if err := r.UpsertTenantConfig(ctx, "acme", cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetTenantConfig(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mode() != domain.ModeBlock {
		t.Fatalf("mode = %s", got.Mode())
	}
	// upsert replaces
	cfg.Enforcement.Mode = "monitor_only"
	if err := r.UpsertTenantConfig(ctx, "acme", cfg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = r.GetTenantConfig(ctx, "acme")
	if err != nil || got.Mode() != domain.ModeMonitorOnly {
		t.Fatalf("after upsert: %s, %v", got.Mode(), err)
	}
	if _, err := r.GetTenantConfig(ctx, "unknown"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown tenant: %v", err)
	}
}

func TestPlaybookGlobalFallback(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	global := playbook.Default()
	if err := r.InsertPlaybook(ctx, global); err != nil {
		t.Fatalf("insert global: %v", err)
	}
	got, err := r.GetPlaybook(ctx, "acme", playbook.DefaultID)
	if err != nil {
		t.Fatalf("fallback lookup: %v", err)
	}
	if got.TenantID != "" {
		t.Fatalf("tenant = %q, want global", got.TenantID)
	}

	custom := playbook.Default()
	custom.TenantID = "acme"
	custom.Version = "2.0.0"
	if err := r.InsertPlaybook(ctx, custom); err != nil {
		t.Fatalf("insert tenant copy: %v", err)
	}
	got, err = r.GetPlaybook(ctx, "acme", playbook.DefaultID)
	if err != nil || got.TenantID != "acme" {
		t.Fatalf("tenant copy not preferred: %+v, %v", got.TenantID, err)
	}

	if _, err := r.GetPlaybook(ctx, "acme", "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing playbook: %v", err)
	}

	books, err := r.ListPlaybooks(ctx, "acme")
	if err != nil || len(books) != 2 {
		t.Fatalf("list: %d, %v", len(books), err)
	}
}

func TestPlaybookVersionUnique(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	pb := playbook.Default()
	if err := r.InsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertPlaybook(ctx, pb); err == nil {
		t.Fatal("duplicate version accepted")
	}
}

func TestEvidenceOrderAndFilters(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	items := []domain.ActionEvidence{
		{EvidenceID: "ev-1", StageID: "prospect_identified", EvidenceType: "call_attempt_logged"},
		{EvidenceID: "ev-2", StageID: "prospect_identified", EvidenceType: "call_connected"},
		{EvidenceID: "ev-3", StageID: "qualification", EvidenceType: "needs_assessment_sent"},
	}
	for i, ev := range items {
		ev.TenantID = "acme"
		ev.OpportunityID = "opp-1"
		ev.CollectedBy = "tester"
		ev.CollectedAt = base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		ev.Data = map[string]any{"n": float64(i)}
		if err := r.InsertEvidence(ctx, ev); err != nil {
			t.Fatalf("insert %s: %v", ev.EvidenceID, err)
		}
	}

	all, err := r.ListEvidence(ctx, repo.EvidenceFilters{TenantID: "acme", OpportunityID: "opp-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d, want 3", len(all))
	}
	for i, ev := range all {
		if ev.EvidenceID != items[i].EvidenceID {
			t.Fatalf("order broken: %v", all)
		}
	}
	if all[0].Data["n"] != float64(0) {
		t.Fatalf("data round trip: %v", all[0].Data)
	}

	byStage, err := r.ListEvidence(ctx, repo.EvidenceFilters{TenantID: "acme", OpportunityID: "opp-1", StageID: "qualification"})
	if err != nil || len(byStage) != 1 || byStage[0].EvidenceID != "ev-3" {
		t.Fatalf("stage filter: %v, %v", byStage, err)
	}
	byType, err := r.ListEvidence(ctx, repo.EvidenceFilters{TenantID: "acme", OpportunityID: "opp-1", EvidenceType: "call_connected"})
	if err != nil || len(byType) != 1 || byType[0].EvidenceID != "ev-2" {
		t.Fatalf("type filter: %v, %v", byType, err)
	}
	limited, err := r.ListEvidence(ctx, repo.EvidenceFilters{TenantID: "acme", OpportunityID: "opp-1", Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit: %v, %v", limited, err)
	}
	other, err := r.ListEvidence(ctx, repo.EvidenceFilters{TenantID: "beta", OpportunityID: "opp-1"})
	if err != nil || len(other) != 0 {
		t.Fatalf("tenant isolation: %v, %v", other, err)
	}
}

func TestPipelinePersistence(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	if err := r.InsertTenant(ctx, domain.Tenant{ID: "acme", Status: "active", CreatedAt: ts()}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	cfg := domain.PipelineConfiguration{
		TenantID:   "acme",
		PipelineID: "crm",
		Stages: []domain.StageMapping{
			{ExternalStageID: "lead", CanonicalStage: domain.StageProspectIdentified},
		},
		AllowedTransitions: map[domain.CanonicalStage][]domain.CanonicalStage{
			domain.StageProspectIdentified: {},
		},
	}
	if err := r.UpsertPipeline(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetPipeline(ctx, "acme", "crm")
	if err != nil || len(got.Stages) != 1 {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if _, err := r.GetPipeline(ctx, "acme", "other"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing pipeline: %v", err)
	}
	list, err := r.ListPipelines(ctx, "acme")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d, %v", len(list), err)
	}
}

func TestWebhookCursor(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	cursor, err := r.GetWebhookCursor(ctx, "acme", "crm-sync")
	if err != nil || cursor != 0 {
		t.Fatalf("default cursor: %d, %v", cursor, err)
	}
	if err := r.SetWebhookCursor(ctx, "acme", "crm-sync", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.SetWebhookCursor(ctx, "acme", "crm-sync", 12); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cursor, err = r.GetWebhookCursor(ctx, "acme", "crm-sync")
	if err != nil || cursor != 12 {
		t.Fatalf("cursor = %d, %v", cursor, err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	raw := "secret-key-material"
	key := domain.APIKey{
		ID:       "key-1",
		TenantID: "acme",
		ActorID:  "ops",
		Name:     "ci",
		KeyHash:  repo.HashAPIKey(raw),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil || got.ActorID != "ops" {
		t.Fatalf("lookup: %+v, %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong key: %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "acme")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %d, %v", len(keys), err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestHashAPIKeyTrimsWhitespace(t *testing.T) {
	if repo.HashAPIKey(" abc ") != repo.HashAPIKey("abc") {
		t.Fatal("hash should ignore surrounding whitespace")
	}
}

func TestAuditEventsAfterCursor(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO audit_events(ts,tenant_id,opportunity_id,playbook_id,from_stage,to_stage,trigger_kind,evidence_json,allowed,enforced,mode,reason,correlation_id)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			ts(), "acme", "opp-1", "default-sales", "a", "b", "test", "[]", true, false, "monitor_only", "r", "c")
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	latest, err := r.LatestAuditEventID(ctx, "acme")
	if err != nil || latest == 0 {
		t.Fatalf("latest id: %d, %v", latest, err)
	}
	events, err := r.AuditEventsAfter(ctx, "acme", 0, 10)
	if err != nil || len(events) != 3 {
		t.Fatalf("after 0: %d, %v", len(events), err)
	}
	if events[0].ID >= events[1].ID {
		t.Fatal("not ascending")
	}
	tail, err := r.AuditEventsAfter(ctx, "acme", events[1].ID, 10)
	if err != nil || len(tail) != 1 {
		t.Fatalf("after cursor: %d, %v", len(tail), err)
	}
	newest, err := r.LatestAuditEvents(ctx, "acme", "", 2)
	if err != nil || len(newest) != 2 || newest[0].ID < newest[1].ID {
		t.Fatalf("latest ordering: %v, %v", newest, err)
	}
}
