package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, nullable(t.Name), t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// SingleTenant returns the only tenant, erroring when zero or several exist.
func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants`)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer rows.Close()
	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return domain.Tenant{}, err
		}
		tenants = append(tenants, t)
	}
	if len(tenants) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	if len(tenants) > 1 {
		return domain.Tenant{}, fmt.Errorf("multiple tenants exist; specify --tenant")
	}
	return tenants[0], nil
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) UpsertPipeline(ctx context.Context, cfg domain.PipelineConfiguration) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO pipelines(tenant_id,pipeline_id,config_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,pipeline_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		cfg.TenantID, cfg.PipelineID, string(payload), now)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, tenantID, pipelineID string) (domain.PipelineConfiguration, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM pipelines WHERE tenant_id=? AND pipeline_id=?`, tenantID, pipelineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.PipelineConfiguration{}, ErrNotFound
	}
	if err != nil {
		return domain.PipelineConfiguration{}, err
	}
	var cfg domain.PipelineConfiguration
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return domain.PipelineConfiguration{}, err
	}
	return cfg, nil
}

func (r Repo) ListPipelines(ctx context.Context, tenantID string) ([]domain.PipelineConfiguration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT config_json FROM pipelines WHERE tenant_id=? ORDER BY pipeline_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PipelineConfiguration
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cfg domain.PipelineConfiguration
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, nil
}

// InsertPlaybook stores one published playbook version. Versions are
// immutable; republishing the same (tenant, playbook, version) is an error.
func (r Repo) InsertPlaybook(ctx context.Context, pb domain.Playbook) error {
	payload, err := json.Marshal(pb)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO playbooks(tenant_id,playbook_id,version,document_json,published_at) VALUES (?,?,?,?,?)`,
		pb.TenantID, pb.PlaybookID, pb.Version, string(payload), now)
	return err
}

// GetPlaybook returns the most recently published version for the tenant,
// falling back to the global (empty tenant) copy.
func (r Repo) GetPlaybook(ctx context.Context, tenantID, playbookID string) (domain.Playbook, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx,
		`SELECT document_json FROM playbooks WHERE tenant_id=? AND playbook_id=? ORDER BY published_at DESC, version DESC LIMIT 1`,
		tenantID, playbookID).Scan(&payload)
	if err == sql.ErrNoRows && tenantID != "" {
		err = r.DB.QueryRowContext(ctx,
			`SELECT document_json FROM playbooks WHERE tenant_id='' AND playbook_id=? ORDER BY published_at DESC, version DESC LIMIT 1`,
			playbookID).Scan(&payload)
	}
	if err == sql.ErrNoRows {
		return domain.Playbook{}, ErrNotFound
	}
	if err != nil {
		return domain.Playbook{}, err
	}
	var pb domain.Playbook
	if err := json.Unmarshal([]byte(payload), &pb); err != nil {
		return domain.Playbook{}, err
	}
	return pb, nil
}

func (r Repo) ListPlaybooks(ctx context.Context, tenantID string) ([]domain.Playbook, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT document_json FROM playbooks WHERE tenant_id IN (?, '') ORDER BY playbook_id, version`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Playbook
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var pb domain.Playbook
		if err := json.Unmarshal([]byte(payload), &pb); err != nil {
			return nil, err
		}
		res = append(res, pb)
	}
	return res, nil
}

func (r Repo) InsertEvidence(ctx context.Context, ev domain.ActionEvidence) error {
	var data any
	if len(ev.Data) > 0 {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		data = string(payload)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO evidence(id,tenant_id,opportunity_id,stage_id,action_id,evidence_type,collected_at,collected_by,data_json,source,confidence,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.EvidenceID, ev.TenantID, ev.OpportunityID, ev.StageID, nullable(ev.ActionID), ev.EvidenceType,
		ev.CollectedAt, ev.CollectedBy, data, nullable(ev.Source), ev.Confidence, now)
	return err
}

type EvidenceFilters struct {
	TenantID      string
	OpportunityID string
	StageID       string
	EvidenceType  string
	Limit         int
}

// ListEvidence returns the evidence log in collection order.
func (r Repo) ListEvidence(ctx context.Context, f EvidenceFilters) ([]domain.ActionEvidence, error) {
	clauses := []string{"tenant_id=?", "opportunity_id=?"}
	args := []any{f.TenantID, f.OpportunityID}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.EvidenceType != "" {
		clauses = append(clauses, "evidence_type=?")
		args = append(args, f.EvidenceType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,tenant_id,opportunity_id,stage_id,action_id,evidence_type,collected_at,collected_by,data_json,source,confidence FROM evidence ` + where + ` ORDER BY collected_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionEvidence
	for rows.Next() {
		var ev domain.ActionEvidence
		var actionID, data, source sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&ev.EvidenceID, &ev.TenantID, &ev.OpportunityID, &ev.StageID, &actionID, &ev.EvidenceType,
			&ev.CollectedAt, &ev.CollectedBy, &data, &source, &confidence); err != nil {
			return nil, err
		}
		if actionID.Valid {
			ev.ActionID = actionID.String
		}
		if source.Valid {
			ev.Source = source.String
		}
		if confidence.Valid {
			ev.Confidence = confidence.Float64
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, err
			}
		}
		res = append(res, ev)
	}
	return res, nil
}

func scanAuditEvent(rows *sql.Rows) (domain.TransitionEvent, error) {
	var e domain.TransitionEvent
	var evidence, reason sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.TenantID, &e.OpportunityID, &e.PlaybookID, &e.FromStage, &e.ToStage,
		&e.Trigger, &evidence, &e.Allowed, &e.Enforced, &e.Mode, &reason, &e.CorrelationID); err != nil {
		return e, err
	}
	if reason.Valid {
		e.Reason = reason.String
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &e.EvidenceSnapshot); err != nil {
			return e, err
		}
	}
	return e, nil
}

const auditColumns = `id,ts,tenant_id,opportunity_id,playbook_id,from_stage,to_stage,trigger_kind,evidence_json,allowed,enforced,mode,reason,correlation_id`

// LatestAuditEvents returns the newest events first, optionally scoped to
// one opportunity.
func (r Repo) LatestAuditEvents(ctx context.Context, tenantID, opportunityID string, limit int) ([]domain.TransitionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if opportunityID != "" {
		clauses = append(clauses, "opportunity_id=?")
		args = append(args, opportunityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY id DESC LIMIT ?`, auditColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// AuditEventsAfter returns events with IDs greater than the cursor in
// ascending order, for webhook delivery.
func (r Repo) AuditEventsAfter(ctx context.Context, tenantID string, cursor int64, limit int) ([]domain.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_events WHERE tenant_id=? AND id>? ORDER BY id ASC LIMIT ?`, auditColumns)
	rows, err := r.DB.QueryContext(ctx, query, tenantID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestAuditEventID returns the most recent audit event ID for a tenant.
func (r Repo) LatestAuditEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events WHERE tenant_id=?`, tenantID).Scan(&id)
	return id, err
}

// GetWebhookCursor returns the last delivered audit event ID for a webhook.
func (r Repo) GetWebhookCursor(ctx context.Context, tenantID, webhookName string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE tenant_id=? AND webhook_name=?`, tenantID, webhookName).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, tenantID, webhookName string, lastEventID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(tenant_id,webhook_name,last_event_id,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,webhook_name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		tenantID, webhookName, lastEventID, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
