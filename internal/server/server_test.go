package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/server"
)

func newTestServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("acme"))
	t.Cleanup(eng.Close)
	if err := eng.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, eng
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, url, data, err)
		}
	}
	return res.StatusCode, out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v0/playbooks")
	if err != nil {
		t.Fatalf("get playbooks: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", body.Error.Code)
	}
}

func TestEvidenceAndTransitionFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme", nil)
	if status != http.StatusCreated {
		t.Fatalf("init tenant status = %d, want 201", status)
	}

	status, ev := doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme/opportunities/opp-1/evidence", map[string]any{
		"stage_id":      "prospect_identified",
		"evidence_type": "call_connected",
	})
	if status != http.StatusCreated {
		t.Fatalf("record evidence status = %d: %v", status, ev)
	}
	if ev["collected_by"] != "tester" {
		t.Fatalf("collected_by = %v, want actor from auth header", ev["collected_by"])
	}
	if ev["evidence_id"] == "" {
		t.Fatal("evidence_id not generated")
	}

	// Success condition met, requested stage matches: allowed in every mode.
	status, res := doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme/opportunities/opp-1/transitions/evaluate", map[string]any{
		"current_stage_id":   "prospect_identified",
		"requested_stage_id": "initial_contact",
	})
	if status != http.StatusOK {
		t.Fatalf("evaluate status = %d: %v", status, res)
	}
	if res["allowed"] != true {
		t.Fatalf("allowed = %v, want true: %v", res["allowed"], res)
	}
	if res["mode"] != "monitor_only" {
		t.Fatalf("mode = %v, want monitor_only", res["mode"])
	}
	commands, _ := res["commands"].([]any)
	if len(commands) == 0 {
		t.Fatalf("expected planned commands for next stage, got %v", res["commands"])
	}

	// Same evidence but a skipping request under block mode is denied.
	status, res = doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme/opportunities/opp-1/transitions/evaluate", map[string]any{
		"current_stage_id":   "prospect_identified",
		"requested_stage_id": "qualification",
		"mode":               "block",
	})
	if status != http.StatusOK {
		t.Fatalf("evaluate status = %d: %v", status, res)
	}
	if res["allowed"] != false {
		t.Fatalf("allowed = %v, want false under block mode: %v", res["allowed"], res)
	}
	if res["enforced"] != true {
		t.Fatalf("enforced = %v, want true", res["enforced"])
	}

	// Both attempts show up in the audit log once the queue drains.
	deadline := time.Now().Add(3 * time.Second)
	for {
		status, audit := doJSON(t, http.MethodGet, ts.URL+"/v0/tenants/acme/audit", nil)
		if status != http.StatusOK {
			t.Fatalf("audit status = %d: %v", status, audit)
		}
		items, _ := audit["items"].([]any)
		if len(items) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit events = %d, want 2", len(items))
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestPlaybookValidateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, res := doJSON(t, http.MethodPost, ts.URL+"/v0/playbooks/validate", map[string]any{
		"playbook_id": "broken",
		"version":     "1.0.0",
		"entry_stage": "nowhere",
		"stages": map[string]any{
			"first": map[string]any{
				"canonical_stage": "QUALIFIED",
				"on_success": map[string]any{
					"condition":  map[string]any{"kind": "evidence_present", "evidence_type": "x"},
					"next_stage": "missing",
				},
			},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("validate status = %d: %v", status, res)
	}
	if res["valid"] != false {
		t.Fatalf("valid = %v, want false", res["valid"])
	}
	errs, _ := res["errors"].([]any)
	if len(errs) == 0 {
		t.Fatal("expected validation errors")
	}
}

func TestPublishPlaybookConflictOnSameVersion(t *testing.T) {
	ts, _ := newTestServer(t)

	pb := map[string]any{
		"playbook_id": "enterprise",
		"version":     "1.0.0",
		"tenant_id":   "acme",
		"entry_stage": "open",
		"stages": map[string]any{
			"open": map[string]any{
				"canonical_stage": "PROSPECT_IDENTIFIED",
				"on_success": map[string]any{
					"condition":  map[string]any{"kind": "evidence_present", "evidence_type": "contact_made"},
					"next_stage": "won",
				},
			},
			"won": map[string]any{"canonical_stage": "CLOSED_WON"},
		},
	}
	status, res := doJSON(t, http.MethodPost, ts.URL+"/v0/playbooks", pb)
	if status != http.StatusCreated {
		t.Fatalf("publish status = %d: %v", status, res)
	}
	status, res = doJSON(t, http.MethodPost, ts.URL+"/v0/playbooks", pb)
	if status != http.StatusConflict {
		t.Fatalf("republish status = %d, want 409: %v", status, res)
	}
}

func TestValidateTransitionEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	status, res := doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme/pipelines/default/validate-transition", map[string]any{
		"from_stage": "QUALIFIED",
		"to_stage":   "PROSPECT_IDENTIFIED",
	})
	if status != http.StatusOK {
		t.Fatalf("validate-transition status = %d: %v", status, res)
	}
	if res["valid"] != false {
		t.Fatalf("backward transition valid = %v, want false", res["valid"])
	}
	next, _ := res["next_allowed_transitions"].([]any)
	found := false
	for _, s := range next {
		if s == "DISCOVERY" {
			found = true
		}
	}
	if !found {
		t.Fatalf("next_allowed_transitions = %v, want to include DISCOVERY", next)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	status, created := doJSON(t, http.MethodPost, ts.URL+"/v0/tenants/acme/apikeys", map[string]any{
		"actor_id": "svc-crm",
		"name":     "crm sync",
	})
	if status != http.StatusCreated {
		t.Fatalf("create key status = %d: %v", status, created)
	}
	rawKey, _ := created["key"].(string)
	if rawKey == "" {
		t.Fatal("raw key not returned on create")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/playbooks", nil)
	req.Header.Set("X-Api-Key", rawKey)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("api key auth status = %d: %s", res.StatusCode, body)
	}

	url := fmt.Sprintf("%s/v0/tenants/acme/apikeys/%s", ts.URL, created["id"])
	status, _ = doJSON(t, http.MethodDelete, url, nil)
	if status != http.StatusNoContent && status != http.StatusOK {
		t.Fatalf("delete key status = %d", status)
	}
}
