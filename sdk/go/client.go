package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Evidence represents one recorded proof of a playbook action.
type Evidence struct {
	EvidenceID    string         `json:"evidence_id"`
	TenantID      string         `json:"tenant_id"`
	OpportunityID string         `json:"opportunity_id"`
	StageID       string         `json:"stage_id"`
	ActionID      string         `json:"action_id,omitempty"`
	EvidenceType  string         `json:"evidence_type"`
	CollectedAt   string         `json:"collected_at"`
	CollectedBy   string         `json:"collected_by"`
	Data          map[string]any `json:"data,omitempty"`
	Source        string         `json:"source,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
}

// TransitionRequest names one stage change attempt.
type TransitionRequest struct {
	PipelineID       string `json:"pipeline_id,omitempty"`
	PlaybookID       string `json:"playbook_id,omitempty"`
	CurrentStageID   string `json:"current_stage_id"`
	RequestedStageID string `json:"requested_stage_id"`
	ElapsedMinutes   int    `json:"elapsed_minutes,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	Trigger          string `json:"trigger,omitempty"`
	Mode             string `json:"mode,omitempty"`
}

// TransitionDecision is the enforcement outcome (partial).
type TransitionDecision struct {
	Allowed       bool           `json:"allowed"`
	Enforced      bool           `json:"enforced"`
	Mode          string         `json:"mode"`
	Reason        string         `json:"reason"`
	Evaluation    map[string]any `json:"evaluation"`
	Commands      []Command      `json:"commands,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// Command is a planned execution command (partial).
type Command struct {
	CommandID     string `json:"command_id"`
	OpportunityID string `json:"opportunity_id"`
	StageID       string `json:"stage_id"`
	ActionID      string `json:"action_id"`
	CommandType   string `json:"command_type"`
	Channel       string `json:"channel"`
	Priority      string `json:"priority"`
	CorrelationID string `json:"correlation_id"`
}

// AuditEvent is one entry of the transition audit log.
type AuditEvent struct {
	ID            int64  `json:"id"`
	TenantID      string `json:"tenant_id"`
	OpportunityID string `json:"opportunity_id"`
	PlaybookID    string `json:"playbook_id"`
	FromStage     string `json:"from_stage"`
	ToStage       string `json:"to_stage"`
	Trigger       string `json:"trigger"`
	Allowed       bool   `json:"allowed"`
	Enforced      bool   `json:"enforced"`
	Mode          string `json:"mode"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
	TS            string `json:"ts"`
}

// AuditPage wraps audit listings with a cursor.
type AuditPage struct {
	Items      []AuditEvent `json:"items"`
	NextCursor int64        `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RecordEvidence appends one evidence record for an opportunity.
func (c *Client) RecordEvidence(ctx context.Context, opportunityID string, ev Evidence) (Evidence, error) {
	var resp Evidence
	endpoint := c.tenantPath(fmt.Sprintf("opportunities/%s/evidence", url.PathEscape(opportunityID)))
	err := c.do(ctx, http.MethodPost, endpoint, ev, &resp)
	return resp, err
}

// ListEvidence returns the evidence log for an opportunity.
func (c *Client) ListEvidence(ctx context.Context, opportunityID, stageID string) ([]Evidence, error) {
	endpoint := c.tenantPath(fmt.Sprintf("opportunities/%s/evidence", url.PathEscape(opportunityID)))
	if stageID != "" {
		endpoint = fmt.Sprintf("%s?stage_id=%s", endpoint, url.QueryEscape(stageID))
	}
	var resp []Evidence
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EvaluateTransition asks the gate whether a stage change is allowed.
func (c *Client) EvaluateTransition(ctx context.Context, opportunityID string, req TransitionRequest) (TransitionDecision, error) {
	var resp TransitionDecision
	endpoint := c.tenantPath(fmt.Sprintf("opportunities/%s/transitions/evaluate", url.PathEscape(opportunityID)))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// PlanActions returns the execution commands for a stage.
func (c *Client) PlanActions(ctx context.Context, opportunityID, stageID, playbookID string) ([]Command, error) {
	var resp struct {
		Commands []Command `json:"commands"`
	}
	endpoint := c.tenantPath(fmt.Sprintf("opportunities/%s/stages/%s/plan", url.PathEscape(opportunityID), url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"playbook_id": playbookID}, &resp)
	return resp.Commands, err
}

// AuditEvents returns the latest audit events for the tenant.
func (c *Client) AuditEvents(ctx context.Context, opportunityID string, limit int) (AuditPage, error) {
	endpoint := c.tenantPath("audit")
	params := url.Values{}
	if opportunityID != "" {
		params.Set("opportunity_id", opportunityID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if q := params.Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status returns the tenant governance summary.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.tenantPath("status"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
