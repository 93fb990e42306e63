package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stagegate/internal/app"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/pipeline"
	"stagegate/internal/playbook"
	"stagegate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_blocked"`
	Message string         `json:"message" example:"requested stage does not match playbook next stage"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stagegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stagegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerPipelines(group, cfg.Engine)
	registerPlaybooks(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerActors(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, playbook.ErrVersionExists) {
		return newAPIError(http.StatusConflict, "version_exists", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid playbook"), strings.Contains(lowered, "unknown canonical stage"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stagegate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}",
		Summary:       "Initialize tenant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tenantID, cfg, err := app.ResolveTenantAndConfig(ctx, input.TenantID, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"tenant_id": tenantID, "mode": string(cfg.Mode())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Tenant `json:"body"`
	}, error) {
		items, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Tenant `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/status",
		Summary:     "Tenant status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		status, err := e.Status(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Get tenant config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetTenantConfig(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: data}, nil
	})
}

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-pipeline",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/pipelines/{pipeline_id}",
		Summary:     "Set pipeline configuration",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID   string                       `path:"tenant_id"`
		PipelineID string                       `path:"pipeline_id"`
		Body       domain.PipelineConfiguration `json:"body"`
	}) (*struct {
		Body domain.PipelineConfiguration `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg := input.Body
		cfg.TenantID = input.TenantID
		cfg.PipelineID = input.PipelineID
		if err := e.SetPipeline(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/pipelines/{pipeline_id}",
		Summary:     "Get pipeline configuration",
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body domain.PipelineConfiguration `json:"body"`
	}, error) {
		cfg := e.Pipelines.GetPipelineConfiguration(input.TenantID, input.PipelineID)
		return &struct {
			Body domain.PipelineConfiguration `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/pipelines/{pipeline_id}/validate-transition",
		Summary:     "Validate a canonical stage transition",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID   string                    `path:"tenant_id"`
		PipelineID string                    `path:"pipeline_id"`
		Body       ValidateTransitionRequest `json:"body"`
	}) (*struct {
		Body pipeline.ValidationResult `json:"body"`
	}, error) {
		if input.Body.FromStage == "" || input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "from_stage and to_stage are required", nil)
		}
		cfg := e.Pipelines.GetPipelineConfiguration(input.TenantID, input.PipelineID)
		res := pipeline.Validate(domain.CanonicalStage(input.Body.FromStage), domain.CanonicalStage(input.Body.ToStage), cfg.AllowedTransitions)
		return &struct {
			Body pipeline.ValidationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPlaybooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-playbook",
		Method:        http.MethodPost,
		Path:          "/playbooks",
		Summary:       "Publish playbook",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.Playbook `json:"body"`
	}) (*struct {
		Body domain.Playbook `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		pb := input.Body
		for id, st := range pb.Stages {
			st.StageID = id
			pb.Stages[id] = st
		}
		if err := e.PublishPlaybook(ctx, pb); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Playbook `json:"body"`
		}{Body: pb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-playbook",
		Method:      http.MethodPost,
		Path:        "/playbooks/validate",
		Summary:     "Validate playbook without publishing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.Playbook `json:"body"`
	}) (*struct {
		Body PlaybookValidationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		pb := input.Body
		for id, st := range pb.Stages {
			st.StageID = id
			pb.Stages[id] = st
		}
		res := e.ValidatePlaybook(pb)
		return &struct {
			Body PlaybookValidationResponse `json:"body"`
		}{Body: PlaybookValidationResponse{Valid: res.Valid, Errors: res.Errors}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-playbooks",
		Method:      http.MethodGet,
		Path:        "/playbooks",
		Summary:     "List published playbooks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Playbook `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Playbook `json:"body"`
		}{Body: nonNilSlice(e.Playbooks.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-playbook",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/playbooks/{playbook_id}",
		Summary:     "Get playbook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		PlaybookID string `path:"playbook_id"`
	}) (*struct {
		Body domain.Playbook `json:"body"`
	}, error) {
		pb, ok := e.Playbooks.GetPlaybook(input.TenantID, input.PlaybookID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("playbook %s not found", input.PlaybookID), nil)
		}
		return &struct {
			Body domain.Playbook `json:"body"`
		}{Body: pb}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-evidence",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/opportunities/{opportunity_id}/evidence",
		Summary:       "Record evidence",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID      string                `path:"tenant_id"`
		OpportunityID string                `path:"opportunity_id"`
		Body          RecordEvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.ActionEvidence `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		collectedBy := stringOrEmpty(input.Body.CollectedBy)
		if collectedBy == "" {
			collectedBy = actorID
		}
		ev, err := e.RecordEvidence(ctx, domain.ActionEvidence{
			EvidenceID:    stringOrEmpty(input.Body.EvidenceID),
			TenantID:      input.TenantID,
			OpportunityID: input.OpportunityID,
			StageID:       input.Body.StageID,
			ActionID:      stringOrEmpty(input.Body.ActionID),
			EvidenceType:  input.Body.EvidenceType,
			CollectedAt:   stringOrEmpty(input.Body.CollectedAt),
			CollectedBy:   collectedBy,
			Data:          input.Body.Data,
			Source:        stringOrEmpty(input.Body.Source),
			Confidence:    floatOrZero(input.Body.Confidence),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionEvidence `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/opportunities/{opportunity_id}/evidence",
		Summary:     "List evidence",
	}, func(ctx context.Context, input *struct {
		TenantID      string `path:"tenant_id"`
		OpportunityID string `path:"opportunity_id"`
		StageID       string `query:"stage_id"`
		EvidenceType  string `query:"evidence_type"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.ActionEvidence `json:"body"`
	}, error) {
		items, err := e.ListEvidence(ctx, repo.EvidenceFilters{
			TenantID:      input.TenantID,
			OpportunityID: input.OpportunityID,
			StageID:       input.StageID,
			EvidenceType:  input.EvidenceType,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionEvidence `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-transition",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/opportunities/{opportunity_id}/transitions/evaluate",
		Summary:     "Evaluate a stage transition request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID      string                    `path:"tenant_id"`
		OpportunityID string                    `path:"opportunity_id"`
		Body          EvaluateTransitionRequest `json:"body"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.EvaluateTransition(ctx, engine.TransitionOptions{
			TenantID:         input.TenantID,
			OpportunityID:    input.OpportunityID,
			PipelineID:       input.Body.PipelineID,
			PlaybookID:       input.Body.PlaybookID,
			CurrentStageID:   input.Body.CurrentStageID,
			RequestedStageID: input.Body.RequestedStageID,
			ElapsedMinutes:   input.Body.ElapsedMinutes,
			CorrelationID:    input.Body.CorrelationID,
			Trigger:          input.Body.Trigger,
			Mode:             domain.EnforcementMode(input.Body.Mode),
		})
		if err != nil {
			return nil, handleError(err)
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: data}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-stage",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/opportunities/{opportunity_id}/stages/{stage_id}/evaluate",
		Summary:     "Evaluate a stage against recorded evidence",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TenantID      string               `path:"tenant_id"`
		OpportunityID string               `path:"opportunity_id"`
		StageID       string               `path:"stage_id"`
		Body          EvaluateStageRequest `json:"body"`
	}) (*struct {
		Body EvaluateStageResponse `json:"body"`
	}, error) {
		res, err := e.EvaluateStage(ctx, input.TenantID, input.Body.PlaybookID, input.OpportunityID, input.StageID, input.Body.ElapsedMinutes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluateStageResponse `json:"body"`
		}{Body: EvaluateStageResponse{Evaluation: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-actions",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/opportunities/{opportunity_id}/stages/{stage_id}/plan",
		Summary:     "Plan execution commands for a stage",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TenantID      string             `path:"tenant_id"`
		OpportunityID string             `path:"opportunity_id"`
		StageID       string             `path:"stage_id"`
		Body          PlanActionsRequest `json:"body"`
	}) (*struct {
		Body PlanActionsResponse `json:"body"`
	}, error) {
		commands, err := e.PlanActions(ctx, input.TenantID, input.Body.PlaybookID, input.OpportunityID, input.StageID, input.Body.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanActionsResponse `json:"body"`
		}{Body: PlanActionsResponse{Commands: nonNilSlice(commands)}}, nil
	})
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "select-actor",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/actors/select",
		Summary:     "Select the executing actor for a command",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string       `path:"tenant_id"`
		Body     ActorRequest `json:"body"`
	}) (*struct {
		Body SelectActorResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		assessment, selected := e.SelectActor(ctx, input.TenantID, input.Body.Command, input.Body.Risk)
		return &struct {
			Body SelectActorResponse `json:"body"`
		}{Body: SelectActorResponse{Assessment: assessment, Selected: selected}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assess-actors",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/actors/assess",
		Summary:     "Assess all actor types for a command",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string       `path:"tenant_id"`
		Body     ActorRequest `json:"body"`
	}) (*struct {
		Body AssessActorsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		assessment, caps := e.AssessActors(ctx, input.TenantID, input.Body.Command, input.Body.Risk)
		return &struct {
			Body AssessActorsResponse `json:"body"`
		}{Body: AssessActorsResponse{Assessment: assessment, Capabilities: caps}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/audit",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		TenantID      string `path:"tenant_id"`
		OpportunityID string `query:"opportunity_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body AuditEventsResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestAuditEvents(ctx, input.TenantID, input.OpportunityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		var next int64
		if len(items) > 0 {
			next = items[len(items)-1].ID
		}
		return &struct {
			Body AuditEventsResponse `json:"body"`
		}{Body: AuditEventsResponse{Items: nonNilSlice(items), NextCursor: next}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		Body     CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			TenantID:  input.TenantID,
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			TenantID:  key.TenantID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       rawKey,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/tenants/{tenant_id}/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		KeyID    string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID  string `json:"actor_id"`
			TenantID string `json:"tenant_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.ActorID,
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			},
			TenantID: input.Body.TenantID,
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": signed}}, nil
	})
}
