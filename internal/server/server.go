// Package server exposes the conveyancing engine over HTTP with an OpenAPI
// surface, JWT or API-key authentication and a uniform error envelope.
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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"conveyor/internal/casefile"
	"conveyor/internal/catalog"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/portalsync"
	"conveyor/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Catalog  catalog.Catalog
	Machine  *casefile.Machine
	Sync     *portalsync.Coordinator
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"transaction_id is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Conveyor API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Conveyor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Catalog)
	registerOrchestration(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerCases(group, cfg.Machine)
	registerDocuments(group, cfg.Machine)
	registerSync(group, cfg.Sync)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var tmpl *domain.TemplateInvalidError
	if errors.As(err, &tmpl) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_template", err.Error(), map[string]any{"template_id": tmpl.TemplateID})
	}
	var dep domain.DependencyError
	if errors.As(err, &dep) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_blocked", err.Error(), map[string]any{"task_id": dep.TaskID, "missing": dep.Missing})
	}
	var val domain.ValidationError
	if errors.As(err, &val) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Conveyor API Docs</title>
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

func registerTemplates(api huma.API, cat catalog.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Publish workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PublishTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tpl, err := cat.Publish(ctx, input.Body.toDomain(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List published templates",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []domain.WorkflowTemplate `json:"body"`
	}, error) {
		items, err := cat.List(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowTemplate{}
		}
		return &struct {
			Body []domain.WorkflowTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.WorkflowTemplate `json:"body"`
	}, error) {
		tpl, err := cat.Get(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTemplate `json:"body"`
		}{Body: tpl}, nil
	})
}

func registerOrchestration(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "orchestrate",
		Method:        http.MethodPost,
		Path:          "/orchestrate",
		Summary:       "Instantiate a workflow template for a transaction",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body OrchestrateRequest `json:"body"`
	}) (*struct {
		Body OrchestrateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Instantiate(ctx, input.Body.TemplateID, engine.TransactionContext{
			TransactionID: input.Body.TransactionID,
			BuyerID:       input.Body.BuyerID,
			PropertyID:    input.Body.PropertyID,
			Type:          input.Body.Type,
		}, engine.InstantiateOptions{AutoAssign: input.Body.AutoAssign})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrchestrateResponse `json:"body"`
		}{Body: OrchestrateResponse{
			Success:             true,
			WorkflowInstanceID:  res.TransactionID,
			OrchestratedTasks:   emptyTasksIfNil(res.Tasks),
			EstimatedCompletion: res.EstimatedCompletion,
			Warnings:            emptyIfNil(res.Warnings),
			Errors:              []string{},
		}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "active-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List active tasks",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
		Role   string `query:"role"`
	}) (*struct {
		Body []domain.TaskInstance `json:"body"`
	}, error) {
		items, err := e.GetActiveTasks(ctx, input.UserID, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskInstance `json:"body"`
		}{Body: emptyTasksIfNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.TaskInstance `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskInstance `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Update task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body UpdateTaskStatusResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateTaskStatus(ctx, input.TaskID, input.Body.Status, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateTaskStatusResponse `json:"body"`
		}{Body: UpdateTaskStatusResponse{
			Success:        len(res.Warnings) == 0,
			Task:           res.Task,
			TriggeredTasks: emptyTasksIfNil(res.TriggeredTasks),
			Warnings:       emptyIfNil(res.Warnings),
		}}, nil
	})
}

func registerTimeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transaction-timeline",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}/timeline",
		Summary:     "Compute the schedule projection for a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TimelineResponse `json:"body"`
	}, error) {
		tl, err := e.Timeline(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimelineResponse `json:"body"`
		}{Body: TimelineResponse{TransactionID: input.TransactionID, Timeline: tl}}, nil
	})
}

func registerCases(api huma.API, m *casefile.Machine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case for a transaction",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OpenCaseRequest `json:"body"`
	}) (*struct {
		Body domain.CaseRecord `json:"body"`
	}, error) {
		if input.Body.TransactionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "transaction_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := m.Open(ctx, input.Body.TransactionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseRecord `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body domain.CaseRecord `json:"body"`
	}, error) {
		c, err := m.Get(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseRecord `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPatch,
		Path:        "/cases/{case_id}/status",
		Summary:     "Transition case status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   CaseTransitionRequest `json:"body"`
	}) (*struct {
		Body CaseTransitionResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := m.Transition(ctx, input.CaseID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseTransitionResponse `json:"body"`
		}{Body: CaseTransitionResponse{
			Success:  len(res.Warnings) == 0,
			Case:     res.Case,
			Warnings: emptyIfNil(res.Warnings),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-solicitor",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/solicitor",
		Summary:     "Assign the acting solicitor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string                 `path:"case_id"`
		Body   AssignSolicitorRequest `json:"body"`
	}) (*struct {
		Body domain.CaseRecord `json:"body"`
	}, error) {
		if input.Body.SolicitorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "solicitor_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := m.AssignSolicitor(ctx, input.CaseID, input.Body.SolicitorID, actorID); err != nil {
			return nil, handleError(err)
		}
		c, err := m.Get(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseRecord `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/milestones",
		Summary:     "List case milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		if _, err := m.Get(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := m.Repo.ListMilestones(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Milestone{}
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: items}, nil
	})
}

func registerDocuments(api huma.API, m *casefile.Machine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-document-requirements",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents",
		Summary:     "List document requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []domain.DocumentRequirement `json:"body"`
	}, error) {
		if _, err := m.Get(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := m.Repo.ListDocumentRequirements(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DocumentRequirement{}
		}
		return &struct {
			Body []domain.DocumentRequirement `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-document",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/documents",
		Summary:       "Submit a document for a requirement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   SubmitDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.SubmittedDocument `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := m.SubmitDocument(ctx, input.CaseID, input.Body.RequirementID, input.Body.Ref, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SubmittedDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-document",
		Method:      http.MethodPost,
		Path:        "/documents/{requirement_id}/review",
		Summary:     "Verify or reject a submitted document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequirementID string                `path:"requirement_id"`
		Body          ReviewDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentRequirement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := m.ReviewDocument(ctx, input.RequirementID, input.Body.Verified, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		req, err := m.Repo.GetDocumentRequirement(ctx, input.RequirementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentRequirement `json:"body"`
		}{Body: req}, nil
	})
}

func registerSync(api huma.API, coord *portalsync.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-sync",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/sync",
		Summary:       "Queue a portal sync delta",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   EnqueueSyncRequest `json:"body"`
	}) (*struct {
		Body domain.SyncRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := coord.Enqueue(ctx, input.CaseID, input.Body.Direction, input.Body.Kind, input.Body.Payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-records",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/sync",
		Summary:     "List sync records for a case",
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.SyncRecord `json:"body"`
	}, error) {
		items, err := coord.Records(ctx, input.CaseID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SyncRecord{}
		}
		return &struct {
			Body []domain.SyncRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-stats",
		Method:      http.MethodGet,
		Path:        "/sync/stats",
		Summary:     "Sync queue depth per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		counts, err := coord.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sync-record",
		Method:      http.MethodGet,
		Path:        "/sync/{record_id}",
		Summary:     "Get a sync record with its error history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.SyncRecord `json:"body"`
	}, error) {
		rec, err := coord.Record(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		TransactionID string `query:"transaction_id"`
		Type          string `query:"type"`
		EntityKind    string `query:"entity_kind"`
		EntityID      string `query:"entity_id"`
		Limit         int    `query:"limit"`
		Cursor        int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.TransactionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
