package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
	"github.com/dhruvvurhd/program-upgrade-system/internal/jobs"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
	"github.com/dhruvvurhd/program-upgrade-system/internal/rollback"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *jobs.Runner
	Rollback *rollback.Coordinator
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"timelock_not_expired"`
	Message string         `json:"message" example:"proposal is not executable yet"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

// New returns an HTTP handler exposing the upgrade API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runner == nil || cfg.Rollback == nil {
		return nil, errors.New("server: runner and rollback coordinator are required")
	}
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
	observability.RegisterMetrics()
	if cfg.Auth.Logger == nil {
		l := cfg.Log
		cfg.Auth.Logger = &l
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Program Upgrade API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerRollbacks(group, cfg.Rollback)
	registerMigrations(group, cfg.Runner)
	registerSystem(group, cfg.Engine)
	registerEvents(group, cfg.Engine.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs each request and feeds the HTTP metrics.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			observability.RecordHTTPRequest(r.Method, route, status, elapsed)
			evt := log.Debug()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Dur("duration", elapsed).Msg("http request")
		})
	}
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

// handleError maps the error taxonomy onto HTTP statuses. The code is the
// error kind so clients can tell retryable failures from permanent ones.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := domain.CodeOf(err)
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrDuplicateApproval):
		return newAPIError(http.StatusConflict, code, msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "request_cancelled", msg, nil)
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryAuthorization:
		return newAPIError(http.StatusForbidden, code, msg, nil)
	case domain.CategoryState:
		return newAPIError(http.StatusConflict, code, msg, nil)
	case domain.CategoryValidation:
		return newAPIError(http.StatusBadRequest, code, msg, nil)
	case domain.CategoryNotFound:
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case domain.CategoryInfrastructure:
		return newAPIError(http.StatusServiceUnavailable, code, "storage unavailable, retry later", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>Program Upgrade API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var proposalErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

type proposalPath struct {
	ID string `path:"id"`
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit an upgrade proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        proposalErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*response[domain.Proposal], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Submit(ctx, principal, input.Body.TargetArtifact, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"proposed,approved,timelock_active,executed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*response[ProposalList], error) {
		items, err := e.ListProposals(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ProposalList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get a proposal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*response[domain.Proposal], error) {
		p, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}/approvals",
		Summary:     "List approvals in recorded order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*response[ApprovalList], error) {
		items, err := e.Approvals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ApprovalList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve a proposal as the calling principal",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*response[engine.ApprovalResult], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, input.ID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/execute",
		Summary:     "Execute a proposal whose timelock has elapsed",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*response[engine.ExecutionResult], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Execute(ctx, input.ID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/cancel",
		Summary:     "Cancel a non-terminal proposal",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *CancelProposalRequest `json:"body,omitempty" required:"false"`
	}) (*response[domain.Proposal], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		p, err := e.Cancel(ctx, input.ID, principal, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerRollbacks(api huma.API, c *rollback.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID:   "rollback-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals/{id}/rollback",
		Summary:       "Pause, file a compensating proposal and resume",
		DefaultStatus: http.StatusCreated,
		Errors:        proposalErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body RollbackRequest `json:"body"`
	}) (*response[rollback.Result], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := c.ExecuteRollback(ctx, input.ID, input.Body.Reason, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rollbacks",
		Method:      http.MethodGet,
		Path:        "/rollbacks",
		Summary:     "List rollback records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProposalID string `query:"proposal_id"`
	}) (*response[RollbackList], error) {
		items, err := c.List(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RollbackList{Items: nonNilSlice(items)}), nil
	})
}

type jobPath struct {
	ID string `path:"id"`
}

func registerMigrations(api huma.API, r *jobs.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-migration",
		Method:        http.MethodPost,
		Path:          "/migrations",
		Summary:       "Start a migration job for an executed proposal",
		DefaultStatus: http.StatusAccepted,
		Errors:        proposalErrors,
	}, func(ctx context.Context, input *struct {
		Body StartMigrationRequest `json:"body"`
	}) (*response[domain.MigrationJob], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := r.Start(ctx, input.Body.ProposalID, input.Body.RecordRefs, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "migration-progress",
		Method:      http.MethodGet,
		Path:        "/migrations/{id}/progress",
		Summary:     "Migration job progress",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*response[domain.Progress], error) {
		p, err := r.Progress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "migration-failures",
		Method:      http.MethodGet,
		Path:        "/migrations/{id}/failures",
		Summary:     "Failed item results of a job",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*response[ItemResultList], error) {
		items, err := r.FailedItems(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ItemResultList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-migration",
		Method:      http.MethodPost,
		Path:        "/migrations/{id}/cancel",
		Summary:     "Stop a running migration job between items",
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *jobPath) (*response[domain.Progress], error) {
		principal, authErr := principalID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := r.Cancel(ctx, input.ID, principal)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func registerSystem(api huma.API, e engine.Engine) {
	state := func(s domain.SystemState) SystemResponse {
		return SystemResponse{
			SystemState: s,
			Members:     e.Members.Members(),
			Threshold:   e.Members.Threshold(),
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "system-status",
		Method:      http.MethodGet,
		Path:        "/system",
		Summary:     "Pause flag, current artifact and membership",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[SystemResponse], error) {
		s, err := e.Members.State(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(state(s)), nil
	})

	for _, op := range []struct {
		id, path, summary string
		apply             func(context.Context, string) (domain.SystemState, error)
	}{
		{"pause-system", "/system/pause", "Pause execution and migration starts", e.Members.Pause},
		{"resume-system", "/system/resume", "Resume execution and migration starts", e.Members.Resume},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
		}, func(ctx context.Context, _ *struct{}) (*response[SystemResponse], error) {
			principal, authErr := principalID(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := apply(ctx, principal)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(state(s)), nil
		})
	}
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"proposal,migration_job,system"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(domain.Unavailable(err))
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
