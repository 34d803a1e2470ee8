package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rollup/internal/domain"
	"rollup/internal/engine"
	"rollup/internal/repo"
)

// ActorHeader carries the caller identity recorded on events and completions.
const ActorHeader = "X-Actor-Id"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// DefaultActor is used when a request carries no ActorHeader.
	DefaultActor string
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"sequence_conflict"`
	Message string         `json:"message" example:"sequence 2 is already used by another task under cus_1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"sequence\":2}"`
}

type actorKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the rollup API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	defaultActor := cfg.DefaultActor
	if defaultActor == "" {
		defaultActor = "api"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor == "" {
				actor = defaultActor
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	})
	router.Use(requestLogger(logger))
	hcfg := huma.DefaultConfig("Rollup API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCustomers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSubtasks(group, cfg.Engine)
	registerRecalc(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "actor", actorFromContext(r.Context()))
		})
	}
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"field": ve.Field}
		if len(ve.Allowed) > 0 {
			details["allowed"] = ve.Allowed
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var se *engine.SequenceConflictError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "sequence_conflict", err.Error(), map[string]any{
			"kind": se.Kind, "parent_id": se.ParentID, "sequence": se.Sequence,
		})
	}
	var vc *engine.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{"expected_version": vc.Expected})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
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

// registerOpenAPI serves the document built on first request; routes are
// all registered by then.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
		err  error
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
					},
				},
			}
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
    <title>Rollup API Docs</title>
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
      Send X-Actor-Id to attribute writes to a caller.
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

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerCustomers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-customer",
		Method:        http.MethodPost,
		Path:          "/customers",
		Summary:       "Create customer",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCustomerRequest `json:"body"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		opts := engine.CustomerCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			Name:      input.Body.Name,
			Status:    domain.CustomerStatus(stringOrEmpty(input.Body.Status)),
			Priority:  domain.Priority(stringOrEmpty(input.Body.Priority)),
			StartDate: stringOrEmpty(input.Body.StartDate),
			DueDate:   stringOrEmpty(input.Body.DueDate),
			ActorID:   actorFromContext(ctx),
		}
		c, err := e.CreateCustomer(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-customers",
		Method:      http.MethodGet,
		Path:        "/customers",
		Summary:     "List customers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"planning,active,on-hold,completed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.Customer `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.ListCustomers(ctx, repo.CustomerFilter{
			Status: domain.CustomerStatus(input.Status),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Customer `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-customer",
		Method:      http.MethodGet,
		Path:        "/customers/{id}",
		Summary:     "Get customer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		c, err := e.GetCustomer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-customer",
		Method:      http.MethodPatch,
		Path:        "/customers/{id}",
		Summary:     "Update customer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateCustomerRequest `json:"body"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		opts := engine.CustomerUpdateOptions{
			ID:              input.ID,
			Name:            input.Body.Name,
			StartDate:       input.Body.StartDate,
			DueDate:         input.Body.DueDate,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorFromContext(ctx),
		}
		if input.Body.Status != nil {
			s := domain.CustomerStatus(*input.Body.Status)
			opts.Status = &s
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			opts.Priority = &p
		}
		c, err := e.UpdateCustomer(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "customer-drift",
		Method:      http.MethodGet,
		Path:        "/customers/{id}/drift",
		Summary:     "Report stored progress that disagrees with the hierarchy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DriftResponse `json:"body"`
	}, error) {
		items, err := e.Drift(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DriftResponse `json:"body"`
		}{Body: DriftResponse{CustomerID: input.ID, Items: nonNilSlice(items)}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/customers/{id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateChildRequest `json:"body"`
	}) (*struct {
		Body TaskWriteResponse `json:"body"`
	}, error) {
		child, p, err := e.CreateChild(ctx, domain.KindTask, input.ID, childFields(input.Body), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWrite(*child.Task, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/customers/{id}/tasks",
		Summary:     "List a customer's tasks in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"pending,in-progress,completed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.Task `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := e.GetCustomer(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilter{
			CustomerID: input.ID,
			Status:     domain.WorkStatus(input.Status),
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Task `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Description: "Setting customer_id moves the task; both customers are recomputed.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskWriteResponse `json:"body"`
	}, error) {
		opts := engine.TaskUpdateOptions{
			ID:              input.ID,
			CustomerID:      input.Body.CustomerID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			DueDate:         input.Body.DueDate,
			Sequence:        input.Body.Sequence,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorFromContext(ctx),
		}
		opts.Status, opts.Priority = workStatusPtr(input.Body.Status), priorityPtr(input.Body.Priority)
		t, p, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return taskWrite(t, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Set task status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body TaskWriteResponse `json:"body"`
	}, error) {
		child, p, err := e.UpdateChildStatus(ctx, domain.KindTask, input.ID, domain.WorkStatus(input.Body.Status), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWrite(*child.Task, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-progress",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/progress",
		Summary:     "Set progress of a task without subtasks",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SetProgressRequest `json:"body"`
	}) (*struct {
		Body TaskWriteResponse `json:"body"`
	}, error) {
		t, p, err := e.SetTaskProgress(ctx, input.ID, input.Body.Progress, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWrite(t, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task and its subtasks",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskWriteResponse `json:"body"`
	}, error) {
		child, p, err := e.DeleteChild(ctx, domain.KindTask, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return taskWrite(*child.Task, p), nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subtask",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/subtasks",
		Summary:       "Create subtask",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID         string             `path:"id"`
		CustomerID string             `query:"customer_id" doc:"Reject the create unless the task belongs to this customer"`
		Body       CreateChildRequest `json:"body"`
	}) (*struct {
		Body SubtaskWriteResponse `json:"body"`
	}, error) {
		fields := childFields(input.Body)
		fields.CustomerID = input.CustomerID
		child, p, err := e.CreateChild(ctx, domain.KindSubtask, input.ID, fields, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return subtaskWrite(*child.Subtask, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/subtasks",
		Summary:     "List a task's subtasks in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"pending,in-progress,completed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []domain.Subtask `json:"items"`
		} `json:"body"`
	}, error) {
		if _, err := e.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSubtasks(ctx, repo.SubtaskFilter{
			TaskID: input.ID,
			Status: domain.WorkStatus(input.Status),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Subtask `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = nonNilSlice(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subtask",
		Method:      http.MethodGet,
		Path:        "/subtasks/{id}",
		Summary:     "Get subtask",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Subtask `json:"body"`
	}, error) {
		st, err := e.GetSubtask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subtask `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-subtask",
		Method:      http.MethodPatch,
		Path:        "/subtasks/{id}",
		Summary:     "Update subtask",
		Description: "Setting task_id moves the subtask; both tasks and their customers are recomputed.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSubtaskRequest `json:"body"`
	}) (*struct {
		Body SubtaskWriteResponse `json:"body"`
	}, error) {
		opts := engine.SubtaskUpdateOptions{
			ID:              input.ID,
			TaskID:          input.Body.TaskID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			DueDate:         input.Body.DueDate,
			Sequence:        input.Body.Sequence,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorFromContext(ctx),
		}
		opts.Status, opts.Priority = workStatusPtr(input.Body.Status), priorityPtr(input.Body.Priority)
		st, p, err := e.UpdateSubtask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return subtaskWrite(st, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-subtask-status",
		Method:      http.MethodPut,
		Path:        "/subtasks/{id}/status",
		Summary:     "Set subtask status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body SubtaskWriteResponse `json:"body"`
	}, error) {
		child, p, err := e.UpdateChildStatus(ctx, domain.KindSubtask, input.ID, domain.WorkStatus(input.Body.Status), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return subtaskWrite(*child.Subtask, p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subtask",
		Method:      http.MethodDelete,
		Path:        "/subtasks/{id}",
		Summary:     "Delete subtask",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubtaskWriteResponse `json:"body"`
	}, error) {
		child, p, err := e.DeleteChild(ctx, domain.KindSubtask, input.ID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return subtaskWrite(*child.Subtask, p), nil
	})
}

func registerRecalc(api huma.API, e engine.Engine) {
	for _, kind := range []domain.Kind{domain.KindCustomer, domain.KindTask} {
		kind := kind
		huma.Register(api, huma.Operation{
			OperationID: "recalculate-" + string(kind),
			Method:      http.MethodPost,
			Path:        "/" + string(kind) + "s/{id}/recalculate",
			Summary:     "Recompute stored progress for a " + string(kind) + " subtree",
			Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body engine.RecalcResult `json:"body"`
		}, error) {
			res, err := e.RecalculateSubtree(ctx, kind, input.ID, actorFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.RecalcResult `json:"body"`
			}{Body: res}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CustomerID string `query:"customer_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"customer,task,subtask"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilter{
			CustomerID: input.CustomerID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// the cursor is exclusive, so the last returned id resumes after it
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func childFields(in CreateChildRequest) engine.ChildFields {
	return engine.ChildFields{
		ID:          stringOrEmpty(in.ID),
		Title:       in.Title,
		Description: stringOrEmpty(in.Description),
		Status:      domain.WorkStatus(stringOrEmpty(in.Status)),
		Priority:    domain.Priority(stringOrEmpty(in.Priority)),
		DueDate:     in.DueDate,
		Sequence:    in.Sequence,
	}
}

func taskWrite(t domain.Task, p engine.Propagation) *struct {
	Body TaskWriteResponse `json:"body"`
} {
	return &struct {
		Body TaskWriteResponse `json:"body"`
	}{Body: TaskWriteResponse{Task: t, Propagation: propagationResponse(p)}}
}

func subtaskWrite(st domain.Subtask, p engine.Propagation) *struct {
	Body SubtaskWriteResponse `json:"body"`
} {
	return &struct {
		Body SubtaskWriteResponse `json:"body"`
	}{Body: SubtaskWriteResponse{Subtask: st, Propagation: propagationResponse(p)}}
}

func workStatusPtr(s *string) *domain.WorkStatus {
	if s == nil {
		return nil
	}
	v := domain.WorkStatus(*s)
	return &v
}

func priorityPtr(s *string) *domain.Priority {
	if s == nil {
		return nil
	}
	v := domain.Priority(*s)
	return &v
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
