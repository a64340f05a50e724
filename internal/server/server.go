package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/policy"
	"gateline/internal/repo"
	"gateline/internal/router"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"close_guard"`
	Message string         `json:"message" example:"task is todo, close requires doing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	mux := chi.NewRouter()
	mux.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRoute(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerPolicy(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerAgents(group, cfg.Engine)

	return mux, nil
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

// handleError maps engine and repo failures onto the error envelope. Guard
// and idempotency rejections become conflicts with their stable codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *router.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), map[string]any{"field": verr.Field})
	}
	var cerr *engine.CodedError
	if errors.As(err, &cerr) {
		status := http.StatusConflict
		if cerr.Code == engine.CodeValidation {
			status = http.StatusBadRequest
		}
		return newAPIError(status, cerr.Code, cerr.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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

func registerRoute(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "route-request",
		Method:      http.MethodPost,
		Path:        "/route",
		Summary:     "Route a work request through classification and the governance gate",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RouteRequest `json:"body"`
	}) (*struct {
		Body engine.RouteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Route(ctx, input.Body.Request, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RouteResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Owner     string `query:"owner"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			SessionID: input.SessionID,
			Owner:     input.Owner,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pop-next-task",
		Method:      http.MethodPost,
		Path:        "/tasks/next",
		Summary:     "Pop the next eligible task through the autonomy and stop-loss gates",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TaskNextRequest `json:"body"`
	}) (*struct {
		Body engine.PopResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.PopNext(ctx, engine.PopOptions{
			SessionID:    input.Body.SessionID,
			Owner:        input.Body.Owner,
			ExcludeStubs: input.Body.ExcludeStubs,
			Actor:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PopResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-next-task",
		Method:      http.MethodPost,
		Path:        "/tasks/execute",
		Summary:     "Run one pop-dispatch-close cycle",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TaskNextRequest `json:"body"`
	}) (*struct {
		Body engine.ExecuteResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ExecuteNext(ctx, engine.PopOptions{
			SessionID:    input.Body.SessionID,
			Owner:        input.Body.Owner,
			ExcludeStubs: input.Body.ExcludeStubs,
			Actor:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExecuteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/close",
		Summary:     "Close a doing task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   TaskCloseRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Close(ctx, engine.CloseOptions{
			TaskID:     input.TaskID,
			Reason:     input.Body.Reason,
			ArtifactID: input.Body.ArtifactID,
			Actor:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-loss-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/stop-loss",
		Summary:     "Apply the stop-loss gate to a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   StopLossRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApplyStopLoss(ctx, engine.StopLossOptions{
			TaskID:      input.TaskID,
			FailureType: input.Body.FailureType,
			Reason:      input.Body.Reason,
			Step:        input.Body.Step,
			Actor:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/review",
		Summary:     "Apply a human review decision to a blocked task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Review(ctx, engine.ReviewOptions{
			TaskID:   input.TaskID,
			Decision: input.Body.Decision,
			Reason:   input.Body.Reason,
			Reviewer: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SessionOpenRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.OpenSession(ctx, input.Body.ID, input.Body.Initiator, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		sessions, err := e.Repo.ListSessions(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Sessions: sessions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/close",
		Summary:     "Close an open session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      SessionCloseRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CloseSession(ctx, input.SessionID, input.Body.Summary, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "policy-check",
		Method:      http.MethodPost,
		Path:        "/policy/check",
		Summary:     "Evaluate the autonomy gate against a hypothetical task",
	}, func(ctx context.Context, input *struct {
		Body PolicyCheckRequest `json:"body"`
	}) (*struct {
		Body PolicyCheckResponse `json:"body"`
	}, error) {
		v := e.Gate.Check(input.Body.Title, input.Body.Details, input.Body.Intent)
		return &struct {
			Body PolicyCheckResponse `json:"body"`
		}{Body: PolicyCheckResponse{OK: v.Allowed, Verdict: v}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "policy-validate",
		Method:      http.MethodPost,
		Path:        "/policy/validate",
		Summary:     "Validate a policy document, or the workspace policy when none is supplied",
	}, func(ctx context.Context, input *struct {
		Body PolicyValidateRequest `json:"body"`
	}) (*struct {
		Body PolicyValidateResponse `json:"body"`
	}, error) {
		var (
			p   *policy.Policy
			err error
		)
		if input.Body.Document != "" {
			p, err = policy.FromYAML([]byte(input.Body.Document))
		} else {
			p, err = policy.Load(e.Workspace)
		}
		if err != nil {
			return &struct {
				Body PolicyValidateResponse `json:"body"`
			}{Body: PolicyValidateResponse{OK: false, Error: err.Error()}}, nil
		}
		return &struct {
			Body PolicyValidateResponse `json:"body"`
		}{Body: PolicyValidateResponse{OK: true, Version: p.Version}}, nil
	})
}

func registerLog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the action ledger",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body ActionListResponse `json:"body"`
	}, error) {
		acts, err := e.Repo.LatestActions(ctx, repo.ActionFilters{
			SessionID: input.SessionID,
			Type:      input.Type,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionListResponse `json:"body"`
		}{Body: ActionListResponse{Actions: acts}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List the agent registry",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentListResponse `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentListResponse `json:"body"`
		}{Body: AgentListResponse{Agents: agents}}, nil
	})
}
