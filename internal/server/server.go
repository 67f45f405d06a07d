package server

import (
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid machine status transition breakdown -> operational"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shopfloor API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
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
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Shopfloor API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMachines(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerCapacity(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
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

// handleError maps typed engine errors onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var te *domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	var de *domain.DownstreamError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadGateway, "downstream_error", err.Error(), nil)
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
		return "invalid_transition"
	case http.StatusBadGateway:
		return "downstream_error"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Shopfloor API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerMachines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-machine",
		Method:        http.MethodPost,
		Path:          "/machines",
		Summary:       "Register machine",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMachineRequest `json:"body"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMachine(ctx, engine.MachineCreateOptions{
			Name:              input.Body.Name,
			Type:              input.Body.Type,
			Capacity:          input.Body.Capacity,
			CapacityUnit:      input.Body.CapacityUnit,
			HoursPerDay:       input.Body.HoursPerDay,
			Status:            input.Body.Status,
			NextMaintenanceAt: input.Body.NextMaintenanceAt,
			Notes:             input.Body.Notes,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Machine `json:"body"`
	}, error) {
		items, err := e.ListMachines(ctx, repo.MachineFilters{Type: input.Type, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Machine{}
		}
		return &struct {
			Body []domain.Machine `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-machine",
		Method:      http.MethodGet,
		Path:        "/machines/{id}",
		Summary:     "Get machine",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		m, err := e.GetMachine(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-machine",
		Method:      http.MethodPatch,
		Path:        "/machines/{id}",
		Summary:     "Update machine",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateMachineRequest `json:"body"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMachine(ctx, input.ID, engine.MachineUpdateOptions{
			Name:              input.Body.Name,
			Type:              input.Body.Type,
			Capacity:          input.Body.Capacity,
			CapacityUnit:      input.Body.CapacityUnit,
			HoursPerDay:       input.Body.HoursPerDay,
			NextMaintenanceAt: input.Body.NextMaintenanceAt,
			Notes:             input.Body.Notes,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-machine-status",
		Method:      http.MethodPatch,
		Path:        "/machines/{id}/status",
		Summary:     "Change machine status",
		Description: "Leaving operational pauses running work and moves waiting work to an alternative machine of the same type in the same transaction.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body UpdateMachineStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Machine `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMachineStatus(ctx, input.ID, input.Body.Status, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Machine `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-machine",
		Method:      http.MethodDelete,
		Path:        "/machines/{id}",
		Summary:     "Delete machine",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMachine(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-machine-queue",
		Method:      http.MethodGet,
		Path:        "/machines/{id}/queue",
		Summary:     "Get machine queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MachineQueueResponse `json:"body"`
	}, error) {
		m, items, err := e.GetMachineQueue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.QueueItem{}
		}
		return &struct {
			Body MachineQueueResponse `json:"body"`
		}{Body: MachineQueueResponse{Machine: m, Items: items}}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-item",
		Method:        http.MethodPost,
		Path:          "/machines/{id}/queue",
		Summary:       "Enqueue work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body EnqueueRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Enqueue(ctx, enqueueOptions(input.ID, input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-batch",
		Method:        http.MethodPost,
		Path:          "/queue/batch",
		Summary:       "Enqueue batch steps",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueBatchRequest `json:"body"`
	}) (*struct {
		Body []domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.EnqueueBatch(ctx, batchOptions(input.Body, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QueueItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-item",
		Method:      http.MethodGet,
		Path:        "/queue/{id}",
		Summary:     "Get queue item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		it, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/start",
		Summary:     "Start queue item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StartRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Start(ctx, input.ID, input.Body.OperatorID, input.Body.OperatorName, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/complete",
		Summary:     "Complete queue item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Complete(ctx, input.ID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/cancel",
		Summary:     "Cancel queue item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Cancel(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/pause",
		Summary:     "Pause queue item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Pause(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/resume",
		Summary:     "Resume queue item",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Resume(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reposition-queue-item",
		Method:      http.MethodPatch,
		Path:        "/queue/{id}/position",
		Summary:     "Reposition queue item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RepositionRequest `json:"body"`
	}) (*struct {
		Body domain.QueueItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Reposition(ctx, input.ID, input.Body.Position, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QueueItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue-items",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queue items",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MachineID string `query:"machine_id"`
		Status    string `query:"status"`
		BatchID   string `query:"batch_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.QueueItem `json:"body"`
	}, error) {
		items, err := e.ListItems(ctx, repo.ItemFilters{
			MachineID: input.MachineID,
			Status:    input.Status,
			BatchID:   input.BatchID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.QueueItem{}
		}
		return &struct {
			Body []domain.QueueItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerCapacity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-capacity",
		Method:      http.MethodGet,
		Path:        "/capacity",
		Summary:     "Check machine capacity",
		Description: "Advisory availability of operational machines of a type for a time window; nothing is reserved.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MachineType   string  `query:"machine_type" required:"true"`
		HoursRequired float64 `query:"hours_required"`
		WindowStart   string  `query:"window_start"`
		WindowEnd     string  `query:"window_end"`
	}) (*struct {
		Body domain.Availability `json:"body"`
	}, error) {
		out, err := e.CheckCapacity(ctx, engine.CapacityQuery{
			MachineType:   input.MachineType,
			HoursRequired: input.HoursRequired,
			WindowStart:   input.WindowStart,
			WindowEnd:     input.WindowEnd,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Availability `json:"body"`
		}{Body: out}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "maintenance-scan",
		Method:      http.MethodPost,
		Path:        "/maintenance/scan",
		Summary:     "Run maintenance scan",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MaintenanceScanRequest `json:"body"`
	}) (*struct {
		Body engine.MaintenanceReport `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.MaintenanceScan(ctx, input.Body.LookaheadDays, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if report.Due == nil {
			report.Due = []domain.Machine{}
		}
		return &struct {
			Body engine.MaintenanceReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"100"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
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
