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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stillpoint/internal/domain"
	"stillpoint/internal/engine"
	"stillpoint/internal/repo"
	"stillpoint/internal/voice"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Events   repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_session_input"`
	Message string         `json:"message" example:"mood must be between 1 and 10, got 0"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stillpoint API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(requestLogger(logger))
	if cfg.Auth.enabled() {
		router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	}
	hcfg := huma.DefaultConfig("Stillpoint API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, e)
	registerSession(group, e)
	registerBreathing(group, e)
	registerConnection(group, e)
	registerStats(group, e)
	registerGoals(group, e)
	registerJournal(group, e)
	registerEvents(group, cfg.Events)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status())
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		details := map[string]any{"user_message": de.UserMessage()}
		switch de.Kind {
		case domain.InvalidSessionInput, domain.InvalidGoalInput:
			return newAPIError(http.StatusBadRequest, string(de.Kind), de.Message, nil)
		case domain.InvalidCredential:
			return newAPIError(http.StatusUnauthorized, string(de.Kind), de.Message, details)
		case domain.PaymentRequired:
			return newAPIError(http.StatusPaymentRequired, string(de.Kind), de.Message, details)
		default:
			return newAPIError(http.StatusInternalServerError, string(de.Kind), de.Message, details)
		}
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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
	if oas.Components != nil && oas.Components.Schemas != nil && oas.Components.Schemas.Map()["ApiError"] == nil {
		oas.Components.Schemas.Map()["ApiError"] = &huma.Schema{
			Type:     huma.TypeObject,
			Required: []string{"error"},
			Properties: map[string]*huma.Schema{
				"error": {
					Type:     huma.TypeObject,
					Required: []string{"code", "message"},
					Properties: map[string]*huma.Schema{
						"code":    {Type: huma.TypeString},
						"message": {Type: huma.TypeString},
						"details": {Type: huma.TypeObject},
					},
				},
			},
		}
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stillpoint API Docs</title>
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

func registerCatalog(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "Session templates and breathing patterns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(e.Config())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-voices",
		Method:      http.MethodGet,
		Path:        "/voices",
		Summary:     "Voice catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VoicesResponse `json:"body"`
	}, error) {
		cfg := e.Config()
		return &struct {
			Body VoicesResponse `json:"body"`
		}{Body: VoicesResponse{Voices: nonNil(cfg.Voices), Default: cfg.DefaultVoice}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-moods",
		Method:      http.MethodGet,
		Path:        "/moods",
		Summary:     "Mood scale",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MoodLevel `json:"body"`
	}, error) {
		return &struct {
			Body []domain.MoodLevel `json:"body"`
		}{Body: domain.MoodScale()}, nil
	})
}

type stateOutput struct {
	Body engine.State `json:"body"`
}

func registerSession(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current orchestrator state",
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		return &stateOutput{Body: e.State(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/session/start",
		Summary:     "Start a guided session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*stateOutput, error) {
		st, err := e.StartSession(ctx, engine.SessionStartOptions{
			Template:   input.Body.Template,
			Voice:      input.Body.Voice,
			MoodBefore: input.Body.MoodBefore,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	controls := []struct {
		id, summary string
		apply       func(context.Context) error
	}{
		{"pause", "Pause the phase timer", func(ctx context.Context) error { e.Pause(ctx); return nil }},
		{"resume", "Resume or restart the phase timer", e.Resume},
		{"skip", "Skip to the next phase", func(ctx context.Context) error { e.Skip(ctx); return nil }},
		{"reset", "Rewind to the first phase", func(ctx context.Context) error { e.Reset(ctx); return nil }},
	}
	for _, c := range controls {
		apply := c.apply
		huma.Register(api, huma.Operation{
			OperationID: c.id + "-session",
			Method:      http.MethodPost,
			Path:        "/session/" + c.id,
			Summary:     c.summary,
			Errors:      []int{http.StatusBadRequest},
		}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
			if err := apply(ctx); err != nil {
				return nil, handleError(err)
			}
			return &stateOutput{Body: e.State(ctx)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/session/end",
		Summary:     "End the open session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EndSessionRequest `json:"body"`
	}) (*struct {
		Body domain.SessionRecord `json:"body"`
	}, error) {
		rec, err := e.EndSession(ctx, engine.SessionEndOptions{MoodAfter: input.Body.MoodAfter, Notes: input.Body.Notes})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List session records, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body SessionsResponse `json:"body"`
	}, error) {
		items := e.Sessions(ctx)
		if limit := normalizeLimit(input.Limit); len(items) > limit {
			items = items[:limit]
		}
		return &struct {
			Body SessionsResponse `json:"body"`
		}{Body: SessionsResponse{Items: nonNil(items)}}, nil
	})
}

func registerBreathing(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-breathing",
		Method:      http.MethodPost,
		Path:        "/breathing/start",
		Summary:     "Start a breathing exercise",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BreathingRequest `json:"body"`
	}) (*stateOutput, error) {
		st, err := e.StartBreathing(ctx, input.Body.Pattern, input.Body.Cycles)
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-breathing",
		Method:      http.MethodPost,
		Path:        "/breathing/stop",
		Summary:     "Stop the breathing exercise",
	}, func(ctx context.Context, _ *struct{}) (*stateOutput, error) {
		e.StopBreathing(ctx)
		return &stateOutput{Body: e.State(ctx)}, nil
	})
}

type connectionOutput struct {
	Body voice.Status `json:"body"`
}

func registerConnection(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mute-connection",
		Method:      http.MethodPost,
		Path:        "/connection/mute",
		Summary:     "Mute or unmute the microphone",
	}, func(ctx context.Context, input *struct {
		Body MuteRequest `json:"body"`
	}) (*connectionOutput, error) {
		return &connectionOutput{Body: e.SetMuted(ctx, input.Body.Muted)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-text",
		Method:      http.MethodPost,
		Path:        "/connection/text",
		Summary:     "Send a text message into the call",
		Description: "Dropped unless the call is connected.",
	}, func(ctx context.Context, input *struct {
		Body TextRequest `json:"body"`
	}) (*connectionOutput, error) {
		return &connectionOutput{Body: e.SendText(ctx, input.Body.Message)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect",
		Method:      http.MethodPost,
		Path:        "/connection/disconnect",
		Summary:     "Hang up the voice call",
	}, func(ctx context.Context, _ *struct{}) (*connectionOutput, error) {
		return &connectionOutput{Body: e.Disconnect(ctx)}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Practice statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: e.Stats(ctx)}, nil
	})
}

func registerGoals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GoalsResponse `json:"body"`
	}, error) {
		return &struct {
			Body GoalsResponse `json:"body"`
		}{Body: GoalsResponse{Items: nonNil(e.Goals(ctx))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Create a goal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GoalCreateRequest `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			TargetSessions: input.Body.TargetSessions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerJournal(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List journal entries, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JournalResponse `json:"body"`
	}, error) {
		return &struct {
			Body JournalResponse `json:"body"`
		}{Body: JournalResponse{Items: nonNil(e.Journal(ctx))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-journal",
		Method:        http.MethodPost,
		Path:          "/journal",
		Summary:       "Add a journal entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body JournalCreateRequest `json:"body"`
	}) (*struct {
		Body domain.JournalEntry `json:"body"`
	}, error) {
		entry, err := e.AddJournal(ctx, input.Body.Content, input.Body.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JournalEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-journal",
		Method:        http.MethodDelete,
		Path:          "/journal/{id}",
		Summary:       "Delete a journal entry",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteJournal(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"session,goal,journal,connection,preferences"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp := paginatedEvents{Items: []EventResponse{}}
		if r.DB == nil {
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
