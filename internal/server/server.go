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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
	"lyncmos/internal/engine/auth"
	"lyncmos/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runtime  *core.Runtime
	Auth     auth.Service
	BasePath string
	// RPC serves the gateway websocket at /rpc when set.
	RPC http.Handler
	// Metrics serves Prometheus metrics at /metrics/prometheus when set.
	Metrics http.Handler
	Log     logrus.FieldLogger
	// Timeout bounds each runtime call.
	Timeout time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"INSUFFICIENT_PERMISSIONS"`
	Message string         `json:"message" example:"E003: INSUFFICIENT_PERMISSIONS - Consumer [Growth Engine] lacks [operational_metrics] capability."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"capability\":\"operational_metrics\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	e       engine.Engine
	rt      *core.Runtime
	auth    auth.Service
	timeout time.Duration
}

// New returns an HTTP handler exposing the MOS API, the RPC channel and
// the Prometheus endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
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

	root := chi.NewRouter()
	root.Use(middleware.RequestID, middleware.Recoverer)
	if cfg.RPC != nil {
		root.Handle("/rpc", cfg.RPC)
	}
	if cfg.Metrics != nil {
		root.Handle("/metrics/prometheus", cfg.Metrics)
	}

	router := chi.NewRouter()
	router.Use(newRequestLogger(log))
	router.Use(newPlatformKeyMiddleware())
	hcfg := huma.DefaultConfig("Lync MOS API", cfg.Runtime.Version())
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := handlers{e: cfg.Engine, rt: cfg.Runtime, auth: cfg.Auth, timeout: cfg.Timeout}
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerMetrics(group, a)
	registerTrips(group, a)
	registerFleet(group, a)
	registerTickets(group, a)
	registerSMS(group, a)
	registerClosure(group, a)
	registerCore(group, a)
	registerEvents(group, a)
	registerOpenAPI(router, humaAPI, basePath)

	root.Mount("/", router)
	return root, nil
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
	var ae *auth.Error
	if errors.As(err, &ae) {
		status := http.StatusUnauthorized
		if ae.Code == auth.CodeInsufficient {
			status = http.StatusForbidden
		}
		details := map[string]any{}
		if ae.Consumer != "" {
			details["consumer"] = ae.Consumer
		}
		if ae.Capability != "" {
			details["capability"] = ae.Capability
		}
		return newAPIError(status, ae.Code, ae.Message, details)
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(engineStatus(ee.Code), ee.Code, ee.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", map[string]any{"error": err.Error()})
}

func engineStatus(code string) int {
	switch code {
	case engine.CodeTripNotFound, engine.CodeCrewNotFound, engine.CodeSaccoNotFound, engine.CodeBranchNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidStateTransition, engine.CodeTripNotActive, engine.CodeRevenueLocked, engine.CodeDuplicatePlate:
		return http.StatusConflict
	case engine.CodeUnauthorizedOperator:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return auth.CodeUnauthorized
	case http.StatusForbidden:
		return auth.CodeInsufficient
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_FAILED"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyKeySecurity(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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

// keyedOperations need a platform key.
var keyedOperations = map[string]bool{
	"get-metrics":   true,
	"trip-action":   true,
	"daily-closure": true,
	"set-read-only": true,
	"list-events":   true,
}

func applyKeySecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["platformKey"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: PlatformKeyHeader,
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if keyedOperations[op.OperationID] {
				op.Security = []map[string][]string{{"platformKey": {}}}
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Lync MOS API Docs</title>
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
      Privileged endpoints need an X-Platform-Key header.
    </p>
  </body>
</html>`, docURL)
}

func (a handlers) opts(name string, write bool) core.Options {
	return core.Options{Name: name, Write: write, Timeout: a.timeout}
}

type envelope[T any] struct {
	Body core.Response[T] `json:"body"`
}

// safe runs fn through the runtime and wraps the outcome in an envelope.
func safe[T any](ctx context.Context, a handlers, name string, write bool, fallback T, fn func(context.Context) (T, error)) *envelope[T] {
	return &envelope[T]{Body: core.ExecuteSafe(ctx, a.rt, fn, fallback, a.opts(name, write))}
}

func registerHealth(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: healthResponse(a.rt.Health())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Runtime state and dependencies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(a.rt.Snapshot(), a.e.Config)}, nil
	})
}

func registerMetrics(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Platform read models",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" enum:"operational,growth,revenue,trust" default:"operational"`
	}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		var (
			capability string
			fallback   any
			fn         func(context.Context) (any, error)
		)
		switch input.Type {
		case "growth":
			capability, fallback = auth.CapGrowthMetrics, engine.EmptyGrowth()
			fn = func(ctx context.Context) (any, error) { return a.e.GrowthMetrics(ctx) }
		case "revenue":
			capability, fallback = auth.CapRevenueIntegrity, engine.EmptyRevenue()
			fn = func(ctx context.Context) (any, error) { return a.e.RevenueHealth(ctx) }
		case "trust":
			capability, fallback = auth.CapTrustMetrics, engine.TrustDistribution{}
			fn = func(ctx context.Context) (any, error) { return a.e.TrustDistribution(ctx) }
		default:
			capability, fallback = auth.CapOperationalMetrics, engine.EmptyOperational()
			fn = func(ctx context.Context) (any, error) { return a.e.OperationalMetrics(ctx) }
		}
		if _, err := requireCapability(ctx, a.auth, capability); err != nil {
			return nil, handleError(err)
		}
		resp := core.ExecuteSafe(ctx, a.rt, fn, fallback, a.opts("metrics."+input.Type, false))
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metricsResponse(input.Type, resp)}, nil
	})
}

func registerTrips(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trips",
		Method:      http.MethodGet,
		Path:        "/trips",
		Summary:     "List trips",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"SCHEDULED,READY,ACTIVE,DELAYED,PAUSED,COMPLETED,CANCELLED"`
		VehicleID string `query:"vehicleId"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*envelope[[]domain.Trip], error) {
		f := repo.TripFilter{Status: domain.TripStatus(input.Status), VehicleID: input.VehicleID, Limit: input.Limit}
		return safe(ctx, a, "listTrips", false, []domain.Trip{}, func(ctx context.Context) ([]domain.Trip, error) {
			return a.e.ListTrips(ctx, f)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trip-action",
		Method:      http.MethodPost,
		Path:        "/trips",
		Summary:     "Dispatch a trip or change its status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TripActionRequest
	}) (*envelope[domain.Trip], error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapOperationalMetrics); err != nil {
			return nil, handleError(err)
		}
		body := input.Body
		switch body.Action {
		case "dispatch":
			return safe(ctx, a, "dispatch", true, domain.Trip{}, func(ctx context.Context) (domain.Trip, error) {
				return a.e.DispatchTrip(ctx, body.TripID)
			}), nil
		case "update_status":
			if body.Status == "" {
				return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidStatus, "status is required for update_status", nil)
			}
			return safe(ctx, a, "updateTripStatus", true, domain.Trip{}, func(ctx context.Context) (domain.Trip, error) {
				return a.e.UpdateTripStatus(ctx, body.TripID, body.Status)
			}), nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "UNSUPPORTED_ACTION", fmt.Sprintf("unsupported action %q", body.Action), nil)
		}
	})
}

func registerFleet(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-crew",
		Method:      http.MethodGet,
		Path:        "/crew",
		Summary:     "List crew members",
	}, func(ctx context.Context, _ *struct{}) (*envelope[[]domain.CrewMember], error) {
		return safe(ctx, a, "listCrew", false, []domain.CrewMember{}, a.e.Repo.ListCrew), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles",
		Summary:     "List vehicles",
	}, func(ctx context.Context, _ *struct{}) (*envelope[[]domain.Vehicle], error) {
		return safe(ctx, a, "listVehicles", false, []domain.Vehicle{}, a.e.Repo.ListVehicles), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-vehicle",
		Method:        http.MethodPost,
		Path:          "/vehicles",
		Summary:       "Register a vehicle",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateVehicleRequest
	}) (*envelope[domain.Vehicle], error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapOperationalMetrics); err != nil {
			return nil, handleError(err)
		}
		plate := input.Body.PlateNumber
		if plate == "" {
			plate = input.Body.Plate
		}
		if strings.TrimSpace(plate) == "" {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidInput, `Invalid payload: "plateNumber" is required.`, nil)
		}
		req := engine.VehicleRequest{SaccoID: input.Body.SaccoID, BranchID: input.Body.BranchID, Plate: plate, Capacity: input.Body.Capacity}
		return safe(ctx, a, "createVehicle", true, domain.Vehicle{}, func(ctx context.Context) (domain.Vehicle, error) {
			return a.e.CreateVehicle(ctx, req)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-branches",
		Method:      http.MethodGet,
		Path:        "/branches",
		Summary:     "List branches",
	}, func(ctx context.Context, input *struct {
		SaccoID string `query:"saccoId"`
	}) (*envelope[[]domain.Branch], error) {
		return safe(ctx, a, "listBranches", false, []domain.Branch{}, func(ctx context.Context) ([]domain.Branch, error) {
			return a.e.ListBranches(ctx, input.SaccoID)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-branch",
		Method:        http.MethodPost,
		Path:          "/branches",
		Summary:       "Create a branch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateBranchRequest
	}) (*envelope[domain.Branch], error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapOperationalMetrics); err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidInput, `Payload missing required field "name"`, nil)
		}
		req := engine.BranchRequest{SaccoID: input.Body.SaccoID, Name: input.Body.Name}
		return safe(ctx, a, "createBranch", true, domain.Branch{}, func(ctx context.Context) (domain.Branch, error) {
			return a.e.CreateBranch(ctx, req)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Sacco profile and operating parameters",
	}, func(ctx context.Context, input *struct {
		SaccoID string `query:"saccoId" doc:"Defaults to the first sacco"`
	}) (*envelope[engine.Settings], error) {
		return safe(ctx, a, "getSettings", false, engine.Settings{}, func(ctx context.Context) (engine.Settings, error) {
			return a.e.Settings(ctx, input.SaccoID)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-routes",
		Method:      http.MethodGet,
		Path:        "/routes",
		Summary:     "List routes",
	}, func(ctx context.Context, _ *struct{}) (*envelope[[]domain.Route], error) {
		return safe(ctx, a, "listRoutes", false, []domain.Route{}, a.e.Repo.ListRoutes), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminal-context",
		Method:      http.MethodGet,
		Path:        "/terminal/context",
		Summary:     "Operator terminal context by phone",
	}, func(ctx context.Context, input *struct {
		Phone string `query:"phone" required:"true" minLength:"1"`
	}) (*envelope[engine.TerminalContext], error) {
		return safe(ctx, a, "getTerminalContext", false, engine.UnknownTerminal(), func(ctx context.Context) (engine.TerminalContext, error) {
			return a.e.TerminalContext(ctx, input.Phone)
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "crew-credential",
		Method:      http.MethodGet,
		Path:        "/crew/{crewId}/credential",
		Summary:     "Issue a verifiable trust credential",
	}, func(ctx context.Context, input *struct {
		CrewID string `path:"crewId"`
	}) (*envelope[domain.VerifiableCredential], error) {
		return safe(ctx, a, "getVerifiableTrust", false, domain.VerifiableCredential{}, func(ctx context.Context) (domain.VerifiableCredential, error) {
			return a.e.VerifiableTrust(ctx, input.CrewID)
		}), nil
	})
}

func registerTickets(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets",
		Summary:     "Issue a ticket on an active trip",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body IssueTicketRequest
	}) (*envelope[domain.Ticket], error) {
		req := engine.TicketRequest{TripID: input.Body.TripID, Phone: input.Body.Phone, Amount: input.Body.Amount}
		return safe(ctx, a, "ticket", true, domain.Ticket{}, func(ctx context.Context) (domain.Ticket, error) {
			return a.e.IssueTicket(ctx, req)
		}), nil
	})
}

func registerSMS(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "relay-sms",
		Method:      http.MethodPost,
		Path:        "/sms",
		Summary:     "Send an operator message through the SMS relay",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SmsRequest
	}) (*envelope[engine.SmsReceipt], error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapOperationalMetrics); err != nil {
			return nil, handleError(err)
		}
		body := input.Body
		return safe(ctx, a, "relaySms", true, engine.FailedReceipt(), func(ctx context.Context) (engine.SmsReceipt, error) {
			return a.e.RelaySMS(ctx, body.Phone, body.Message)
		}), nil
	})
}

func registerClosure(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-closure",
		Method:      http.MethodPost,
		Path:        "/closure",
		Summary:     "Anchor a sacco's revenue for one day",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ClosureRequest
	}) (*envelope[domain.DailyAnchor], error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapRevenueIntegrity); err != nil {
			return nil, handleError(err)
		}
		body := input.Body
		return safe(ctx, a, "dailyClosure", true, domain.DailyAnchor{}, func(ctx context.Context) (domain.DailyAnchor, error) {
			return a.e.PerformDailyClosure(ctx, body.SaccoID, body.Date)
		}), nil
	})
}

func registerCore(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "set-read-only",
		Method:      http.MethodPost,
		Path:        "/core/read-only",
		Summary:     "Enter or leave READ_ONLY",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ReadOnlyRequest
	}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapOperationalMetrics); err != nil {
			return nil, handleError(err)
		}
		a.rt.SetReadOnly(ctx, input.Body.Enabled)
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: stateResponse(a.rt.Snapshot(), a.e.Config)}, nil
	})
}

func registerEvents(api huma.API, a handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event journal",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
		After int64  `query:"after" doc:"Return events with id greater than this, oldest first"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		if _, err := requireCapability(ctx, a.auth, auth.CapAuditLogs); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = a.e.Repo.EventsAfter(ctx, limit, input.After)
		} else {
			items, err = a.e.Repo.LatestEvents(ctx, limit, input.Type)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			if input.Type != "" && evt.Type != input.Type {
				continue
			}
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
