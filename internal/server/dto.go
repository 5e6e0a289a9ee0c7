package server

import (
	"encoding/json"
	"fmt"
	"time"

	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/domain"
)

// Request payloads

type TripActionRequest struct {
	Action string            `json:"action" enum:"dispatch,update_status"`
	TripID string            `json:"tripId" minLength:"1"`
	Status domain.TripStatus `json:"status,omitempty" enum:"SCHEDULED,READY,ACTIVE,DELAYED,PAUSED,COMPLETED,CANCELLED"`
}

type IssueTicketRequest struct {
	TripID string `json:"tripId" minLength:"1"`
	Phone  string `json:"phone" minLength:"1"`
	Amount int64  `json:"amount" minimum:"1"`
}

type ClosureRequest struct {
	SaccoID string `json:"saccoId" minLength:"1"`
	Date    string `json:"date,omitempty" format:"date" doc:"Day to close, defaults to today"`
}

type CreateVehicleRequest struct {
	SaccoID     string `json:"saccoId,omitempty" doc:"Defaults to the first sacco"`
	BranchID    string `json:"branchId,omitempty"`
	PlateNumber string `json:"plateNumber,omitempty"`
	Plate       string `json:"plate,omitempty" doc:"Alias of plateNumber"`
	Capacity    int    `json:"capacity,omitempty" minimum:"0" maximum:"100"`
}

type CreateBranchRequest struct {
	SaccoID string `json:"saccoId,omitempty" doc:"Defaults to the first sacco"`
	Name    string `json:"name,omitempty"`
}

type SmsRequest struct {
	Phone   string `json:"phone" minLength:"1"`
	Message string `json:"message" minLength:"1" maxLength:"480"`
}

type ReadOnlyRequest struct {
	Enabled bool `json:"enabled"`
}

// Response payloads

type HealthResponse struct {
	Status    core.State `json:"status" enum:"BOOTING,WARMING,READY,DEGRADED,READ_ONLY,CIRCUIT_OPEN"`
	Healthy   bool       `json:"healthy"`
	Version   string     `json:"version"`
	Timestamp string     `json:"timestamp" format:"date-time"`
}

type StateConfig struct {
	Version              string   `json:"version"`
	FailureThreshold     int      `json:"failureThreshold"`
	Cooldown             string   `json:"cooldown"`
	RevenueLockThreshold int64    `json:"revenueLockThreshold"`
	LockAggregation      string   `json:"lockAggregation"`
	BusTransport         string   `json:"busTransport"`
	TrustDecayRate       float64  `json:"trustDecayRate"`
	AllowedOrigins       []string `json:"allowedOrigins"`
}

type StateResponse struct {
	State         core.State      `json:"state"`
	StoredState   core.State      `json:"storedState"`
	Uptime        string          `json:"uptime"`
	LastHealthyAt *string         `json:"lastHealthyAt" format:"date-time"`
	Dependencies  map[string]bool `json:"dependencies"`
	Failures      int             `json:"failures"`
	CircuitOpen   bool            `json:"circuitOpen"`
	Config        StateConfig     `json:"config"`
}

// MetricsResponse is the envelope of the metrics endpoint; data depends on
// the requested type.
type MetricsResponse struct {
	Type      string      `json:"type"`
	CoreState core.State  `json:"coreState"`
	Data      any         `json:"data"`
	Error     *core.Fault `json:"error,omitempty"`
	Version   string      `json:"version"`
	Timestamp string      `json:"timestamp" format:"date-time"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func healthResponse(h core.Health) HealthResponse {
	return HealthResponse{Status: h.Status, Healthy: h.Healthy, Version: h.Version, Timestamp: h.Timestamp.Format(time.RFC3339)}
}

func stateResponse(s core.Snapshot, cfg *config.Config) StateResponse {
	out := StateResponse{
		State:        s.State,
		StoredState:  s.StoredState,
		Uptime:       fmt.Sprintf("%ds", int64(s.Uptime.Seconds())),
		Dependencies: s.Dependencies,
		Failures:     s.Failures,
		CircuitOpen:  s.CircuitOpen,
	}
	if s.LastHealthyAt != nil {
		ts := s.LastHealthyAt.UTC().Format(time.RFC3339)
		out.LastHealthyAt = &ts
	}
	if cfg != nil {
		out.Config = StateConfig{
			Version:              s.Version,
			FailureThreshold:     cfg.Core.FailureThreshold,
			Cooldown:             cfg.Core.Cooldown.String(),
			RevenueLockThreshold: cfg.Dispatch.RevenueLockThreshold,
			LockAggregation:      cfg.Dispatch.LockAggregation,
			BusTransport:         cfg.Bus.Transport,
			TrustDecayRate:       cfg.Trust.DecayRate,
			AllowedOrigins:       append([]string{}, cfg.Server.AllowedOrigins...),
		}
	}
	return out
}

func metricsResponse(kind string, r core.Response[any]) MetricsResponse {
	return MetricsResponse{
		Type:      kind,
		CoreState: r.CoreState,
		Data:      r.Data,
		Error:     r.Error,
		Version:   r.Version,
		Timestamp: r.Timestamp.Format(time.RFC3339),
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, Origin: e.Origin, Payload: payload}
}
