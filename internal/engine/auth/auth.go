package auth

import (
	"fmt"
	"sort"

	"lyncmos/internal/config"
	"lyncmos/internal/core"
)

const (
	CodeUnauthorized       = "UNAUTHORIZED_ACCESS"
	CodeInsufficient       = "INSUFFICIENT_PERMISSIONS"
	CodeMissingPlatformKey = "MISSING_PLATFORM_KEY"
)

// Capabilities known to the platform.
const (
	CapSystemHealth       = "system_health"
	CapOperationalMetrics = "operational_metrics"
	CapGrowthMetrics      = "growth_metrics"
	CapAcquisitionMetrics = "acquisition_metrics"
	CapTrustMetrics       = "trust_metrics"
	CapRevenueIntegrity   = "revenue_integrity"
	CapAuditLogs          = "audit_logs"
	CapProjections        = "projections"
)

const (
	RoleEdge  = "edge"
	edgeLabel = "Edge Terminal"
)

// Error is an authorization failure. It never counts against the breaker.
type Error struct {
	Code       string
	Message    string
	Consumer   string
	Capability string
}

func (e *Error) Error() string        { return e.Message }
func (e *Error) ErrorCode() string    { return e.Code }
func (e *Error) FaultKind() core.Kind { return core.KindAuthorization }

// MissingKey is returned by callers that require a key before asking the service.
func MissingKey(method string) *Error {
	return &Error{
		Code:    CodeMissingPlatformKey,
		Message: fmt.Sprintf("%s: method [%s] requires a platform key.", CodeMissingPlatformKey, method),
	}
}

// ConsumerIdentity is who presented a key.
type ConsumerIdentity struct {
	Role  string `json:"role"`
	Label string `json:"label"`
}

// Service authorizes platform keys against a static registry. It holds no
// mutable state; every answer is a function of the registry and the key.
type Service struct {
	keys map[string]ConsumerIdentity
	caps map[string]map[string]struct{}
}

func New(keys map[string]config.PlatformKey, capabilities map[string][]string) Service {
	s := Service{
		keys: make(map[string]ConsumerIdentity, len(keys)),
		caps: make(map[string]map[string]struct{}, len(capabilities)),
	}
	for k, v := range keys {
		s.keys[k] = ConsumerIdentity{Role: v.Role, Label: v.Label}
	}
	for role, list := range capabilities {
		set := make(map[string]struct{}, len(list))
		for _, c := range list {
			set[c] = struct{}{}
		}
		s.caps[role] = set
	}
	return s
}

// FromConfig builds the service from the platform_keys and capabilities sections.
func FromConfig(cfg *config.Config) Service {
	return New(cfg.PlatformKeys, cfg.Capabilities)
}

func (s Service) Authorize(key, capability string) (ConsumerIdentity, error) {
	id, ok := s.keys[key]
	if !ok {
		return ConsumerIdentity{}, &Error{
			Code:       CodeUnauthorized,
			Message:    "E001: UNAUTHORIZED_ACCESS - Invalid Platform Key.",
			Capability: capability,
		}
	}
	if _, ok := s.caps[id.Role][capability]; !ok {
		return id, &Error{
			Code:       CodeInsufficient,
			Message:    fmt.Sprintf("E003: INSUFFICIENT_PERMISSIONS - Consumer [%s] lacks [%s] capability.", id.Label, capability),
			Consumer:   id.Label,
			Capability: capability,
		}
	}
	return id, nil
}

// ConsumerInfo never fails; unknown keys are edge terminals.
func (s Service) ConsumerInfo(key string) ConsumerIdentity {
	if id, ok := s.keys[key]; ok {
		return id
	}
	return ConsumerIdentity{Role: RoleEdge, Label: edgeLabel}
}

// Capabilities lists the capabilities granted to the key's role, sorted.
func (s Service) Capabilities(key string) []string {
	id, ok := s.keys[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.caps[id.Role]))
	for c := range s.caps[id.Role] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
