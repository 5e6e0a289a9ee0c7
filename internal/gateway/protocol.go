package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"lyncmos/internal/core"
)

// Protocol tags every frame on the RPC channel. Frames carrying another
// tag belong to unrelated traffic and are ignored.
const Protocol = "LYNC_RPC_V1"

const (
	TypeRequest  = "REQUEST"
	TypeResponse = "RESPONSE"
	TypeEvent    = "EVENT"
)

const (
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeRateLimited      = "RATE_LIMITED"
)

const (
	StatusSuccess = "SUCCESS"
	StatusDenied  = "DENIED"
)

type Request struct {
	Protocol    string `json:"protocol"`
	Type        string `json:"type,omitempty"`
	Method      string `json:"method"`
	Payload     Args   `json:"payload,omitempty"`
	RequestID   string `json:"requestId"`
	PlatformKey string `json:"platformKey,omitempty"`
}

type Meta struct {
	DurationMs int64      `json:"durationMs"`
	Timestamp  string     `json:"timestamp"`
	CoreState  core.State `json:"coreState"`
}

type Response struct {
	Protocol  string      `json:"protocol"`
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	Data      any         `json:"data"`
	Error     *core.Fault `json:"error,omitempty"`
	Meta      Meta        `json:"meta"`
}

// EventFrame relays one bus event to connected peers.
type EventFrame struct {
	Protocol  string `json:"protocol"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Args are the positional arguments of a request, decoded lazily so each
// method can type its own parameters.
type Args []json.RawMessage

func (a Args) raw(i int, name string) (json.RawMessage, error) {
	if i >= len(a) || len(a[i]) == 0 || string(a[i]) == "null" {
		return nil, argErr("argument %d (%s) is required", i, name)
	}
	return a[i], nil
}

func (a Args) String(i int, name string) (string, error) {
	raw, err := a.raw(i, name)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", argErr("argument %d (%s) must be a string", i, name)
	}
	if s = strings.TrimSpace(s); s == "" {
		return "", argErr("argument %d (%s) is required", i, name)
	}
	return s, nil
}

func (a Args) Int64(i int, name string) (int64, error) {
	raw, err := a.raw(i, name)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, argErr("argument %d (%s) must be an integer", i, name)
	}
	return n, nil
}

func argErr(format string, args ...any) *core.Fault {
	return &core.Fault{Code: CodeInvalidArguments, Message: fmt.Sprintf(format, args...), Kind: core.KindValidation}
}
