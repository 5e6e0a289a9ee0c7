package mossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PlatformKeyHeader carries the consumer's platform key.
const PlatformKeyHeader = "X-Platform-Key"

// Client is a minimal Lync MOS HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	PlatformKey string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, platformKey string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		PlatformKey: platformKey,
		Timeout:     10 * time.Second,
	}
}

// Health is the liveness view of the core runtime.
type Health struct {
	Status    string `json:"status"`
	Healthy   bool   `json:"healthy"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// State is the introspection view of the core runtime (partial).
type State struct {
	State         string          `json:"state"`
	StoredState   string          `json:"storedState"`
	Uptime        string          `json:"uptime"`
	LastHealthyAt *string         `json:"lastHealthyAt"`
	Dependencies  map[string]bool `json:"dependencies"`
	Failures      int             `json:"failures"`
	CircuitOpen   bool            `json:"circuitOpen"`
}

// Fault is a coded failure reported inside an envelope.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string { return f.Code + ": " + f.Message }

// Envelope is the safe-execution response wrapper.
type Envelope[T any] struct {
	CoreState string `json:"coreState"`
	Data      T      `json:"data"`
	Error     *Fault `json:"error,omitempty"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Metrics is a read model response; Data depends on Type.
type Metrics struct {
	Type      string          `json:"type"`
	CoreState string          `json:"coreState"`
	Data      json.RawMessage `json:"data"`
	Error     *Fault          `json:"error,omitempty"`
	Version   string          `json:"version"`
	Timestamp string          `json:"timestamp"`
}

// Trip represents the API trip model (partial).
type Trip struct {
	ID              string  `json:"id"`
	RouteID         string  `json:"routeId"`
	VehicleID       string  `json:"vehicleId"`
	DriverID        string  `json:"driverId"`
	ConductorID     string  `json:"conductorId"`
	Status          string  `json:"status"`
	ScheduledTime   string  `json:"scheduledTime"`
	ActualStartTime *string `json:"actualStartTime,omitempty"`
	ActualEndTime   *string `json:"actualEndTime,omitempty"`
	TotalRevenue    int64   `json:"totalRevenue"`
	TicketCount     int     `json:"ticketCount"`
}

// Ticket represents an issued ticket.
type Ticket struct {
	ID             string `json:"id"`
	TripID         string `json:"tripId"`
	PassengerPhone string `json:"passengerPhone"`
	Amount         int64  `json:"amount"`
	Timestamp      string `json:"timestamp"`
}

// Event represents a journal entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Origin  string         `json:"origin"`
	Payload map[string]any `json:"payload"`
}

// Vehicle represents a registered vehicle.
type Vehicle struct {
	ID       string `json:"id"`
	SaccoID  string `json:"saccoId"`
	BranchID string `json:"branchId"`
	Plate    string `json:"plate"`
	Capacity int    `json:"capacity"`
	Status   string `json:"status"`
}

type Branch struct {
	ID      string `json:"id"`
	SaccoID string `json:"saccoId"`
	Name    string `json:"name"`
}

// SmsReceipt is returned by SendSMS.
type SmsReceipt struct {
	Success bool   `json:"success"`
	Ref     string `json:"ref"`
	LogID   string `json:"logId"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports runtime health. It needs no key.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// State returns the runtime snapshot.
func (c *Client) State(ctx context.Context) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "state", nil, &resp)
	return resp, err
}

// Metrics fetches one read model: operational, growth, revenue or trust.
func (c *Client) Metrics(ctx context.Context, kind string) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "metrics?type="+url.QueryEscape(kind), nil, &resp)
	return resp, err
}

// Trips lists trips, optionally filtered by status.
func (c *Client) Trips(ctx context.Context, status string) (Envelope[[]Trip], error) {
	endpoint := "trips"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp Envelope[[]Trip]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Dispatch starts a READY trip.
func (c *Client) Dispatch(ctx context.Context, tripID string) (Envelope[Trip], error) {
	var resp Envelope[Trip]
	err := c.do(ctx, http.MethodPost, "trips", map[string]any{"action": "dispatch", "tripId": tripID}, &resp)
	return resp, err
}

// UpdateTripStatus moves a trip to status.
func (c *Client) UpdateTripStatus(ctx context.Context, tripID, status string) (Envelope[Trip], error) {
	var resp Envelope[Trip]
	err := c.do(ctx, http.MethodPost, "trips", map[string]any{"action": "update_status", "tripId": tripID, "status": status}, &resp)
	return resp, err
}

// IssueTicket sells a ticket on an active trip.
func (c *Client) IssueTicket(ctx context.Context, tripID, phone string, amount int64) (Envelope[Ticket], error) {
	var resp Envelope[Ticket]
	err := c.do(ctx, http.MethodPost, "tickets", map[string]any{"tripId": tripID, "phone": phone, "amount": amount}, &resp)
	return resp, err
}

// SetReadOnly enters or leaves READ_ONLY.
// CreateVehicle registers a vehicle in the default sacco.
func (c *Client) CreateVehicle(ctx context.Context, plate, branchID string, capacity int) (Envelope[Vehicle], error) {
	var resp Envelope[Vehicle]
	err := c.do(ctx, http.MethodPost, "vehicles", map[string]any{"plateNumber": plate, "branchId": branchID, "capacity": capacity}, &resp)
	return resp, err
}

func (c *Client) Branches(ctx context.Context, saccoID string) (Envelope[[]Branch], error) {
	endpoint := "branches"
	if saccoID != "" {
		endpoint += "?" + url.Values{"saccoId": {saccoID}}.Encode()
	}
	var resp Envelope[[]Branch]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateBranch(ctx context.Context, saccoID, name string) (Envelope[Branch], error) {
	var resp Envelope[Branch]
	err := c.do(ctx, http.MethodPost, "branches", map[string]any{"saccoId": saccoID, "name": name}, &resp)
	return resp, err
}

// SendSMS relays one message and waits for the delivery outcome.
func (c *Client) SendSMS(ctx context.Context, phone, message string) (Envelope[SmsReceipt], error) {
	var resp Envelope[SmsReceipt]
	err := c.do(ctx, http.MethodPost, "sms", map[string]any{"phone": phone, "message": message}, &resp)
	return resp, err
}

func (c *Client) SetReadOnly(ctx context.Context, enabled bool) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, "core/read-only", map[string]any{"enabled": enabled}, &resp)
	return resp, err
}

// Events returns journal entries: the latest ones, or those after cursor
// oldest first when cursor is positive.
func (c *Client) Events(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("after", fmt.Sprint(cursor))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.PlatformKey != "" {
		req.Header.Set(PlatformKeyHeader, c.PlatformKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error Fault `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
