package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyncmos/internal/bus"
	"lyncmos/internal/config"
	"lyncmos/internal/db"
	"lyncmos/internal/migrate"
	"lyncmos/internal/repo"
)

var fixedNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestAppendRedactsTicketPhone(t *testing.T) {
	r := newRepo(t)
	w := Writer{Repo: r, Now: func() time.Time { return fixedNow }}
	id, err := w.Append(context.Background(), bus.Event{
		Name:    bus.TicketIssued,
		Origin:  "node-a",
		Payload: map[string]any{"id": "LYNC-T-ABC123", "passengerPhone": "+254711000001", "amount": 100},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	evts, err := r.LatestEvents(context.Background(), 10, bus.TicketIssued)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "2026-03-01T08:00:00Z", evts[0].TS)
	assert.Equal(t, "node-a", evts[0].Origin)
	assert.NotContains(t, evts[0].Payload, "+254711000001")
	assert.Contains(t, evts[0].Payload, "LYNC-T-ABC123")
}

func TestAttachSkipsExcluded(t *testing.T) {
	r := newRepo(t)
	b := bus.New(bus.WithClock(func() time.Time { return fixedNow }))
	w := Writer{Repo: r, Exclude: map[string]bool{bus.HealthCheck: true}}
	sub := w.Attach(b)
	defer b.Unsubscribe(bus.Wildcard, sub)

	ctx := context.Background()
	b.Publish(ctx, bus.HealthCheck, map[string]any{"method": "getSystemHealth"})
	b.Publish(ctx, bus.TripStarted, map[string]any{"tripId": "trip-1"})

	require.Eventually(t, func() bool {
		id, err := r.LatestEventID(ctx)
		return err == nil && id > 0
	}, time.Second, 10*time.Millisecond)
	evts, err := r.LatestEvents(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, bus.TripStarted, evts[0].Type)
}

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []webhookEvent
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(data, &evt)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, evt)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestWebhookDeliversNewEventsOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := Writer{Repo: r, Now: func() time.Time { return fixedNow }}
	_, err := w.Append(ctx, bus.Event{Name: bus.TripStarted, Payload: map[string]any{"tripId": "old"}})
	require.NoError(t, err)

	var got captured
	srv := httptest.NewServer(got.handler(http.StatusNoContent))
	defer srv.Close()

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{
		URL:    srv.URL,
		Events: []string{bus.TripStarted},
		Secret: "s3cret",
	}}, nil)
	d.DispatchAll(ctx)
	assert.Empty(t, got.bodies)

	_, err = w.Append(ctx, bus.Event{Name: bus.TripStarted, Payload: map[string]any{"tripId": "trip-1"}})
	require.NoError(t, err)
	_, err = w.Append(ctx, bus.Event{Name: bus.TripCompleted, Payload: map[string]any{"tripId": "trip-1"}})
	require.NoError(t, err)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	require.Len(t, got.bodies, 1)
	assert.Equal(t, bus.TripStarted, got.bodies[0].Type)
	assert.JSONEq(t, `{"tripId":"trip-1"}`, string(got.bodies[0].Payload))
	assert.Equal(t, bus.TripStarted, got.headers[0].Get("X-Mos-Event"))
	assert.Equal(t, "s3cret", got.headers[0].Get("X-Mos-Secret"))
	assert.NotEmpty(t, got.headers[0].Get("X-Mos-Delivery"))
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := Writer{Repo: r}

	var got captured
	srv := httptest.NewServer(got.handler(http.StatusInternalServerError))
	defer srv.Close()

	logger, hook := logtest.NewNullLogger()
	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: srv.URL}}, logger)
	d.DispatchAll(ctx)

	_, err := w.Append(ctx, bus.Event{Name: bus.SmsSent, Payload: map[string]any{"ref": "SMS_1"}})
	require.NoError(t, err)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	assert.Len(t, got.bodies, 2)
	assert.Len(t, hook.AllEntries(), 2)
}

func TestDisabledWebhookIsSkipped(t *testing.T) {
	off := false
	d := NewWebhookDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}, {URL: " "}}, nil)
	assert.False(t, d.anyEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Run(ctx))
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("ANY"))
	f := newEventFilter([]string{" TRIP_STARTED ", ""})
	assert.True(t, f.match("TRIP_STARTED"))
	assert.False(t, f.match("TRIP_COMPLETED"))
}
