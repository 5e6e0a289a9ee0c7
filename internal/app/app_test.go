package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyncmos/internal/bus"
	"lyncmos/internal/config"
	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
	"lyncmos/internal/repo"
	"lyncmos/internal/sms"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) *App {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	a, err := Build(context.Background(), t.TempDir(), config.Default(), Options{Logger: logger, Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	_, err = Seed(context.Background(), a.Repo, testNow, SeedOptions{})
	require.NoError(t, err)
	return a
}

func TestBuildBringsRuntimeUp(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, core.StateReady, a.Runtime.State())
	snap := a.Runtime.Snapshot()
	assert.Equal(t, map[string]bool{"store": true, "bus": true}, snap.Dependencies)

	srv := httptest.NewServer(a.Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "READY", body.Status)
	assert.True(t, body.Healthy)
}

func TestSeedLoadsCoreFleetOnce(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	crew, err := a.Repo.ListCrew(ctx)
	require.NoError(t, err)
	assert.Len(t, crew, 4)
	vehicles, err := a.Repo.ListVehicles(ctx)
	require.NoError(t, err)
	assert.Len(t, vehicles, 5)
	trip, err := a.Repo.GetTrip(ctx, "TRP-2026-00290")
	require.NoError(t, err)
	assert.Equal(t, domain.TripActive, trip.Status)
	require.NotNil(t, trip.ActualStartTime)

	_, err = a.Engine.DispatchTrip(ctx, "TRP-2026-00291")
	require.NoError(t, err)
	sum, err := Seed(ctx, a.Repo, testNow, SeedOptions{})
	require.NoError(t, err)
	assert.Zero(t, sum.Trips)
	trip, err = a.Repo.GetTrip(ctx, "TRP-2026-00291")
	require.NoError(t, err)
	assert.Equal(t, domain.TripActive, trip.Status, "re-seed must not rewind trips")
}

func TestSeedGenerationIsReproducible(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	opts := SeedOptions{Branches: 10, Crew: 40, Vehicles: 20, Seed: 7}

	sum, err := Seed(ctx, a.Repo, testNow, opts)
	require.NoError(t, err)
	assert.Equal(t, 13, sum.Branches)
	assert.Equal(t, 44, sum.Crew)
	assert.Equal(t, 25, sum.Vehicles)

	first, err := a.Repo.ListCrew(ctx)
	require.NoError(t, err)
	_, err = Seed(ctx, a.Repo, testNow, opts)
	require.NoError(t, err)
	second, err := a.Repo.ListCrew(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	phones := map[string]bool{}
	for _, c := range second {
		assert.False(t, phones[c.Phone], "duplicate phone %s", c.Phone)
		phones[c.Phone] = true
		assert.GreaterOrEqual(t, c.TrustScore, 70.0)
	}
}

func TestJournalSkipsHealthChecks(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	_, err := a.Engine.DispatchTrip(ctx, "TRP-2026-00291")
	require.NoError(t, err)
	a.Bus.Publish(ctx, bus.HealthCheck, map[string]any{"method": "ticket"})

	started, err := a.Repo.LatestEvents(ctx, 10, bus.TripStarted)
	require.NoError(t, err)
	assert.Len(t, started, 1)
	checks, err := a.Repo.LatestEvents(ctx, 10, bus.HealthCheck)
	require.NoError(t, err)
	assert.Empty(t, checks)
}

func TestSchedulerClosureAnchorsCompletedTrips(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	sched, err := NewScheduler(a.Engine, a.Runtime, a.Config, a.Log)
	require.NoError(t, err)
	assert.Equal(t, 2, sched.Entries())

	res := sched.Closure(ctx, "")
	require.Len(t, res, 1)
	require.Nil(t, res[0].Error)
	assert.Equal(t, int64(9800), res[0].Data.DailyRevenue)
	assert.Equal(t, 1, res[0].Data.TripCount)

	trip, err := a.Repo.GetTrip(ctx, "TRP-2026-00238")
	require.NoError(t, err)
	require.NotNil(t, trip.AnchorID)
	assert.Equal(t, res[0].Data.ID, *trip.AnchorID)
}

func TestSchedulerSkipsWritesWhenReadOnly(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	sched, err := NewScheduler(a.Engine, a.Runtime, a.Config, a.Log)
	require.NoError(t, err)

	a.Runtime.SetReadOnly(ctx, true)
	res := sched.Decay(ctx)
	require.NotNil(t, res.Error)
	assert.Equal(t, core.CodeWriteProtection, res.Error.Code)

	crew, err := a.Repo.GetCrew(ctx, "c4")
	require.NoError(t, err)
	assert.Equal(t, 98.0, crew.TrustScore)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	a := newTestApp(t)
	cfg := config.Default()
	cfg.Trust.DecaySchedule = "CRON_TZ=Africa/Nairobi 0 0 * * *"
	_, err := NewScheduler(a.Engine, a.Runtime, cfg, nil)
	assert.Error(t, err)

	cfg.Trust.DecaySchedule = ""
	cfg.Trust.ClosureSchedule = "not a schedule"
	_, err = NewScheduler(a.Engine, a.Runtime, cfg, nil)
	assert.Error(t, err)

	cfg.Trust.ClosureSchedule = ""
	sched, err := NewScheduler(a.Engine, a.Runtime, cfg, nil)
	require.NoError(t, err)
	assert.Zero(t, sched.Entries())
}

func TestOpenMigratesWorkspace(t *testing.T) {
	conn, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer conn.Close()
	_, err = repo.Repo{DB: conn}.ListSaccos(context.Background())
	assert.NoError(t, err)
}

func TestTicketReceiptIsLogged(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	sent := make(chan domain.SmsLog, 1)
	sub := a.Bus.Subscribe(sms.SmsSentEvent, func(_ context.Context, evt bus.Event) {
		if entry, ok := evt.Payload.(domain.SmsLog); ok {
			sent <- entry
		}
	})
	defer a.Bus.Unsubscribe(sms.SmsSentEvent, sub)

	resp := core.ExecuteSafe(ctx, a.Runtime, func(ctx context.Context) (domain.Ticket, error) {
		return a.Engine.IssueTicket(ctx, engine.TicketRequest{TripID: "TRP-2026-00290", Phone: "254711222333", Amount: 50})
	}, domain.Ticket{}, core.Options{Name: "ticket", Write: true})
	require.Nil(t, resp.Error)
	a.Engine.Wait()

	var entry domain.SmsLog
	select {
	case entry = <-sent:
	default:
		t.Fatal("no SMS_SENT event")
	}
	stored, err := a.Repo.GetSmsLog(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SmsSent, stored.Status)
	assert.Equal(t, "254711222333", stored.PhoneNumber)
	assert.Contains(t, stored.Message, resp.Data.ID)
}
