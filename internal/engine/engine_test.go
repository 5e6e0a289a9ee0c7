package engine_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"lyncmos/internal/bus"
	"lyncmos/internal/config"
	"lyncmos/internal/db"
	"lyncmos/internal/domain"
	"lyncmos/internal/engine"
	"lyncmos/internal/migrate"
	"lyncmos/internal/repo"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingBus struct {
	mu       sync.Mutex
	names    []string
	payloads []any
}

func (b *recordingBus) Publish(_ context.Context, name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names = append(b.names, name)
	b.payloads = append(b.payloads, payload)
}

func (b *recordingBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, got := range b.names {
		if got == name {
			n++
		}
	}
	return n
}

func (b *recordingBus) last(name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.names) - 1; i >= 0; i-- {
		if b.names[i] == name {
			return b.payloads[i]
		}
	}
	return nil
}

type recordingSMS struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSMS) Send(_ context.Context, phone, message string) (domain.SmsLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, phone+"|"+message)
	return domain.SmsLog{Status: domain.SmsSent}, nil
}

type testEnv struct {
	Engine engine.Engine
	Bus    *recordingBus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return testNow }
	rec := &recordingBus{}
	eng.Bus = rec
	env := testEnv{Engine: eng, Bus: rec, Ctx: context.Background()}
	env.seed(t)
	return env
}

func (env testEnv) seed(t *testing.T) {
	t.Helper()
	r := env.Engine.Repo
	ts := testNow.Add(-48 * time.Hour).Format(time.RFC3339)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(r.UpsertSacco(env.Ctx, nil, domain.Sacco{ID: "sacco-1", Name: "Super Metro", Code: "SM", CreatedAt: ts}))
	must(r.UpsertRoute(env.Ctx, nil, domain.Route{ID: "route-1", SaccoID: "sacco-1", Code: "R1", Name: "CBD - Thika", BaseFare: 100, CreatedAt: ts}))
	for _, id := range []string{"veh-1", "veh-2"} {
		must(r.UpsertVehicle(env.Ctx, nil, domain.Vehicle{ID: id, SaccoID: "sacco-1", Plate: "KDA " + id, Capacity: 33, Status: "ACTIVE", RegisteredAt: ts}))
	}
	must(r.UpsertCrew(env.Ctx, nil, domain.CrewMember{ID: "drv-1", SaccoID: "sacco-1", Name: "John Kamau", Role: domain.RoleDriver, Phone: "+254711000001", TrustScore: 80, UpdatedAt: ts}))
	must(r.UpsertCrew(env.Ctx, nil, domain.CrewMember{ID: "con-1", SaccoID: "sacco-1", Name: "Mary Wanjiku", Role: domain.RoleConductor, Phone: "+254711000002", TrustScore: 99.9, UpdatedAt: ts}))
	env.addTrip(t, "trip-1", "veh-1", domain.TripReady, 0)
	env.addTrip(t, "trip-2", "veh-2", domain.TripScheduled, 0)
}

func (env testEnv) addTrip(t *testing.T, id, vehicle string, status domain.TripStatus, revenue int64) {
	t.Helper()
	ts := testNow.Add(-time.Hour).Format(time.RFC3339)
	trip := domain.Trip{
		ID: id, SaccoID: "sacco-1", RouteID: "route-1", VehicleID: vehicle,
		DriverID: "drv-1", ConductorID: "con-1", Status: status,
		ScheduledTime: ts, TotalRevenue: revenue, UpdatedAt: ts,
	}
	if status == domain.TripCompleted {
		trip.ActualStartTime = &ts
		trip.ActualEndTime = &ts
	}
	if err := env.Engine.Repo.InsertTrip(env.Ctx, nil, trip); err != nil {
		t.Fatalf("insert trip %s: %v", id, err)
	}
}

func (env testEnv) trip(t *testing.T, id string) domain.Trip {
	t.Helper()
	trip, err := env.Engine.Repo.GetTrip(env.Ctx, id)
	if err != nil {
		t.Fatalf("get trip %s: %v", id, err)
	}
	return trip
}

func TestDispatchTrip(t *testing.T) {
	env := newTestEnv(t)
	trip, err := env.Engine.DispatchTrip(env.Ctx, "trip-1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if trip.Status != domain.TripActive || trip.ActualStartTime == nil {
		t.Fatalf("expected ACTIVE with start time, got %+v", trip)
	}
	if got := env.trip(t, "trip-1"); got.Status != domain.TripActive {
		t.Fatalf("stored status %s", got.Status)
	}
	started, ok := env.Bus.last(bus.TripStarted).(domain.Trip)
	if !ok || started.ID != "trip-1" {
		t.Fatalf("expected TRIP_STARTED with the trip, got %#v", env.Bus.last(bus.TripStarted))
	}
}

func TestDispatchRequiresReady(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DispatchTrip(env.Ctx, "trip-2")
	if !engine.IsCode(err, engine.CodeInvalidStateTransition) {
		t.Fatalf("expected INVALID_STATE_TRANSITION, got %v", err)
	}
	if got := env.trip(t, "trip-2"); got.Status != domain.TripScheduled {
		t.Fatalf("status changed to %s", got.Status)
	}
	_, err = env.Engine.DispatchTrip(env.Ctx, "missing")
	if !engine.IsCode(err, engine.CodeTripNotFound) {
		t.Fatalf("expected TRIP_NOT_FOUND, got %v", err)
	}
	if env.Bus.count(bus.TripStarted) != 0 {
		t.Fatalf("unexpected TRIP_STARTED")
	}
}

func TestRevenueLockBlocksDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.addTrip(t, "trip-old", "veh-1", domain.TripCompleted, 60000)

	_, err := env.Engine.DispatchTrip(env.Ctx, "trip-1")
	if !engine.IsCode(err, engine.CodeRevenueLocked) {
		t.Fatalf("expected REVENUE_LOCKED, got %v", err)
	}
	if !strings.Contains(err.Error(), "60000") {
		t.Fatalf("message should cite the pending amount: %q", err.Error())
	}
	if got := env.trip(t, "trip-1"); got.Status != domain.TripReady {
		t.Fatalf("trip should stay READY, got %s", got.Status)
	}
}

func TestRevenueLockAggregation(t *testing.T) {
	env := newTestEnv(t)
	env.addTrip(t, "trip-a", "veh-1", domain.TripCompleted, 30000)
	env.addTrip(t, "trip-b", "veh-1", domain.TripCompleted, 30000)

	check, err := env.Engine.CanDispatch(env.Ctx, "veh-1")
	if err != nil {
		t.Fatal(err)
	}
	if check.Allowed || check.PendingRevenue != 60000 {
		t.Fatalf("sum aggregation should lock at 60000: %+v", check)
	}

	env.Engine.Config.Dispatch.LockAggregation = config.AggregateLatest
	check, err = env.Engine.CanDispatch(env.Ctx, "veh-1")
	if err != nil {
		t.Fatal(err)
	}
	if !check.Allowed || check.PendingRevenue != 30000 {
		t.Fatalf("latest aggregation should allow: %+v", check)
	}
}

func TestConcurrentTicketsSumExactly(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DispatchTrip(env.Ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	var want int64
	for i := 0; i < n; i++ {
		amount := int64(50 + i*10)
		want += amount
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			_, err := env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{
				TripID: "trip-1",
				Phone:  fmt.Sprintf("+2547220000%02d", i),
				Amount: amount,
			})
			errs <- err
		}(i, amount)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("issue ticket: %v", err)
		}
	}
	trip := env.trip(t, "trip-1")
	if trip.TotalRevenue != want || trip.TicketCount != n {
		t.Fatalf("revenue %d/%d tickets %d/%d", trip.TotalRevenue, want, trip.TicketCount, n)
	}
	tickets, err := env.Engine.Repo.ListTickets(env.Ctx, "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != n {
		t.Fatalf("expected %d tickets, got %d", n, len(tickets))
	}
	if env.Bus.count(bus.TicketIssued) != n {
		t.Fatalf("expected %d TICKET_ISSUED events", n)
	}
}

func TestIssueTicketRequiresActiveTrip(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{TripID: "trip-1", Phone: "+254722000001", Amount: 100})
	if !engine.IsCode(err, engine.CodeTripNotActive) {
		t.Fatalf("expected TRIP_NOT_ACTIVE, got %v", err)
	}
	tickets, _ := env.Engine.Repo.ListTickets(env.Ctx, "trip-1")
	if len(tickets) != 0 {
		t.Fatalf("no ticket should be stored, got %d", len(tickets))
	}
	_, err = env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{TripID: "trip-1", Phone: "+254722000001", Amount: 0})
	if !engine.IsCode(err, engine.CodeInvalidAmount) {
		t.Fatalf("expected INVALID_AMOUNT, got %v", err)
	}
	_, err = env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{TripID: "NO-SUCH-TRIP", Phone: "+254722000001", Amount: 100})
	if !engine.IsCode(err, engine.CodeTripNotActive) {
		t.Fatalf("expected TRIP_NOT_ACTIVE for unknown trip, got %v", err)
	}
}

func TestIssueTicketSendsReceipt(t *testing.T) {
	env := newTestEnv(t)
	relay := &recordingSMS{}
	env.Engine.SMS = relay
	if _, err := env.Engine.DispatchTrip(env.Ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	ticket, err := env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{TripID: "trip-1", Phone: "+254722000009", Amount: 120})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ticket.ID, "LYNC-T-") || len(ticket.ID) != len("LYNC-T-")+6 {
		t.Fatalf("unexpected ticket id %q", ticket.ID)
	}
	env.Engine.Wait()
	relay.mu.Lock()
	defer relay.mu.Unlock()
	want := fmt.Sprintf("+254722000009|LYNC Ticket: %s. Amt: KES 120. Trip: trip-1.", ticket.ID)
	if len(relay.sent) != 1 || relay.sent[0] != want {
		t.Fatalf("receipt %v", relay.sent)
	}
}

func TestCompleteTripAwardsDriver(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-1", domain.TripActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	trip, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-1", domain.TripCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if trip.ActualEndTime == nil {
		t.Fatalf("end time not stamped")
	}
	driver, err := env.Engine.Repo.GetCrew(env.Ctx, "drv-1")
	if err != nil {
		t.Fatal(err)
	}
	if driver.IncentiveBalance != 15 || math.Abs(driver.TrustScore-80.2) > 1e-9 {
		t.Fatalf("driver not rewarded: %+v", driver)
	}
	incentives, err := env.Engine.Repo.ListIncentives(env.Ctx, "drv-1")
	if err != nil || len(incentives) != 1 {
		t.Fatalf("incentives %v %v", incentives, err)
	}
	if env.Bus.count(bus.TripCompleted) != 1 || env.Bus.count(bus.TrustUpdated) != 1 {
		t.Fatalf("events %v", env.Bus.names)
	}
	_, err = env.Engine.UpdateTripStatus(env.Ctx, "trip-1", domain.TripReady)
	if !engine.IsCode(err, engine.CodeInvalidStateTransition) {
		t.Fatalf("completed trip must be final, got %v", err)
	}
}

func TestTrustBonusIsCapped(t *testing.T) {
	env := newTestEnv(t)
	r := env.Engine.Repo
	if err := r.UpsertCrew(env.Ctx, nil, domain.CrewMember{ID: "drv-1", SaccoID: "sacco-1", Name: "John Kamau", Role: domain.RoleDriver, Phone: "+254711000001", TrustScore: 99.9, UpdatedAt: testNow.Format(time.RFC3339)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-1", domain.TripActive); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-1", domain.TripCompleted); err != nil {
		t.Fatal(err)
	}
	driver, _ := r.GetCrew(env.Ctx, "drv-1")
	if driver.TrustScore != 100 {
		t.Fatalf("trust should cap at 100, got %v", driver.TrustScore)
	}
}

func TestUpdateTripStatusRules(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", "BOARDING"); !engine.IsCode(err, engine.CodeInvalidStatus) {
		t.Fatalf("expected INVALID_STATUS, got %v", err)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", domain.TripCompleted); !engine.IsCode(err, engine.CodeInvalidStateTransition) {
		t.Fatalf("unstarted trip cannot complete, got %v", err)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", domain.TripActive); !engine.IsCode(err, engine.CodeInvalidStateTransition) {
		t.Fatalf("SCHEDULED trip cannot start, got %v", err)
	}
	trip, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", domain.TripDelayed)
	if err != nil || trip.Status != domain.TripDelayed {
		t.Fatalf("delay: %v %+v", err, trip)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", domain.TripCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTripStatus(env.Ctx, "trip-2", domain.TripReady); !engine.IsCode(err, engine.CodeInvalidStateTransition) {
		t.Fatalf("cancelled trip must be final, got %v", err)
	}
}

func TestApplyTrustDecay(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ApplyTrustDecay(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 2 {
		t.Fatalf("expected 2 crew updated, got %d", res.Updated)
	}
	driver, _ := env.Engine.Repo.GetCrew(env.Ctx, "drv-1")
	if math.Abs(driver.TrustScore-79.92) > 1e-9 {
		t.Fatalf("decayed score %v", driver.TrustScore)
	}
	if env.Bus.count(bus.TrustDecayApplied) != 1 {
		t.Fatalf("expected one TRUST_DECAY_APPLIED, got %v", env.Bus.names)
	}
}

func TestDailyClosureReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	env.addTrip(t, "trip-old", "veh-1", domain.TripCompleted, 60000)

	a, err := env.Engine.PerformDailyClosure(env.Ctx, "sacco-1", "")
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	if a.Date != "2026-03-01" || a.TripCount != 1 || a.DailyRevenue != 60000 || len(a.Hash) != 64 || a.TxID == "" {
		t.Fatalf("anchor %+v", a)
	}
	if got := env.trip(t, "trip-old"); got.AnchorID == nil || *got.AnchorID != a.ID {
		t.Fatalf("trip not linked to anchor: %+v", got)
	}
	if env.Bus.count(bus.RevenueAnchored) != 1 {
		t.Fatalf("expected REVENUE_ANCHORED")
	}
	if _, err := env.Engine.DispatchTrip(env.Ctx, "trip-1"); err != nil {
		t.Fatalf("dispatch after closure: %v", err)
	}
	health, err := env.Engine.RevenueHealth(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.ReconciliationRate != 1 || health.Web3VerificationStatus != engine.VerificationOptimal {
		t.Fatalf("revenue health %+v", health)
	}
	if _, err := env.Engine.PerformDailyClosure(env.Ctx, "sacco-1", "01-03-2026"); !engine.IsCode(err, engine.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for bad date, got %v", err)
	}
}

func TestVerifiableTrust(t *testing.T) {
	env := newTestEnv(t)
	vc, err := env.Engine.VerifiableTrust(env.Ctx, "drv-1")
	if err != nil {
		t.Fatal(err)
	}
	if vc.Subject != "drv-1" || vc.Claims.TrustScore != 80 || vc.Signature == "" {
		t.Fatalf("credential %+v", vc)
	}
	if vc.Claims.ValidUntil != "2026-03-31T08:00:00Z" {
		t.Fatalf("validUntil %s", vc.Claims.ValidUntil)
	}
	if env.Bus.count(bus.CredentialIssued) != 1 {
		t.Fatalf("expected CREDENTIAL_ISSUED")
	}
	if _, err := env.Engine.VerifiableTrust(env.Ctx, "ghost"); !engine.IsCode(err, engine.CodeCrewNotFound) {
		t.Fatalf("expected CREW_NOT_FOUND, got %v", err)
	}
}

func TestTerminalContext(t *testing.T) {
	env := newTestEnv(t)
	tc, err := env.Engine.TerminalContext(env.Ctx, "+254711000002")
	if err != nil {
		t.Fatal(err)
	}
	if !tc.Authorized || tc.Operator.ID != "con-1" || tc.ActiveTrip != nil {
		t.Fatalf("idle terminal %+v", tc)
	}
	if _, err := env.Engine.DispatchTrip(env.Ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	tc, err = env.Engine.TerminalContext(env.Ctx, "+254711000002")
	if err != nil {
		t.Fatal(err)
	}
	if tc.ActiveTrip == nil || tc.ActiveTrip.ID != "trip-1" || tc.Route == nil || tc.Vehicle == nil {
		t.Fatalf("active terminal %+v", tc)
	}
	if _, err := env.Engine.TerminalContext(env.Ctx, "+254799999999"); !engine.IsCode(err, engine.CodeUnauthorizedOperator) {
		t.Fatalf("expected UNAUTHORIZED_OPERATOR, got %v", err)
	}
}

func TestReports(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DispatchTrip(env.Ctx, "trip-1"); err != nil {
		t.Fatal(err)
	}
	for _, amount := range []int64{100, 150} {
		if _, err := env.Engine.IssueTicket(env.Ctx, engine.TicketRequest{TripID: "trip-1", Phone: "+254733000001", Amount: amount}); err != nil {
			t.Fatal(err)
		}
	}
	ops, err := env.Engine.OperationalMetrics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ops.ActiveTripCount != 1 || ops.GlobalTicketVolume != 2 || ops.GlobalRevenue != 250 || ops.SystemLoadFactor != 0.5 {
		t.Fatalf("operational %+v", ops)
	}
	growth, err := env.Engine.GrowthMetrics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(growth.GMVTrend) != 1 || growth.GMVTrend[0] != (repo.DailyGMV{Date: "2026-03-01", Revenue: 250, Tickets: 2}) {
		t.Fatalf("gmv %+v", growth.GMVTrend)
	}
	if growth.NewVehicleAcquisition != 2 {
		t.Fatalf("acquisition %d", growth.NewVehicleAcquisition)
	}
	dist, err := env.Engine.TrustDistribution(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dist.Count != 2 || dist.Average != 89.95 {
		t.Fatalf("distribution %+v", dist)
	}
}
