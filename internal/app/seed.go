package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

// SeedSaccoID is the sacco the fixture belongs to.
const SeedSaccoID = "s1"

// SeedOptions sizes the generated part of the fixture. The core fleet is
// always loaded; zero counts load only the core fleet.
type SeedOptions struct {
	Branches int
	Crew     int
	Vehicles int
	// Seed makes the generated names, phones and plates reproducible.
	Seed uint64
}

// SeedSummary counts what Seed wrote.
type SeedSummary struct {
	Branches int `json:"branches"`
	Vehicles int `json:"vehicles"`
	Crew     int `json:"crew"`
	Routes   int `json:"routes"`
	Trips    int `json:"trips"`
}

var (
	firstNames = []string{"John", "Peter", "Alice", "Mary", "James", "Patrick", "Grace", "Mercy", "Kevin", "Sarah",
		"Francis", "David", "Lucy", "Emily", "Brian", "Victor", "Naomi", "Rose", "Dan", "Sam"}
	lastNames = []string{"Maina", "Kamau", "Ochieng", "Ndungu", "Wambui", "Musa", "Juma", "Karanja", "Mwangi", "Otieno",
		"Kibet", "Muthoni", "Njoroge", "Githinji", "Anyango", "Atieno", "Okoth", "Kariuki", "Mugo", "Naliaka"}
	locations = []string{"Nairobi CBD", "Thika Town", "Juja Terminal", "Westlands", "Umoja", "Donholm", "Githurai 45",
		"Ruiru", "Safari Park", "Mwiki", "Kasarani", "Rongai", "Ngong", "Kitengela", "Syokimau"}
)

type fixture struct {
	branches []domain.Branch
	vehicles []domain.Vehicle
	crew     []domain.CrewMember
	routes   []domain.Route
	trips    []domain.Trip
}

func coreFixture(now time.Time) fixture {
	ts := now.UTC().Format(time.RFC3339)
	day := now.UTC().Truncate(24 * time.Hour)
	at := func(h, m int) string { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute).Format(time.RFC3339) }
	started := at(10, 50)
	ended := at(9, 40)

	f := fixture{
		branches: []domain.Branch{
			{ID: "b1", SaccoID: SeedSaccoID, Name: "CBD Station"},
			{ID: "b2", SaccoID: SeedSaccoID, Name: "Thika Branch"},
			{ID: "b3", SaccoID: SeedSaccoID, Name: "Juja Terminal"},
		},
		vehicles: []domain.Vehicle{
			{ID: "v1", BranchID: "b1", Plate: "KCT 918R", Capacity: 33},
			{ID: "v2", BranchID: "b1", Plate: "KDG 560X", Capacity: 14},
			{ID: "v3", BranchID: "b2", Plate: "KCN 741Z", Capacity: 14},
			{ID: "v4", BranchID: "b1", Plate: "KDB 433Y", Capacity: 14},
			{ID: "v5", BranchID: "b2", Plate: "KDM 130Y", Capacity: 33},
		},
		crew: []domain.CrewMember{
			{ID: "c1", Name: "Mike Ochieng", Role: domain.RoleDriver, Phone: "254700000001", TrustScore: 92, IncentiveBalance: 450},
			{ID: "c2", Name: "Patrick Ndungu", Role: domain.RoleDriver, Phone: "254700000002", TrustScore: 88, IncentiveBalance: 120},
			{ID: "c3", Name: "James Kamau", Role: domain.RoleDriver, Phone: "254700000003", TrustScore: 95, IncentiveBalance: 890},
			{ID: "c4", Name: "Alice Wambui", Role: domain.RoleConductor, Phone: "254700000004", TrustScore: 98, IncentiveBalance: 1250},
		},
		routes: []domain.Route{
			{ID: "r1", Code: "105E", Name: "Route 105E (CBD - Umoja)", BaseFare: 50,
				Segments: []string{"Umoja Inner", "Umoja Outer", "Donholm", "Jogoo Rd", "CBD"}},
			{ID: "r2", Code: "237", Name: "Route 237 (CBD - Thika)", BaseFare: 100,
				Segments: []string{"Thika", "Juja", "Ruiru", "Safari Park", "CBD"}},
		},
		trips: []domain.Trip{
			{ID: "TRP-2026-00291", RouteID: "r1", VehicleID: "v1", DriverID: "c1", ConductorID: "c4", Status: domain.TripReady,
				ScheduledTime: at(10, 15), TotalRevenue: 12500, TicketCount: 250},
			{ID: "TRP-2026-00290", RouteID: "r1", VehicleID: "v2", DriverID: "c2", ConductorID: "c4", Status: domain.TripActive,
				ScheduledTime: at(10, 45), ActualStartTime: &started, TotalRevenue: 8400, TicketCount: 168},
			{ID: "TRP-2026-00239", RouteID: "r2", VehicleID: "v3", DriverID: "c3", ConductorID: "c4", Status: domain.TripReady,
				ScheduledTime: at(11, 0), TotalRevenue: 15600, TicketCount: 156},
			{ID: "TRP-2026-00238", RouteID: "r2", VehicleID: "v5", DriverID: "c3", ConductorID: "c4", Status: domain.TripCompleted,
				ScheduledTime: at(8, 0), ActualStartTime: ptr(at(8, 5)), ActualEndTime: &ended, TotalRevenue: 9800, TicketCount: 98},
		},
	}
	for i := range f.vehicles {
		f.vehicles[i].SaccoID = SeedSaccoID
		f.vehicles[i].Status = "ACTIVE"
		f.vehicles[i].RegisteredAt = ts
	}
	for i := range f.crew {
		f.crew[i].SaccoID = SeedSaccoID
		f.crew[i].UpdatedAt = ts
	}
	for i := range f.routes {
		f.routes[i].SaccoID = SeedSaccoID
		f.routes[i].CreatedAt = ts
	}
	for i := range f.trips {
		f.trips[i].SaccoID = SeedSaccoID
		f.trips[i].UpdatedAt = ts
	}
	return f
}

func ptr(s string) *string { return &s }

// generate extends f with opts' synthetic branches, crew and vehicles. Ids
// continue after the core fleet and phones and plates stay unique.
func (f *fixture) generate(opts SeedOptions, now time.Time) {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed))
	pick := func(list []string) string { return list[rng.IntN(len(list))] }
	ts := now.UTC().Format(time.RFC3339)

	for i := len(f.branches) + 1; i <= len(f.branches)+opts.Branches; i++ {
		f.branches = append(f.branches, domain.Branch{ID: fmt.Sprintf("b%d", i), SaccoID: SeedSaccoID, Name: fmt.Sprintf("%s Station %d", pick(locations), i)})
	}
	branches := len(f.branches)

	phones := map[string]bool{}
	for _, c := range f.crew {
		phones[c.Phone] = true
	}
	base := len(f.crew)
	for i := base + 1; i <= base+opts.Crew; i++ {
		role := domain.RoleConductor
		if i%2 == 0 {
			role = domain.RoleDriver
		}
		phone := fmt.Sprintf("2547%08d", 10000000+rng.IntN(90000000))
		for phones[phone] {
			phone = fmt.Sprintf("2547%08d", 10000000+rng.IntN(90000000))
		}
		phones[phone] = true
		f.crew = append(f.crew, domain.CrewMember{
			ID:               fmt.Sprintf("c%d", i),
			SaccoID:          SeedSaccoID,
			Name:             pick(firstNames) + " " + pick(lastNames),
			Role:             role,
			Phone:            phone,
			TrustScore:       float64(70 + rng.IntN(30)),
			IncentiveBalance: int64(rng.IntN(2000)),
			UpdatedAt:        ts,
		})
	}

	plates := map[string]bool{}
	for _, v := range f.vehicles {
		plates[v.Plate] = true
	}
	plate := func() string {
		return fmt.Sprintf("K%s%s%s %d%s", pick([]string{"C", "D", "E"}), pick([]string{"A", "B", "G", "T", "M"}),
			pick([]string{"X", "Y", "Z"}), 100+rng.IntN(899), pick([]string{"A", "B", "R", "Q"}))
	}
	base = len(f.vehicles)
	for i := base + 1; i <= base+opts.Vehicles; i++ {
		p := plate()
		for plates[p] {
			p = plate()
		}
		plates[p] = true
		capacity := 14
		if rng.IntN(3) == 0 {
			capacity = 33
		}
		f.vehicles = append(f.vehicles, domain.Vehicle{
			ID:           fmt.Sprintf("v%d", i),
			SaccoID:      SeedSaccoID,
			BranchID:     fmt.Sprintf("b%d", 1+rng.IntN(branches)),
			Plate:        p,
			Capacity:     capacity,
			Status:       "ACTIVE",
			RegisteredAt: ts,
		})
	}
}

// Seed loads the Super Metro fixture in one transaction. Fleet rows are
// upserted; trips that already exist are left alone so a re-seed never
// rewinds live trip state.
func Seed(ctx context.Context, r repo.Repo, now time.Time, opts SeedOptions) (SeedSummary, error) {
	f := coreFixture(now)
	f.generate(opts, now)

	var sum SeedSummary
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.UpsertSacco(ctx, tx, domain.Sacco{ID: SeedSaccoID, Name: "Super Metro", Code: "SMETRO", CreatedAt: now.UTC().Format(time.RFC3339)}); err != nil {
			return fmt.Errorf("seed sacco: %w", err)
		}
		for _, b := range f.branches {
			if err := r.UpsertBranch(ctx, tx, b); err != nil {
				return fmt.Errorf("seed branch %s: %w", b.ID, err)
			}
			sum.Branches++
		}
		for _, v := range f.vehicles {
			if err := r.UpsertVehicle(ctx, tx, v); err != nil {
				return fmt.Errorf("seed vehicle %s: %w", v.ID, err)
			}
			sum.Vehicles++
		}
		for _, c := range f.crew {
			if err := r.UpsertCrew(ctx, tx, c); err != nil {
				return fmt.Errorf("seed crew %s: %w", c.ID, err)
			}
			sum.Crew++
		}
		for _, rt := range f.routes {
			if err := r.UpsertRoute(ctx, tx, rt); err != nil {
				return fmt.Errorf("seed route %s: %w", rt.ID, err)
			}
			sum.Routes++
		}
		for _, t := range f.trips {
			_, err := r.GetTripTx(ctx, tx, t.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err := r.InsertTrip(ctx, tx, t); err != nil {
				return fmt.Errorf("seed trip %s: %w", t.ID, err)
			}
			sum.Trips++
		}
		return nil
	})
	return sum, err
}
