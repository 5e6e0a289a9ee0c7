package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/bus"
	"lyncmos/internal/config"
	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

// DispatchCheck is the revenue lock verdict for a vehicle.
type DispatchCheck struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	PendingRevenue int64  `json:"pendingRevenue"`
	Threshold      int64  `json:"threshold"`
}

// CanDispatch applies the revenue lock: a vehicle carrying more unanchored
// revenue than the threshold may not start another trip.
func (e Engine) CanDispatch(ctx context.Context, vehicleID string) (DispatchCheck, error) {
	threshold := e.Config.Dispatch.RevenueLockThreshold
	latestOnly := e.Config.Dispatch.LockAggregation == config.AggregateLatest
	pending, err := e.Repo.UnanchoredRevenue(ctx, vehicleID, latestOnly)
	if err != nil {
		return DispatchCheck{}, fmt.Errorf("unanchored revenue: %w", err)
	}
	check := DispatchCheck{Allowed: true, PendingRevenue: pending, Threshold: threshold}
	if pending > threshold {
		check.Allowed = false
		check.Reason = fmt.Sprintf("Revenue Lock: KES %d pending anchor. Deposit required.", pending)
	}
	return check, nil
}

// DispatchTrip moves a READY trip to ACTIVE once the revenue lock allows it.
func (e Engine) DispatchTrip(ctx context.Context, tripID string) (domain.Trip, error) {
	unlock := e.lockTrip(tripID)
	defer unlock()

	trip, err := e.Repo.GetTrip(ctx, tripID)
	if err != nil {
		return domain.Trip{}, tripLookupErr(tripID, err)
	}
	if trip.Status != domain.TripReady {
		return domain.Trip{}, domainErr(CodeInvalidStateTransition, "Trip %s is %s; only READY trips can be dispatched", trip.ID, trip.Status)
	}
	return e.start(ctx, trip)
}

// start runs the revenue lock and activates trip. Callers hold the trip lock.
func (e Engine) start(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	check, err := e.CanDispatch(ctx, trip.VehicleID)
	if err != nil {
		return domain.Trip{}, err
	}
	if !check.Allowed {
		return domain.Trip{}, domainErr(CodeRevenueLocked, "%s", check.Reason)
	}
	now := e.stamp()
	trip.Status = domain.TripActive
	trip.ActualStartTime = &now
	trip.UpdatedAt = now
	if err := e.Repo.UpdateTrip(ctx, nil, trip); err != nil {
		return domain.Trip{}, tripLookupErr(trip.ID, err)
	}
	e.logger().WithFields(logrus.Fields{"trip_id": trip.ID, "vehicle_id": trip.VehicleID}).Info("engine: trip dispatched")
	e.publish(ctx, bus.TripStarted, trip)
	return trip, nil
}

// UpdateTripStatus applies a status change requested by an operator.
// Terminal trips are final, READY to ACTIVE goes through the revenue lock,
// and completion stamps the end time and pays the driver's incentive.
func (e Engine) UpdateTripStatus(ctx context.Context, tripID string, status domain.TripStatus) (domain.Trip, error) {
	if !status.Valid() {
		return domain.Trip{}, validationErr(CodeInvalidStatus, "Unknown trip status %q", status)
	}
	unlock := e.lockTrip(tripID)
	defer unlock()

	trip, err := e.Repo.GetTrip(ctx, tripID)
	if err != nil {
		return domain.Trip{}, tripLookupErr(tripID, err)
	}
	if trip.Status == status {
		return trip, nil
	}
	if trip.Status.Terminal() {
		return domain.Trip{}, domainErr(CodeInvalidStateTransition, "Trip %s is already %s", trip.ID, trip.Status)
	}

	switch status {
	case domain.TripActive:
		if trip.ActualStartTime == nil {
			if trip.Status != domain.TripReady {
				return domain.Trip{}, domainErr(CodeInvalidStateTransition, "Trip %s is %s; only READY trips can be dispatched", trip.ID, trip.Status)
			}
			return e.start(ctx, trip)
		}
	case domain.TripCompleted:
		if trip.ActualStartTime == nil {
			return domain.Trip{}, domainErr(CodeInvalidStateTransition, "Trip %s never started", trip.ID)
		}
		return e.complete(ctx, trip)
	}

	trip.Status = status
	trip.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTrip(ctx, nil, trip); err != nil {
		return domain.Trip{}, tripLookupErr(trip.ID, err)
	}
	return trip, nil
}

func (e Engine) complete(ctx context.Context, trip domain.Trip) (domain.Trip, error) {
	now := e.stamp()
	trip.Status = domain.TripCompleted
	trip.ActualEndTime = &now
	trip.UpdatedAt = now

	var award *domain.IncentiveTransaction
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTrip(ctx, tx, trip); err != nil {
			return err
		}
		var err error
		award, err = e.awardCompletion(ctx, tx, trip)
		return err
	})
	if err != nil {
		return domain.Trip{}, tripLookupErr(trip.ID, err)
	}
	e.publish(ctx, bus.TripCompleted, trip)
	trust := map[string]any{"tripId": trip.ID}
	if award != nil {
		trust["crewId"] = award.CrewID
		trust["amount"] = award.Amount
		trust["trustGain"] = award.TrustGain
	}
	e.publish(ctx, bus.TrustUpdated, trust)
	return trip, nil
}

// awardCompletion credits the driver of a completed trip. A trip whose
// driver is not on the roster earns nothing.
func (e Engine) awardCompletion(ctx context.Context, tx *sql.Tx, trip domain.Trip) (*domain.IncentiveTransaction, error) {
	driver, err := e.Repo.GetCrewTx(ctx, tx, trip.DriverID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load driver: %w", err)
	}
	amount := e.Config.Trust.CompletionIncentive
	gain := e.Config.Trust.CompletionTrustBonus
	before := driver.TrustScore
	driver.IncentiveBalance += amount
	driver.TrustScore = math.Min(100, driver.TrustScore+gain)
	driver.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateCrewScore(ctx, tx, driver); err != nil {
		return nil, fmt.Errorf("update driver: %w", err)
	}
	it := domain.IncentiveTransaction{
		ID:        "TX-" + uuid.NewString(),
		CrewID:    driver.ID,
		TripID:    trip.ID,
		Amount:    amount,
		TrustGain: driver.TrustScore - before,
		Reason:    "Operational Performance",
		CreatedAt: driver.UpdatedAt,
	}
	if err := e.Repo.InsertIncentive(ctx, tx, it); err != nil {
		return nil, fmt.Errorf("record incentive: %w", err)
	}
	return &it, nil
}

// ListTrips is the read side used by the HTTP and CLI surfaces.
func (e Engine) ListTrips(ctx context.Context, f repo.TripFilter) ([]domain.Trip, error) {
	trips, err := e.Repo.ListTrips(ctx, f)
	if err != nil {
		return nil, err
	}
	if trips == nil {
		trips = []domain.Trip{}
	}
	return trips, nil
}
