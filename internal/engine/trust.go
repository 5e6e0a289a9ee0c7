package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"lyncmos/internal/bus"
	"lyncmos/internal/core"
	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

type DecayResult struct {
	Updated   int     `json:"updated"`
	Rate      float64 `json:"rate"`
	AppliedAt string  `json:"appliedAt" format:"date-time"`
}

// ApplyTrustDecay scales every crew member's trust score by (1 - rate) in
// one transaction and announces it with a single event.
func (e Engine) ApplyTrustDecay(ctx context.Context) (DecayResult, error) {
	rate := e.Config.Trust.DecayRate
	res := DecayResult{Rate: rate, AppliedAt: e.stamp()}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		crew, err := e.Repo.ListCrewTx(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range crew {
			c.TrustScore = math.Max(0, c.TrustScore*(1-rate))
			c.UpdatedAt = res.AppliedAt
			if err := e.Repo.UpdateCrewScore(ctx, tx, c); err != nil {
				return fmt.Errorf("decay %s: %w", c.ID, err)
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return DecayResult{}, err
	}
	e.publish(ctx, bus.TrustDecayApplied, res)
	return res, nil
}

// VerifiableTrust issues a signed credential for a crew member's current
// trust score.
func (e Engine) VerifiableTrust(ctx context.Context, crewID string) (domain.VerifiableCredential, error) {
	crew, err := e.Repo.GetCrew(ctx, crewID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.VerifiableCredential{}, domainErr(CodeCrewNotFound, "Crew member %s not found", crewID)
	}
	if err != nil {
		return domain.VerifiableCredential{}, err
	}
	vc, err := e.Anchor.Sign(crew.ID, domain.CredentialClaims{
		TrustScore: crew.TrustScore,
		IssuedAt:   e.stamp(),
	})
	if err != nil {
		return domain.VerifiableCredential{}, fmt.Errorf("sign credential: %w", err)
	}
	e.publish(ctx, bus.CredentialIssued, map[string]any{
		"subject":    vc.Subject,
		"issuer":     vc.Issuer,
		"trustScore": vc.Claims.TrustScore,
		"validUntil": vc.Claims.ValidUntil,
	})
	return vc, nil
}

// TerminalContext is what an operator terminal shows after phone login.
type TerminalContext struct {
	Authorized bool               `json:"authorized"`
	Operator   *domain.CrewMember `json:"operator"`
	ActiveTrip *domain.Trip       `json:"activeTrip"`
	Route      *domain.Route      `json:"route"`
	Vehicle    *domain.Vehicle    `json:"vehicle"`
}

// UnknownTerminal is the fallback shown when the operator cannot be resolved.
func UnknownTerminal() TerminalContext { return TerminalContext{} }

func (e Engine) TerminalContext(ctx context.Context, phone string) (TerminalContext, error) {
	if phone == "" {
		return TerminalContext{}, validationErr(CodeInvalidInput, "phone is required")
	}
	crew, err := e.Repo.GetCrewByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return TerminalContext{}, &Error{Code: CodeUnauthorizedOperator, Message: "No crew member is registered for this phone", Kind: core.KindAuthorization}
	}
	if err != nil {
		return TerminalContext{}, err
	}
	out := TerminalContext{Authorized: true, Operator: &crew}
	trip, err := e.Repo.ActiveTripForCrew(ctx, crew.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return TerminalContext{}, err
	}
	out.ActiveTrip = &trip
	if rt, err := e.Repo.GetRoute(ctx, trip.RouteID); err == nil {
		out.Route = &rt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TerminalContext{}, err
	}
	if v, err := e.Repo.GetVehicle(ctx, trip.VehicleID); err == nil {
		out.Vehicle = &v
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TerminalContext{}, err
	}
	return out, nil
}
