package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
)

// Read models served to platform consumers. None of them carries
// sacco-specific personal data.

type OperationalMetrics struct {
	ActiveTripCount     int                       `json:"activeTripCount"`
	GlobalTicketVolume  int                       `json:"globalTicketVolume"`
	GlobalRevenue       int64                     `json:"globalRevenue"`
	SystemLoadFactor    float64                   `json:"systemLoadFactor"`
	LastAnchorTimestamp *string                   `json:"lastAnchorTimestamp"`
	TripsByStatus       map[domain.TripStatus]int `json:"tripsByStatus"`
}

type GrowthMetrics struct {
	GMVTrend              []repo.DailyGMV `json:"gmvTrend"`
	OperatorChurnRate     float64         `json:"operatorChurnRate"`
	NewVehicleAcquisition int             `json:"newVehicleAcquisition"`
	ProjectionConfidence  float64         `json:"projectionConfidence"`
}

type RevenueHealth struct {
	UnanchoredRevenue      int64   `json:"unanchoredRevenue"`
	AnchoredRevenue        int64   `json:"anchoredRevenue"`
	ReconciliationRate     float64 `json:"reconciliationRate"`
	Web3VerificationStatus string  `json:"web3VerificationStatus" enum:"OPTIMAL,PENDING,CRITICAL"`
}

type TrustDistribution struct {
	Count          int     `json:"count"`
	Average        float64 `json:"average"`
	Median         float64 `json:"median"`
	TopQuartile    float64 `json:"topQuartile"`
	BottomQuartile float64 `json:"bottomQuartile"`
}

const (
	VerificationOptimal  = "OPTIMAL"
	VerificationPending  = "PENDING"
	VerificationCritical = "CRITICAL"

	growthWindow   = 30 * 24 * time.Hour
	churnThreshold = 50.0
)

func EmptyOperational() OperationalMetrics {
	return OperationalMetrics{TripsByStatus: map[domain.TripStatus]int{}}
}

func EmptyGrowth() GrowthMetrics { return GrowthMetrics{GMVTrend: []repo.DailyGMV{}} }

func EmptyRevenue() RevenueHealth {
	return RevenueHealth{Web3VerificationStatus: VerificationPending}
}

func (e Engine) OperationalMetrics(ctx context.Context) (OperationalMetrics, error) {
	counts, err := e.Repo.TripCounts(ctx)
	if err != nil {
		return OperationalMetrics{}, err
	}
	tickets, revenue, err := e.Repo.TicketVolume(ctx)
	if err != nil {
		return OperationalMetrics{}, err
	}
	vehicles, err := e.Repo.ListVehicles(ctx)
	if err != nil {
		return OperationalMetrics{}, err
	}
	m := OperationalMetrics{
		ActiveTripCount:    counts[domain.TripActive],
		GlobalTicketVolume: tickets,
		GlobalRevenue:      revenue,
		TripsByStatus:      counts,
	}
	if n := len(vehicles); n > 0 {
		m.SystemLoadFactor = round2(float64(m.ActiveTripCount) / float64(n))
	}
	last, err := e.Repo.LatestAnchor(ctx)
	switch {
	case err == nil:
		m.LastAnchorTimestamp = &last.AnchoredAt
	case !errors.Is(err, repo.ErrNotFound):
		return OperationalMetrics{}, err
	}
	return m, nil
}

func (e Engine) GrowthMetrics(ctx context.Context) (GrowthMetrics, error) {
	since := e.now().Add(-growthWindow)
	trend, err := e.Repo.GMVSince(ctx, since.Format(time.DateOnly))
	if err != nil {
		return GrowthMetrics{}, err
	}
	acquired, err := e.Repo.VehiclesRegisteredSince(ctx, since.Format(time.RFC3339))
	if err != nil {
		return GrowthMetrics{}, err
	}
	crew, err := e.Repo.ListCrew(ctx)
	if err != nil {
		return GrowthMetrics{}, err
	}
	m := GrowthMetrics{GMVTrend: trend, NewVehicleAcquisition: acquired}
	if len(crew) > 0 {
		atRisk := 0
		for _, c := range crew {
			if c.TrustScore < churnThreshold {
				atRisk++
			}
		}
		m.OperatorChurnRate = round2(float64(atRisk) / float64(len(crew)))
	}
	m.ProjectionConfidence = projectionConfidence(trend)
	return m, nil
}

// projectionConfidence is one minus the coefficient of variation of daily
// GMV, clamped to [0,1]. Fewer than two days give no confidence.
func projectionConfidence(trend []repo.DailyGMV) float64 {
	if len(trend) < 2 {
		return 0
	}
	var sum float64
	for _, d := range trend {
		sum += float64(d.Revenue)
	}
	mean := sum / float64(len(trend))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, d := range trend {
		diff := float64(d.Revenue) - mean
		variance += diff * diff
	}
	cv := math.Sqrt(variance/float64(len(trend))) / mean
	return round2(math.Max(0, math.Min(1, 1-cv)))
}

func (e Engine) RevenueHealth(ctx context.Context) (RevenueHealth, error) {
	anchored, unanchored, err := e.Repo.RevenueSplit(ctx)
	if err != nil {
		return RevenueHealth{}, err
	}
	h := RevenueHealth{AnchoredRevenue: anchored, UnanchoredRevenue: unanchored, ReconciliationRate: 1}
	if total := anchored + unanchored; total > 0 {
		h.ReconciliationRate = round3(float64(anchored) / float64(total))
	}
	switch {
	case h.ReconciliationRate >= 0.95:
		h.Web3VerificationStatus = VerificationOptimal
	case h.ReconciliationRate >= 0.5:
		h.Web3VerificationStatus = VerificationPending
	default:
		h.Web3VerificationStatus = VerificationCritical
	}
	return h, nil
}

func (e Engine) TrustDistribution(ctx context.Context) (TrustDistribution, error) {
	crew, err := e.Repo.ListCrew(ctx)
	if err != nil {
		return TrustDistribution{}, err
	}
	if len(crew) == 0 {
		return TrustDistribution{}, nil
	}
	scores := make([]float64, len(crew))
	var sum float64
	for i, c := range crew {
		scores[i] = c.TrustScore
		sum += c.TrustScore
	}
	sort.Float64s(scores)
	return TrustDistribution{
		Count:          len(scores),
		Average:        round2(sum / float64(len(scores))),
		Median:         round2(percentile(scores, 0.5)),
		TopQuartile:    round2(percentile(scores, 0.75)),
		BottomQuartile: round2(percentile(scores, 0.25)),
	}, nil
}

// percentile interpolates linearly over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
