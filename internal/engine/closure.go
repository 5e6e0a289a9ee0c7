package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/anchor"
	"lyncmos/internal/bus"
	"lyncmos/internal/domain"
)

// PerformDailyClosure hashes the day's unanchored completed revenue of a
// sacco, anchors the hash and links the trips to the resulting anchor,
// which releases their revenue from the dispatch lock. day is YYYY-MM-DD
// and defaults to today.
func (e Engine) PerformDailyClosure(ctx context.Context, saccoID, day string) (domain.DailyAnchor, error) {
	if strings.TrimSpace(saccoID) == "" {
		return domain.DailyAnchor{}, validationErr(CodeInvalidInput, "saccoId is required")
	}
	if day == "" {
		day = e.now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return domain.DailyAnchor{}, validationErr(CodeInvalidInput, "date must be YYYY-MM-DD, got %q", day)
	}

	trips, err := e.Repo.UnanchoredCompletedTrips(ctx, saccoID, day)
	if err != nil {
		return domain.DailyAnchor{}, fmt.Errorf("closure trips: %w", err)
	}
	var revenue int64
	var tickets int
	ids := make([]string, 0, len(trips))
	for _, t := range trips {
		revenue += t.TotalRevenue
		tickets += t.TicketCount
		ids = append(ids, t.ID)
	}
	hash := anchor.RevenueHash(day, saccoID, revenue, tickets)
	proof, err := e.Anchor.Anchor(ctx, hash)
	if err != nil {
		return domain.DailyAnchor{}, fmt.Errorf("anchor revenue: %w", err)
	}

	a := domain.DailyAnchor{
		ID:           fmt.Sprintf("ANCHOR-%s-%s", day, uuid.NewString()[:8]),
		SaccoID:      saccoID,
		Date:         day,
		DailyRevenue: revenue,
		TicketCount:  tickets,
		TripCount:    len(trips),
		Hash:         hash,
		TxID:         proof.TxID,
		BlockNumber:  proof.BlockNumber,
		Network:      proof.Network,
		AnchoredAt:   e.stamp(),
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAnchor(ctx, tx, a); err != nil {
			return err
		}
		return e.Repo.MarkTripsAnchored(ctx, tx, a.ID, ids)
	})
	if err != nil {
		return domain.DailyAnchor{}, err
	}
	e.logger().WithFields(logrus.Fields{"sacco_id": saccoID, "date": day, "trips": len(trips), "revenue": revenue}).Info("engine: daily closure anchored")
	e.publish(ctx, bus.RevenueAnchored, a)
	return a, nil
}
