package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"lyncmos/internal/bus"
	"lyncmos/internal/domain"
	"lyncmos/internal/repo"
	"lyncmos/internal/sms"
)

type TicketRequest struct {
	TripID string `json:"tripId"`
	Phone  string `json:"phone"`
	Amount int64  `json:"amount"`
}

const ticketAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newTicketID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = ticketAlphabet[int(v)%len(ticketAlphabet)]
	}
	return "LYNC-T-" + string(out)
}

// IssueTicket sells one fare on an ACTIVE trip. Issuance on the same trip
// is serialized, and the ticket row and the trip totals commit together.
// The SMS receipt is sent in the background and never fails the sale.
func (e Engine) IssueTicket(ctx context.Context, req TicketRequest) (domain.Ticket, error) {
	req.Phone = strings.TrimSpace(req.Phone)
	if req.TripID == "" {
		return domain.Ticket{}, validationErr(CodeInvalidInput, "tripId is required")
	}
	if req.Phone == "" {
		return domain.Ticket{}, validationErr(CodeInvalidInput, "phone is required")
	}
	if req.Amount <= 0 {
		return domain.Ticket{}, validationErr(CodeInvalidAmount, "Ticket amount must be positive, got %d", req.Amount)
	}

	unlock := e.lockTrip(req.TripID)
	defer unlock()

	var ticket domain.Ticket
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		trip, err := e.Repo.GetTripTx(ctx, tx, req.TripID)
		if errors.Is(err, repo.ErrNotFound) {
			return domainErr(CodeTripNotActive, "Trip %s is not active", req.TripID)
		}
		if err != nil {
			return tripLookupErr(req.TripID, err)
		}
		if trip.Status != domain.TripActive {
			return domainErr(CodeTripNotActive, "Trip %s is %s; tickets require an ACTIVE trip", trip.ID, trip.Status)
		}
		now := e.stamp()
		ticket = domain.Ticket{
			ID:             newTicketID(),
			TripID:         trip.ID,
			PassengerPhone: req.Phone,
			Amount:         req.Amount,
			Timestamp:      now,
			Synced:         true,
		}
		if err := e.Repo.InsertTicket(ctx, tx, ticket); err != nil {
			return err
		}
		trip.TotalRevenue += req.Amount
		trip.TicketCount++
		trip.UpdatedAt = now
		return e.Repo.UpdateTrip(ctx, tx, trip)
	})
	if err != nil {
		return domain.Ticket{}, err
	}

	if e.Metrics != nil {
		e.Metrics.ObserveTicket(ticket.Amount)
	}
	e.sendReceipt(ctx, ticket)
	e.publish(ctx, bus.TicketIssued, ticket)
	return ticket, nil
}

func (e Engine) sendReceipt(ctx context.Context, t domain.Ticket) {
	if e.SMS == nil {
		return
	}
	msg := sms.TicketMessage(t.ID, t.Amount, t.TripID)
	ctx = context.WithoutCancel(ctx)
	if e.bg != nil {
		e.bg.Add(1)
	}
	go func() {
		if e.bg != nil {
			defer e.bg.Done()
		}
		if _, err := e.SMS.Send(ctx, t.PassengerPhone, msg); err != nil {
			e.logger().WithFields(logrus.Fields{"ticket_id": t.ID, "error": err}).Warn("engine: ticket receipt not delivered")
		}
	}()
}
