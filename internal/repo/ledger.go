package repo

import (
	"context"
	"database/sql"

	"lyncmos/internal/domain"
)

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tickets(id,trip_id,passenger_phone,amount,ts,synced) VALUES (?,?,?,?,?,?)`,
		t.ID, t.TripID, t.PassengerPhone, t.Amount, t.Timestamp, boolInt(t.Synced))
	return err
}

func (r Repo) ListTickets(ctx context.Context, tripID string) ([]domain.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,trip_id,passenger_phone,amount,ts,synced FROM tickets WHERE trip_id=? ORDER BY ts, id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Ticket{}
	for rows.Next() {
		var t domain.Ticket
		var synced int
		if err := rows.Scan(&t.ID, &t.TripID, &t.PassengerPhone, &t.Amount, &t.Timestamp, &synced); err != nil {
			return nil, err
		}
		t.Synced = synced == 1
		res = append(res, t)
	}
	return res, rows.Err()
}

// TicketVolume returns the number of tickets and their total amount.
func (r Repo) TicketVolume(ctx context.Context) (count int, total int64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(amount),0) FROM tickets`).Scan(&count, &total)
	return count, total, err
}

// DailyGMV is the ticket revenue of one calendar day.
type DailyGMV struct {
	Date    string `json:"date"`
	Revenue int64  `json:"revenue"`
	Tickets int    `json:"tickets"`
}

// GMVSince groups ticket revenue by day for tickets at or after since (YYYY-MM-DD).
func (r Repo) GMVSince(ctx context.Context, since string) ([]DailyGMV, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT substr(ts,1,10) AS day, SUM(amount), COUNT(1) FROM tickets
WHERE substr(ts,1,10) >= ? GROUP BY day ORDER BY day`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []DailyGMV{}
	for rows.Next() {
		var d DailyGMV
		if err := rows.Scan(&d.Date, &d.Revenue, &d.Tickets); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertIncentive(ctx context.Context, tx *sql.Tx, it domain.IncentiveTransaction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO incentive_transactions(id,crew_id,trip_id,amount,trust_gain,reason,created_at) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.CrewID, nullable(it.TripID), it.Amount, it.TrustGain, it.Reason, it.CreatedAt)
	return err
}

func (r Repo) ListIncentives(ctx context.Context, crewID string) ([]domain.IncentiveTransaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,crew_id,COALESCE(trip_id,''),amount,trust_gain,reason,created_at
FROM incentive_transactions WHERE crew_id=? ORDER BY created_at, id`, crewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.IncentiveTransaction{}
	for rows.Next() {
		var it domain.IncentiveTransaction
		if err := rows.Scan(&it.ID, &it.CrewID, &it.TripID, &it.Amount, &it.TrustGain, &it.Reason, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) InsertSmsLog(ctx context.Context, l domain.SmsLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sms_logs(id,phone_number,message,status,attempts,delivery_ref,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.PhoneNumber, l.Message, string(l.Status), l.Attempts, nullable(l.DeliveryRef), nullable(l.Error), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateSmsLog(ctx context.Context, l domain.SmsLog) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sms_logs SET status=?, attempts=?, delivery_ref=?, error=?, updated_at=? WHERE id=?`,
		string(l.Status), l.Attempts, nullable(l.DeliveryRef), nullable(l.Error), l.UpdatedAt, l.ID)
	return err
}

func (r Repo) GetSmsLog(ctx context.Context, id string) (domain.SmsLog, error) {
	var l domain.SmsLog
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT id,phone_number,message,status,attempts,COALESCE(delivery_ref,''),COALESCE(error,''),created_at,updated_at
FROM sms_logs WHERE id=?`, id).Scan(&l.ID, &l.PhoneNumber, &l.Message, &status, &l.Attempts, &l.DeliveryRef, &l.Error, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	l.Status = domain.SmsStatus(status)
	return l, err
}

func (r Repo) InsertAnchor(ctx context.Context, tx *sql.Tx, a domain.DailyAnchor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO daily_anchors(id,sacco_id,date,daily_revenue,ticket_count,trip_count,hash,tx_id,block_number,network,anchored_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.SaccoID, a.Date, a.DailyRevenue, a.TicketCount, a.TripCount, a.Hash, a.TxID, a.BlockNumber, a.Network, a.AnchoredAt)
	return err
}

// LatestAnchor returns the most recent anchor across saccos.
func (r Repo) LatestAnchor(ctx context.Context) (domain.DailyAnchor, error) {
	var a domain.DailyAnchor
	err := r.DB.QueryRowContext(ctx, `SELECT id,sacco_id,date,daily_revenue,ticket_count,trip_count,hash,tx_id,block_number,network,anchored_at
FROM daily_anchors ORDER BY anchored_at DESC LIMIT 1`).
		Scan(&a.ID, &a.SaccoID, &a.Date, &a.DailyRevenue, &a.TicketCount, &a.TripCount, &a.Hash, &a.TxID, &a.BlockNumber, &a.Network, &a.AnchoredAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
