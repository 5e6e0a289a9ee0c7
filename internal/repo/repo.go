package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lyncmos/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// WithTx runs fn inside a transaction and commits when it returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const tripColumns = `id,sacco_id,route_id,vehicle_id,driver_id,conductor_id,status,scheduled_time,actual_start_time,actual_end_time,total_revenue,ticket_count,anchor_id,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (domain.Trip, error) {
	var t domain.Trip
	var status string
	var start, end, anchor sql.NullString
	err := row.Scan(&t.ID, &t.SaccoID, &t.RouteID, &t.VehicleID, &t.DriverID, &t.ConductorID, &status,
		&t.ScheduledTime, &start, &end, &t.TotalRevenue, &t.TicketCount, &anchor, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TripStatus(status)
	t.ActualStartTime = nullStringPtr(start)
	t.ActualEndTime = nullStringPtr(end)
	t.AnchorID = nullStringPtr(anchor)
	return t, nil
}

// TripFilter narrows ListTrips.
type TripFilter struct {
	Status    domain.TripStatus
	VehicleID string
	SaccoID   string
	Limit     int
}

func (r Repo) InsertTrip(ctx context.Context, tx *sql.Tx, t domain.Trip) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SaccoID, t.RouteID, t.VehicleID, t.DriverID, t.ConductorID, string(t.Status), t.ScheduledTime,
		nullablePtr(t.ActualStartTime), nullablePtr(t.ActualEndTime), t.TotalRevenue, t.TicketCount,
		nullablePtr(t.AnchorID), t.UpdatedAt)
	return err
}

func (r Repo) GetTrip(ctx context.Context, id string) (domain.Trip, error) {
	return r.GetTripTx(ctx, nil, id)
}

func (r Repo) GetTripTx(ctx context.Context, tx *sql.Tx, id string) (domain.Trip, error) {
	return scanTrip(r.q(tx).QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=?`, id))
}

// UpdateTrip upserts the mutable trip columns.
func (r Repo) UpdateTrip(ctx context.Context, tx *sql.Tx, t domain.Trip) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE trips SET status=?,actual_start_time=?,actual_end_time=?,total_revenue=?,ticket_count=?,anchor_id=?,updated_at=? WHERE id=?`,
		string(t.Status), nullablePtr(t.ActualStartTime), nullablePtr(t.ActualEndTime), t.TotalRevenue, t.TicketCount,
		nullablePtr(t.AnchorID), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTrips(ctx context.Context, f TripFilter) ([]domain.Trip, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.VehicleID != "" {
		where = append(where, "vehicle_id=?")
		args = append(args, f.VehicleID)
	}
	if f.SaccoID != "" {
		where = append(where, "sacco_id=?")
		args = append(args, f.SaccoID)
	}
	query := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_time DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UnanchoredRevenue sums completed trips of a vehicle that have no anchor yet.
// With latestOnly, only the most recently finished of those trips counts.
func (r Repo) UnanchoredRevenue(ctx context.Context, vehicleID string, latestOnly bool) (int64, error) {
	query := `SELECT COALESCE(SUM(total_revenue),0) FROM trips WHERE vehicle_id=? AND status='COMPLETED' AND anchor_id IS NULL`
	if latestOnly {
		query = `SELECT COALESCE((SELECT total_revenue FROM trips WHERE vehicle_id=? AND status='COMPLETED' AND anchor_id IS NULL
ORDER BY COALESCE(actual_end_time, updated_at) DESC LIMIT 1),0)`
	}
	var total int64
	err := r.DB.QueryRowContext(ctx, query, vehicleID).Scan(&total)
	return total, err
}

// ActiveTripForCrew returns the ACTIVE trip where the crew member is driver or conductor.
func (r Repo) ActiveTripForCrew(ctx context.Context, crewID string) (domain.Trip, error) {
	return scanTrip(r.DB.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
WHERE status='ACTIVE' AND (conductor_id=? OR driver_id=?) ORDER BY actual_start_time DESC LIMIT 1`, crewID, crewID))
}

// UnanchoredCompletedTrips lists completed trips of a sacco finished on day (YYYY-MM-DD).
func (r Repo) UnanchoredCompletedTrips(ctx context.Context, saccoID, day string) ([]domain.Trip, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips
WHERE sacco_id=? AND status='COMPLETED' AND anchor_id IS NULL AND substr(COALESCE(actual_end_time, updated_at),1,10)=?
ORDER BY id`, saccoID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) MarkTripsAnchored(ctx context.Context, tx *sql.Tx, anchorID string, tripIDs []string) error {
	for _, id := range tripIDs {
		if _, err := r.q(tx).ExecContext(ctx, `UPDATE trips SET anchor_id=? WHERE id=? AND anchor_id IS NULL`, anchorID, id); err != nil {
			return fmt.Errorf("anchor trip %s: %w", id, err)
		}
	}
	return nil
}

// TripCounts returns the number of trips per status.
func (r Repo) TripCounts(ctx context.Context) (map[domain.TripStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM trips GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TripStatus]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[domain.TripStatus(s)] = n
	}
	return res, rows.Err()
}

// RevenueSplit returns completed revenue with and without an anchor.
func (r Repo) RevenueSplit(ctx context.Context) (anchored, unanchored int64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN anchor_id IS NOT NULL THEN total_revenue ELSE 0 END),0),
COALESCE(SUM(CASE WHEN anchor_id IS NULL THEN total_revenue ELSE 0 END),0)
FROM trips WHERE status='COMPLETED'`).Scan(&anchored, &unanchored)
	return anchored, unanchored, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
