package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"lyncmos/internal/domain"
)

func (r Repo) UpsertSacco(ctx context.Context, tx *sql.Tx, s domain.Sacco) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO saccos(id,name,code,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, code=excluded.code`, s.ID, s.Name, s.Code, s.CreatedAt)
	return err
}

func (r Repo) ListSaccos(ctx context.Context) ([]domain.Sacco, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,code,created_at FROM saccos ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Sacco{}
	for rows.Next() {
		var s domain.Sacco
		if err := rows.Scan(&s.ID, &s.Name, &s.Code, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetSaccoTx(ctx context.Context, tx *sql.Tx, id string) (domain.Sacco, error) {
	var s domain.Sacco
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,code,created_at FROM saccos WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.Code, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSacco(ctx context.Context, id string) (domain.Sacco, error) {
	return r.GetSaccoTx(ctx, nil, id)
}

func (r Repo) GetBranchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Branch, error) {
	var b domain.Branch
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,sacco_id,name FROM branches WHERE id=?`, id).Scan(&b.ID, &b.SaccoID, &b.Name)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// ListBranches returns branches ordered by id, all saccos when saccoID is empty.
func (r Repo) ListBranches(ctx context.Context, saccoID string) ([]domain.Branch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sacco_id,name FROM branches WHERE ?='' OR sacco_id=? ORDER BY id`, saccoID, saccoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Branch{}
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.SaccoID, &b.Name); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpsertBranch(ctx context.Context, tx *sql.Tx, b domain.Branch) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO branches(id,sacco_id,name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, b.ID, b.SaccoID, b.Name)
	return err
}

func (r Repo) UpsertVehicle(ctx context.Context, tx *sql.Tx, v domain.Vehicle) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO vehicles(id,sacco_id,branch_id,plate,capacity,status,registered_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET plate=excluded.plate, capacity=excluded.capacity, status=excluded.status`,
		v.ID, v.SaccoID, nullable(v.BranchID), v.Plate, v.Capacity, v.Status, v.RegisteredAt)
	return err
}

func (r Repo) GetVehicle(ctx context.Context, id string) (domain.Vehicle, error) {
	var v domain.Vehicle
	err := r.DB.QueryRowContext(ctx, `SELECT id,sacco_id,COALESCE(branch_id,''),plate,capacity,status,registered_at FROM vehicles WHERE id=?`, id).
		Scan(&v.ID, &v.SaccoID, &v.BranchID, &v.Plate, &v.Capacity, &v.Status, &v.RegisteredAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// VehiclePlateTaken reports whether a vehicle already carries plate.
func (r Repo) VehiclePlateTaken(ctx context.Context, tx *sql.Tx, plate string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM vehicles WHERE UPPER(plate)=UPPER(?)`, plate).Scan(&n)
	return n > 0, err
}

func (r Repo) ListVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sacco_id,COALESCE(branch_id,''),plate,capacity,status,registered_at FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Vehicle{}
	for rows.Next() {
		var v domain.Vehicle
		if err := rows.Scan(&v.ID, &v.SaccoID, &v.BranchID, &v.Plate, &v.Capacity, &v.Status, &v.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// VehiclesRegisteredSince counts vehicles registered at or after ts (RFC3339).
func (r Repo) VehiclesRegisteredSince(ctx context.Context, ts string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM vehicles WHERE registered_at >= ?`, ts).Scan(&n)
	return n, err
}

func (r Repo) UpsertRoute(ctx context.Context, tx *sql.Tx, rt domain.Route) error {
	segments, err := json.Marshal(rt.Segments)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO routes(id,sacco_id,code,name,base_fare,segments_json,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, name=excluded.name, base_fare=excluded.base_fare, segments_json=excluded.segments_json`,
		rt.ID, rt.SaccoID, rt.Code, rt.Name, rt.BaseFare, string(segments), rt.CreatedAt)
	return err
}

func scanRoute(row rowScanner) (domain.Route, error) {
	var rt domain.Route
	var segments sql.NullString
	err := row.Scan(&rt.ID, &rt.SaccoID, &rt.Code, &rt.Name, &rt.BaseFare, &segments, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return rt, ErrNotFound
	}
	if err != nil {
		return rt, err
	}
	if segments.Valid && segments.String != "" {
		if err := json.Unmarshal([]byte(segments.String), &rt.Segments); err != nil {
			return rt, err
		}
	}
	return rt, nil
}

func (r Repo) GetRoute(ctx context.Context, id string) (domain.Route, error) {
	return scanRoute(r.DB.QueryRowContext(ctx, `SELECT id,sacco_id,code,name,base_fare,segments_json,created_at FROM routes WHERE id=?`, id))
}

func (r Repo) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sacco_id,code,name,base_fare,segments_json,created_at FROM routes ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Route{}
	for rows.Next() {
		rt, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}

const crewColumns = `id,sacco_id,name,role,phone,trust_score,incentive_balance,updated_at`

func scanCrew(row rowScanner) (domain.CrewMember, error) {
	var c domain.CrewMember
	var role string
	err := row.Scan(&c.ID, &c.SaccoID, &c.Name, &role, &c.Phone, &c.TrustScore, &c.IncentiveBalance, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.Role = domain.CrewRole(role)
	return c, err
}

func (r Repo) UpsertCrew(ctx context.Context, tx *sql.Tx, c domain.CrewMember) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO crew(`+crewColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, phone=excluded.phone,
trust_score=excluded.trust_score, incentive_balance=excluded.incentive_balance, updated_at=excluded.updated_at`,
		c.ID, c.SaccoID, c.Name, string(c.Role), c.Phone, c.TrustScore, c.IncentiveBalance, c.UpdatedAt)
	return err
}

func (r Repo) GetCrew(ctx context.Context, id string) (domain.CrewMember, error) {
	return r.GetCrewTx(ctx, nil, id)
}

func (r Repo) GetCrewTx(ctx context.Context, tx *sql.Tx, id string) (domain.CrewMember, error) {
	return scanCrew(r.q(tx).QueryRowContext(ctx, `SELECT `+crewColumns+` FROM crew WHERE id=?`, id))
}

func (r Repo) GetCrewByPhone(ctx context.Context, phone string) (domain.CrewMember, error) {
	return scanCrew(r.DB.QueryRowContext(ctx, `SELECT `+crewColumns+` FROM crew WHERE phone=?`, phone))
}

func (r Repo) ListCrew(ctx context.Context) ([]domain.CrewMember, error) {
	return r.ListCrewTx(ctx, nil)
}

func (r Repo) ListCrewTx(ctx context.Context, tx *sql.Tx) ([]domain.CrewMember, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+crewColumns+` FROM crew ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.CrewMember{}
	for rows.Next() {
		c, err := scanCrew(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCrewScore persists trust and incentive balances.
func (r Repo) UpdateCrewScore(ctx context.Context, tx *sql.Tx, c domain.CrewMember) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE crew SET trust_score=?, incentive_balance=?, updated_at=? WHERE id=?`,
		c.TrustScore, c.IncentiveBalance, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
