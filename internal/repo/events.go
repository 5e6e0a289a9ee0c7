package repo

import (
	"context"
	"database/sql"

	"lyncmos/internal/domain"
)

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO events(ts,type,origin,payload_json) VALUES (?,?,?,?)`,
		e.TS, e.Type, e.Origin, e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestEvents returns up to limit events, newest first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,origin,payload_json FROM events`
	args := []any{}
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,origin,payload_json FROM events WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Origin, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
