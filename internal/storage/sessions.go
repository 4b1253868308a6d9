package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sessionCols = `id, name, directory, started_ms, completed_ms, latitude, longitude, interval_ms`

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func scanSession(sc interface{ Scan(...any) error }) (SessionRow, error) {
	var (
		s                SessionRow
		startedMS, ivlMS int64
		completed        sql.NullInt64
		lat, lon         sql.NullFloat64
	)
	if err := sc.Scan(&s.ID, &s.Name, &s.Directory, &startedMS, &completed, &lat, &lon, &ivlMS); err != nil {
		return SessionRow{}, err
	}
	s.Started = fromMS(startedMS)
	s.Interval = msDuration(ivlMS)
	if completed.Valid {
		t := fromMS(completed.Int64)
		s.Completed = &t
	}
	if lat.Valid && lon.Valid {
		s.Latitude, s.Longitude = &lat.Float64, &lon.Float64
	}
	return s, nil
}

func (d *DB) InsertSession(ctx context.Context, s SessionRow) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions(name, directory, started_ms, completed_ms, latitude, longitude, interval_ms) VALUES(?,?,?,?,?,?,?)`,
		s.Name, s.Directory, toMS(s.Started), nullTime(s.Completed), nullFloat(s.Latitude), nullFloat(s.Longitude), s.Interval.Milliseconds(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) GetSession(ctx context.Context, id int64) (SessionRow, error) {
	s, err := scanSession(d.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	return s, err
}

func (d *DB) querySessions(ctx context.Context, where string, args ...any) ([]SessionRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions `+where+` ORDER BY started_ms, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSessions returns every session ordered by start.
func (d *DB) ListSessions(ctx context.Context) ([]SessionRow, error) {
	return d.querySessions(ctx, "")
}

// ListIncompleteSessions returns sessions without a completion time.
func (d *DB) ListIncompleteSessions(ctx context.Context) ([]SessionRow, error) {
	return d.querySessions(ctx, "WHERE completed_ms IS NULL")
}

// DeleteSession removes the row; images and metadata values cascade.
func (d *DB) DeleteSession(ctx context.Context, id int64) error {
	return affectedOne(d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id))
}

func (d *DB) UpdateCompletion(ctx context.Context, id int64, completed time.Time) error {
	return affectedOne(d.db.ExecContext(ctx, `UPDATE sessions SET completed_ms = ? WHERE id = ?`, toMS(completed), id))
}

func (d *DB) UpdateLocation(ctx context.Context, id int64, lat, lon float64) error {
	return affectedOne(d.db.ExecContext(ctx, `UPDATE sessions SET latitude = ?, longitude = ? WHERE id = ?`, lat, lon, id))
}

func (d *DB) RenameSession(ctx context.Context, id int64, name string) error {
	return affectedOne(d.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id))
}

func (d *DB) InsertImage(ctx context.Context, img ImageRow) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO images(session_id, filename, taken_ms) VALUES(?,?,?)`,
		img.SessionID, img.Filename, toMS(img.Taken),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) GetImage(ctx context.Context, id int64) (ImageRow, error) {
	var (
		img     ImageRow
		takenMS int64
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, session_id, filename, taken_ms FROM images WHERE id = ?`, id).
		Scan(&img.ID, &img.SessionID, &img.Filename, &takenMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRow{}, ErrNotFound
	}
	if err != nil {
		return ImageRow{}, err
	}
	img.Taken = fromMS(takenMS)
	return img, nil
}

func (d *DB) DeleteImage(ctx context.Context, id int64) error {
	return affectedOne(d.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id))
}

// ListImages returns a session's images in capture order.
func (d *DB) ListImages(ctx context.Context, sessionID int64) ([]ImageRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, session_id, filename, taken_ms FROM images WHERE session_id = ? ORDER BY taken_ms, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ImageRow
	for rows.Next() {
		var (
			img     ImageRow
			takenMS int64
		)
		if err := rows.Scan(&img.ID, &img.SessionID, &img.Filename, &takenMS); err != nil {
			return nil, err
		}
		img.Taken = fromMS(takenMS)
		out = append(out, img)
	}
	return out, rows.Err()
}

func (d *DB) CountImages(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// LastImageTime returns the newest image timestamp of a session.
func (d *DB) LastImageTime(ctx context.Context, sessionID int64) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(taken_ms) FROM images WHERE session_id = ?`, sessionID).Scan(&ms)
	if err != nil || !ms.Valid {
		return time.Time{}, false, err
	}
	return fromMS(ms.Int64), true, nil
}
