package storage

import (
	"context"
	"database/sql"
	"errors"
)

const pendingCols = `request_code, name, start_ms, interval_ms, stop_mode, stop_value`

func scanPending(sc interface{ Scan(...any) error }) (PendingRow, error) {
	var (
		p              PendingRow
		startMS, ivlMS int64
	)
	if err := sc.Scan(&p.RequestCode, &p.Name, &startMS, &ivlMS, &p.StopMode, &p.StopValue); err != nil {
		return PendingRow{}, err
	}
	p.Start = fromMS(startMS)
	p.Interval = msDuration(ivlMS)
	return p, nil
}

// InsertPending stores p and returns its new request code.
func (d *DB) InsertPending(ctx context.Context, p PendingRow) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO pending_sessions(name, start_ms, interval_ms, stop_mode, stop_value) VALUES(?,?,?,?,?)`,
		p.Name, toMS(p.Start), p.Interval.Milliseconds(), p.StopMode, p.StopValue,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *DB) GetPending(ctx context.Context, code int64) (PendingRow, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM pending_sessions WHERE request_code = ?`, code)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingRow{}, ErrNotFound
	}
	return p, err
}

// DeletePending removes the row and reports whether it existed.
func (d *DB) DeletePending(ctx context.Context, code int64) (bool, error) {
	err := affectedOne(d.db.ExecContext(ctx, `DELETE FROM pending_sessions WHERE request_code = ?`, code))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListPending returns all pending sessions by ascending start.
func (d *DB) ListPending(ctx context.Context) ([]PendingRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+pendingCols+` FROM pending_sessions ORDER BY start_ms, request_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EarliestPending returns the pending session with the smallest start.
func (d *DB) EarliestPending(ctx context.Context) (PendingRow, bool, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM pending_sessions ORDER BY start_ms, request_code LIMIT 1`)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingRow{}, false, nil
	}
	if err != nil {
		return PendingRow{}, false, err
	}
	return p, true, nil
}
