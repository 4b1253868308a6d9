package storage

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertField registers a metadata field or updates its type.
func (d *DB) UpsertField(ctx context.Context, f FieldRow) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO metadata_fields(name, type, builtin) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET type = excluded.type, builtin = excluded.builtin`,
		f.Name, f.Type, f.Builtin,
	)
	return err
}

// InsertFieldIfMissing registers f unless a field with that name exists.
func (d *DB) InsertFieldIfMissing(ctx context.Context, f FieldRow) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO metadata_fields(name, type, builtin) VALUES(?,?,?) ON CONFLICT(name) DO NOTHING`,
		f.Name, f.Type, f.Builtin,
	)
	return err
}

func (d *DB) GetField(ctx context.Context, name string) (FieldRow, error) {
	var f FieldRow
	err := d.db.QueryRowContext(ctx, `SELECT name, type, builtin FROM metadata_fields WHERE name = ?`, name).
		Scan(&f.Name, &f.Type, &f.Builtin)
	if errors.Is(err, sql.ErrNoRows) {
		return FieldRow{}, ErrNotFound
	}
	return f, err
}

func (d *DB) ListFields(ctx context.Context) ([]FieldRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, type, builtin FROM metadata_fields ORDER BY builtin DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FieldRow
	for rows.Next() {
		var f FieldRow
		if err := rows.Scan(&f.Name, &f.Type, &f.Builtin); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteField removes a field and, by cascade, every value stored for it.
func (d *DB) DeleteField(ctx context.Context, name string) error {
	return affectedOne(d.db.ExecContext(ctx, `DELETE FROM metadata_fields WHERE name = ?`, name))
}

// RenameField renames a field; stored values follow by cascade.
func (d *DB) RenameField(ctx context.Context, oldName, newName string) error {
	return affectedOne(d.db.ExecContext(ctx, `UPDATE metadata_fields SET name = ? WHERE name = ?`, newName, oldName))
}

// SetValue stores a session's value for field. A nil value clears it.
func (d *DB) SetValue(ctx context.Context, sessionID int64, field string, value *string) error {
	if value == nil {
		_, err := d.db.ExecContext(ctx, `DELETE FROM metadata_values WHERE session_id = ? AND field = ?`, sessionID, field)
		return err
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO metadata_values(session_id, field, value) VALUES(?,?,?)
		 ON CONFLICT(session_id, field) DO UPDATE SET value = excluded.value`,
		sessionID, field, *value,
	)
	return err
}

// Values returns the stored values of a session keyed by field name.
func (d *DB) Values(ctx context.Context, sessionID int64) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT field, value FROM metadata_values WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var (
			field string
			value sql.NullString
		)
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		if value.Valid {
			out[field] = value.String
		}
	}
	return out, rows.Err()
}
