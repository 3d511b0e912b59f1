package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/dbx"
)

// SQLiteRepository implements Repository over a DBTX (either *sql.DB or
// *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, d *PeerDevice) error {
	query := `INSERT INTO devices (id, name, key, last_seen, last_transport)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				key = excluded.key,
				last_seen = excluded.last_seen,
				last_transport = excluded.last_transport
	`
	_, err := r.db.ExecContext(ctx, query,
		NormalizeID(d.ID), d.Name, d.Key, d.LastSeen.UTC().UnixMilli(), d.LastTransport)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*PeerDevice, error) {
	query := `SELECT id, name, key, last_seen, last_transport FROM devices WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, NormalizeID(id))

	var d PeerDevice
	var lastSeen int64
	err := row.Scan(&d.ID, &d.Name, &d.Key, &lastSeen, &d.LastTransport)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}
	d.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &d, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*PeerDevice, error) {
	query := `SELECT id, name, key, last_seen, last_transport FROM devices ORDER BY last_seen DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var result []*PeerDevice
	for rows.Next() {
		var d PeerDevice
		var lastSeen int64
		if err := rows.Scan(&d.ID, &d.Name, &d.Key, &lastSeen, &d.LastTransport); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.LastSeen = time.UnixMilli(lastSeen).UTC()
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, NormalizeID(id))
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) TouchSeen(ctx context.Context, id string, transport string, seen time.Time) error {
	query := `UPDATE devices SET last_seen = ?, last_transport = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query,
		seen.UTC().UnixMilli(), transport, NormalizeID(id))
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}
