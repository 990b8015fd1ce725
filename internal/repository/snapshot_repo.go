package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"termobridge/internal/models"
)

type SnapshotSQLite struct {
	db *sql.DB
}

func NewSnapshotSQLite(db *sql.DB) *SnapshotSQLite {
	return &SnapshotSQLite{db: db}
}

var _ SnapshotRepo = (*SnapshotSQLite)(nil)

const (
	upsertSnapshotSQL = `
		INSERT INTO heater_snapshots (dev_id, addr, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dev_id, addr) DO UPDATE SET
			payload=excluded.payload,
			updated_at=excluded.updated_at
	`

	selectSnapshotsSQL = `
		SELECT payload FROM heater_snapshots ORDER BY dev_id, addr
	`

	deleteSnapshotSQL = `DELETE FROM heater_snapshots WHERE dev_id=? AND addr=?`
)

// Save upserts one heater's last-known state, keyed by (dev_id, addr).
func (r *SnapshotSQLite) Save(ctx context.Context, s models.HeaterState) error {
	if s.DevID == "" || s.Addr == "" {
		return fmt.Errorf("snapshot missing node identity: dev=%q addr=%q", s.DevID, s.Addr)
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s/%s: %w", s.DevID, s.Addr, err)
	}

	// ensure UpdatedAt is always persisted as UTC; set if zero
	tsUTC := s.UpdatedAt
	if tsUTC.IsZero() {
		tsUTC = time.Now().UTC()
	} else {
		tsUTC = tsUTC.UTC()
	}

	_, err = r.db.ExecContext(ctx, upsertSnapshotSQL,
		s.DevID,
		s.Addr,
		string(payload),
		tsUTC,
	)
	return err
}

// LoadAll returns every persisted heater snapshot, ordered by device then
// address. Rows with unreadable payloads are skipped rather than failing the
// whole warm boot.
func (r *SnapshotSQLite) LoadAll(ctx context.Context) ([]models.HeaterState, error) {
	rows, err := r.db.QueryContext(ctx, selectSnapshotsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HeaterState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s models.HeaterState
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			continue
		}
		if s.DevID == "" || s.Addr == "" {
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the snapshot of a node that left the device's node list.
func (r *SnapshotSQLite) Delete(ctx context.Context, devID, addr string) error {
	_, err := r.db.ExecContext(ctx, deleteSnapshotSQL, devID, addr)
	return err
}
