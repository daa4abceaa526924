package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/orrn/printq/internal/core"
)

const (
	upsertDevice = `
INSERT INTO devices (id, name, state, current_job_id, nozzle_c, bed_c, last_seen_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	state = EXCLUDED.state,
	current_job_id = EXCLUDED.current_job_id,
	nozzle_c = EXCLUDED.nozzle_c,
	bed_c = EXCLUDED.bed_c,
	last_seen_at = EXCLUDED.last_seen_at,
	updated_at = EXCLUDED.updated_at`

	listDevices = `SELECT id, name, state, current_job_id, nozzle_c, bed_c, last_seen_at FROM devices ORDER BY id ASC`
)

func (s *Store) SaveDevice(ctx context.Context, d core.Device) error {
	var nozzle, bed *float64
	if d.Temperature != nil {
		nozzle, bed = &d.Temperature.NozzleC, &d.Temperature.BedC
	}
	_, err := s.pool.Exec(ctx, upsertDevice,
		d.ID, d.Name, string(d.State), nullString(d.CurrentJobID), nozzle, bed, utc(d.LastSeenAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]core.Device, error) {
	rows, err := s.pool.Query(ctx, listDevices)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []core.Device
	for rows.Next() {
		var d core.Device
		var state string
		var currentJob *string
		var nozzle, bed *float64
		if err := rows.Scan(&d.ID, &d.Name, &state, &currentJob, &nozzle, &bed, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.State = core.DeviceState(state)
		if currentJob != nil {
			d.CurrentJobID = *currentJob
		}
		if nozzle != nil && bed != nil {
			d.Temperature = &core.Temperature{NozzleC: *nozzle, BedC: *bed}
		}
		d.LastSeenAt = utc(d.LastSeenAt)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
