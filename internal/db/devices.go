package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orrn/printq/internal/core"
)

type DeviceOperations struct {
	db *sql.DB
}

func NewDeviceOperations(database *sql.DB) *DeviceOperations {
	return &DeviceOperations{db: database}
}

var _ core.DeviceStore = (*DeviceOperations)(nil)

func (o *DeviceOperations) SaveDevice(ctx context.Context, d core.Device) error {
	var nozzle, bed any
	if d.Temperature != nil {
		nozzle, bed = d.Temperature.NozzleC, d.Temperature.BedC
	}
	var currentJob any
	if d.CurrentJobID != "" {
		currentJob = d.CurrentJobID
	}

	_, err := o.db.ExecContext(ctx, UpsertDevice,
		d.ID, d.Name, string(d.State), currentJob, nozzle, bed, utcPtr(d.LastSeenAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (o *DeviceOperations) ListDevices(ctx context.Context) ([]core.Device, error) {
	rows, err := o.db.QueryContext(ctx, ListDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []core.Device
	for rows.Next() {
		var d core.Device
		var state string
		var currentJob sql.NullString
		var nozzle, bed sql.NullFloat64
		var lastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.Name, &state, &currentJob, &nozzle, &bed, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.State = core.DeviceState(state)
		d.CurrentJobID = currentJob.String
		if nozzle.Valid && bed.Valid {
			d.Temperature = &core.Temperature{NozzleC: nozzle.Float64, BedC: bed.Float64}
		}
		d.LastSeenAt = timePtr(lastSeen)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
