package store

import (
	"context"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/registry"
)

// DeviceRepo implements registry.DeviceStore on Postgres.
type DeviceRepo struct {
	DB DB
}

func (r *DeviceRepo) Insert(ctx context.Context, d models.Device) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO devices (id, device_id, client_id, secret_key, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, d.ID, d.DeviceID, d.ClientID, d.SecretKey, string(d.Status), d.CreatedAt)
	return mapErr(err)
}

func (r *DeviceRepo) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	var (
		d        models.Device
		status   string
		lastSeen *time.Time
	)
	row := r.DB.QueryRow(ctx, `
		SELECT id, device_id, client_id, secret_key, status, last_seen, created_at
		FROM devices WHERE device_id=$1
	`, deviceID)
	if err := row.Scan(&d.ID, &d.DeviceID, &d.ClientID, &d.SecretKey, &status, &lastSeen, &d.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	d.Status = models.DeviceStatus(status)
	if lastSeen != nil {
		d.LastSeen = *lastSeen
	}
	return &d, nil
}

// TouchLastSeen is last-writer-wins.
func (r *DeviceRepo) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.DB.Exec(ctx, `UPDATE devices SET last_seen=$2 WHERE device_id=$1`, deviceID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *DeviceRepo) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	tag, err := r.DB.Exec(ctx, `UPDATE devices SET status=$2 WHERE device_id=$1`, deviceID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}
