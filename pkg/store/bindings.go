package store

import (
	"context"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/registry"
)

// BindingRepo tracks each user's trusted device.
type BindingRepo struct {
	DB DB
}

func (r *BindingRepo) GetBinding(ctx context.Context, user string) (*models.DeviceBinding, error) {
	var b models.DeviceBinding
	row := r.DB.QueryRow(ctx, `
		SELECT username, COALESCE(device_id,''), requires_rebinding, updated_at
		FROM user_device_bindings WHERE username=$1
	`, user)
	if err := row.Scan(&b.User, &b.DeviceID, &b.RequiresRebinding, &b.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

// Bind points the user at deviceID and clears the rebinding flag.
func (r *BindingRepo) Bind(ctx context.Context, user, deviceID string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO user_device_bindings (username, device_id, requires_rebinding, updated_at)
		VALUES ($1,$2,false,$3)
		ON CONFLICT (username) DO UPDATE SET device_id=EXCLUDED.device_id, requires_rebinding=false, updated_at=EXCLUDED.updated_at
	`, user, deviceID, at)
	return err
}

func (r *BindingRepo) RequireRebinding(ctx context.Context, user string, at time.Time) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE user_device_bindings SET requires_rebinding=true, updated_at=$2 WHERE username=$1
	`, user, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}
