package registry

import (
	"context"
	"errors"
	"time"

	"aegis/pkg/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// KeyStore persists registration keys.
type KeyStore interface {
	FindByValue(ctx context.Context, keyValue string) (*models.RegistrationKey, error)
	FindByClient(ctx context.Context, clientID string) (*models.RegistrationKey, error)
	Insert(ctx context.Context, key models.RegistrationKey) error
	Update(ctx context.Context, key models.RegistrationKey) error
	// MarkUsed atomically bumps the use count. When reuse is false it only
	// succeeds for a key that has never been used.
	MarkUsed(ctx context.Context, id string, reuse bool) (bool, error)
	// ReleaseUse takes back one use after a registration that did not
	// complete. The count never drops below zero.
	ReleaseUse(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.RegistrationKey, error)
}

// DeviceStore persists devices. Insert returns ErrDuplicate on a device id collision.
type DeviceStore interface {
	Insert(ctx context.Context, d models.Device) error
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
	SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
}
