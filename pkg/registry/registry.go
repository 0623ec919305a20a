// Package registry issues device identities against operator registration keys
// and tracks device lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/pkg/identity"
	"aegis/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidCredential    = errors.New("invalid registration credential")
	ErrClientMismatch       = errors.New("registration key bound to a different client")
	ErrCredentialExpired    = errors.New("registration key expired")
	ErrIntegrityCheckFailed = errors.New("device integrity check failed")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrDeviceInactive       = errors.New("device inactive")
	ErrKeyExists            = errors.New("client already holds an active registration key")
	ErrInvalidRequest       = errors.New("invalid request")
)

const deviceIDAttempts = 3

// IntegrityValidator checks a platform attestation token. The default accepts everything.
type IntegrityValidator interface {
	Validate(token string) bool
}

type PassThroughIntegrity struct{}

func (PassThroughIntegrity) Validate(string) bool { return true }

// EventSink receives device lifecycle events.
type EventSink interface {
	DeviceEvent(ctx context.Context, evt models.DeviceEvent)
}

type Registry struct {
	keys      KeyStore
	devices   DeviceStore
	keyReuse  bool
	integrity IntegrityValidator
	events    EventSink
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Registry)

// WithKeyReuse controls whether one registration key may register many devices.
func WithKeyReuse(reuse bool) Option {
	return func(r *Registry) { r.keyReuse = reuse }
}

func WithIntegrityValidator(v IntegrityValidator) Option {
	return func(r *Registry) {
		if v != nil {
			r.integrity = v
		}
	}
}

func WithEventSink(s EventSink) Option {
	return func(r *Registry) { r.events = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(keys KeyStore, devices DeviceStore, opts ...Option) *Registry {
	r := &Registry{
		keys:      keys,
		devices:   devices,
		keyReuse:  true,
		integrity: PassThroughIntegrity{},
		now:       func() time.Time { return time.Now().UTC() },
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register exchanges a registration key for a new device identity. The returned
// secret is never retrievable again.
func (r *Registry) Register(ctx context.Context, clientID, keyValue, integrityToken string) (models.DeviceIdentity, error) {
	clientID = strings.TrimSpace(clientID)
	keyValue = strings.TrimSpace(keyValue)
	if clientID == "" || keyValue == "" {
		return models.DeviceIdentity{}, ErrInvalidRequest
	}
	if integrityToken != "" && !r.integrity.Validate(integrityToken) {
		r.log.Warn().Str("client_id", clientID).Msg("integrity token rejected")
		return models.DeviceIdentity{}, ErrIntegrityCheckFailed
	}
	key, err := r.keys.FindByValue(ctx, keyValue)
	if errors.Is(err, ErrNotFound) {
		return models.DeviceIdentity{}, ErrInvalidCredential
	}
	if err != nil {
		return models.DeviceIdentity{}, fmt.Errorf("lookup registration key: %w", err)
	}
	if !key.IsActive {
		return models.DeviceIdentity{}, ErrInvalidCredential
	}
	if key.ClientID != clientID {
		r.log.Warn().Str("client_id", clientID).Str("key_client_id", key.ClientID).Msg("registration client mismatch")
		return models.DeviceIdentity{}, ErrClientMismatch
	}
	now := r.now()
	if key.Expired(now) {
		return models.DeviceIdentity{}, ErrCredentialExpired
	}
	secret, err := identity.GenerateSecret()
	if err != nil {
		return models.DeviceIdentity{}, err
	}
	status, err := Next(models.DeviceUnregistered, EventRegister)
	if err != nil {
		return models.DeviceIdentity{}, err
	}
	// a failed insert below hands the claimed use back
	ok, err := r.keys.MarkUsed(ctx, key.ID, r.keyReuse)
	if err != nil {
		return models.DeviceIdentity{}, fmt.Errorf("mark registration key used: %w", err)
	}
	if !ok {
		return models.DeviceIdentity{}, ErrInvalidCredential
	}

	var deviceID string
	for attempt := 0; attempt < deviceIDAttempts; attempt++ {
		deviceID, err = identity.GenerateDeviceID()
		if err != nil {
			return models.DeviceIdentity{}, err
		}
		err = r.devices.Insert(ctx, models.Device{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			ClientID:  clientID,
			SecretKey: secret,
			Status:    status,
			CreatedAt: now,
		})
		if !errors.Is(err, ErrDuplicate) {
			break
		}
		r.log.Warn().Int("attempt", attempt+1).Msg("device id collision, retrying")
	}
	if err != nil {
		if rerr := r.keys.ReleaseUse(ctx, key.ID); rerr != nil {
			r.log.Error().Err(rerr).Str("client_id", clientID).Msg("registration key use not released")
		}
		return models.DeviceIdentity{}, fmt.Errorf("insert device: %w", err)
	}
	r.log.Info().Str("client_id", clientID).Str("device_id", deviceID).Msg("device registered")
	r.emit(ctx, models.DeviceEvent{Type: models.DeviceEventRegistered, DeviceID: deviceID, ClientID: clientID, At: now})
	return models.DeviceIdentity{DeviceID: deviceID, SecretKey: secret, ClientID: clientID}, nil
}

func (r *Registry) IsRegistered(ctx context.Context, deviceID string) bool {
	d, err := r.devices.Get(ctx, deviceID)
	return err == nil && d != nil
}

// GetActive returns ErrDeviceNotFound or ErrDeviceInactive for devices that may
// not authenticate. Any other error is a storage failure.
func (r *Registry) GetActive(ctx context.Context, deviceID string) (*models.Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, ErrDeviceNotFound
	}
	d, err := r.devices.Get(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if !d.IsActive() {
		return nil, ErrDeviceInactive
	}
	return d, nil
}

func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) error {
	err := r.devices.TouchLastSeen(ctx, deviceID, r.now())
	if errors.Is(err, ErrNotFound) {
		return ErrDeviceNotFound
	}
	return err
}

// Deactivate is idempotent: an already inactive device is left as is.
func (r *Registry) Deactivate(ctx context.Context, deviceID, reason string) error {
	d, err := r.devices.Get(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup device: %w", err)
	}
	if IsTerminal(d.Status) {
		return nil
	}
	next, err := Next(d.Status, EventDeactivate)
	if err != nil {
		return err
	}
	if err := r.devices.SetStatus(ctx, deviceID, next); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	r.log.Info().Str("device_id", deviceID).Str("reason", reason).Msg("device deactivated")
	r.emit(ctx, models.DeviceEvent{Type: models.DeviceEventDeactivated, DeviceID: deviceID, ClientID: d.ClientID, Reason: reason, At: r.now()})
	return nil
}

func (r *Registry) emit(ctx context.Context, evt models.DeviceEvent) {
	if r.events != nil {
		r.events.DeviceEvent(ctx, evt)
	}
}
