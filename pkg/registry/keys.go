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
)

// IssuedKey is returned once on issue and regenerate; KeyValue is not listed afterwards.
type IssuedKey struct {
	models.RegistrationKey
	KeyValue string `json:"key_value"`
}

// IssueKey creates the client's registration key. A client holds at most one active key.
func (r *Registry) IssueKey(ctx context.Context, clientID, description string, expiresAt time.Time) (IssuedKey, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return IssuedKey{}, ErrInvalidRequest
	}
	existing, err := r.keys.FindByClient(ctx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return IssuedKey{}, fmt.Errorf("lookup client key: %w", err)
	}
	if existing != nil && existing.IsActive {
		return IssuedKey{}, ErrKeyExists
	}
	value, err := identity.GenerateRegistrationKey()
	if err != nil {
		return IssuedKey{}, err
	}
	now := r.now()
	key := models.RegistrationKey{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		KeyValue:    value,
		Description: description,
		IsActive:    true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.keys.Insert(ctx, key); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return IssuedKey{}, ErrKeyExists
		}
		return IssuedKey{}, fmt.Errorf("insert registration key: %w", err)
	}
	r.log.Info().Str("client_id", clientID).Msg("registration key issued")
	return IssuedKey{RegistrationKey: key, KeyValue: value}, nil
}

// RevokeKey deactivates the client's key. Devices already registered stay active.
func (r *Registry) RevokeKey(ctx context.Context, clientID string) error {
	key, err := r.keys.FindByClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidCredential
	}
	if err != nil {
		return fmt.Errorf("lookup client key: %w", err)
	}
	if !key.IsActive {
		return nil
	}
	key.IsActive = false
	key.UpdatedAt = r.now()
	if err := r.keys.Update(ctx, *key); err != nil {
		return fmt.Errorf("revoke registration key: %w", err)
	}
	r.log.Info().Str("client_id", clientID).Msg("registration key revoked")
	return nil
}

// RegenerateKey replaces the key value and reactivates it.
func (r *Registry) RegenerateKey(ctx context.Context, clientID string, expiresAt time.Time) (IssuedKey, error) {
	key, err := r.keys.FindByClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return IssuedKey{}, ErrInvalidCredential
	}
	if err != nil {
		return IssuedKey{}, fmt.Errorf("lookup client key: %w", err)
	}
	value, err := identity.GenerateRegistrationKey()
	if err != nil {
		return IssuedKey{}, err
	}
	key.KeyValue = value
	key.IsActive = true
	key.UseCount = 0
	key.UpdatedAt = r.now()
	if !expiresAt.IsZero() {
		key.ExpiresAt = expiresAt
	}
	if err := r.keys.Update(ctx, *key); err != nil {
		return IssuedKey{}, fmt.Errorf("regenerate registration key: %w", err)
	}
	r.log.Info().Str("client_id", clientID).Msg("registration key regenerated")
	return IssuedKey{RegistrationKey: *key, KeyValue: value}, nil
}

func (r *Registry) ListKeys(ctx context.Context) ([]models.RegistrationKey, error) {
	return r.keys.List(ctx)
}
