package rebind

import (
	"context"
	"sync"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/registry"
)

// Profile answers come from identity.HashAnswer or identity.HashString.
type Profile = models.IdentityProfile

type ProfileSource interface {
	Profile(ctx context.Context, user string) (*models.IdentityProfile, error)
}

// Bindings stores the trusted device of each user.
type Bindings interface {
	GetBinding(ctx context.Context, user string) (*models.DeviceBinding, error)
	Bind(ctx context.Context, user, deviceID string, at time.Time) error
}

type MemoryProfiles struct {
	mu    sync.RWMutex
	items map[string]Profile
}

func NewMemoryProfiles(profiles ...Profile) *MemoryProfiles {
	m := &MemoryProfiles{items: map[string]Profile{}}
	for _, p := range profiles {
		m.items[p.User] = p
	}
	return m
}

func (m *MemoryProfiles) Profile(_ context.Context, user string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.items[user]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryProfiles) Upsert(_ context.Context, p Profile) error {
	m.mu.Lock()
	m.items[p.User] = p
	m.mu.Unlock()
	return nil
}

type MemoryBindings struct {
	mu    sync.Mutex
	items map[string]models.DeviceBinding
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{items: map[string]models.DeviceBinding{}}
}

func (m *MemoryBindings) GetBinding(_ context.Context, user string) (*models.DeviceBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[user]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &b, nil
}

func (m *MemoryBindings) Bind(_ context.Context, user, deviceID string, at time.Time) error {
	m.mu.Lock()
	m.items[user] = models.DeviceBinding{User: user, DeviceID: deviceID, UpdatedAt: at}
	m.mu.Unlock()
	return nil
}

// RequireRebinding flags the user so the next login must rebind.
func (m *MemoryBindings) RequireRebinding(_ context.Context, user string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[user]
	if !ok {
		return registry.ErrNotFound
	}
	b.RequiresRebinding = true
	b.UpdatedAt = at
	m.items[user] = b
	return nil
}
