package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"aegis/pkg/models"
)

type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]models.RegistrationKey // by id
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: map[string]models.RegistrationKey{}}
}

func (s *MemoryKeyStore) FindByValue(ctx context.Context, keyValue string) (*models.RegistrationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyValue == keyValue {
			out := k
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryKeyStore) FindByClient(ctx context.Context, clientID string) (*models.RegistrationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.RegistrationKey
	for _, k := range s.keys {
		if k.ClientID != clientID {
			continue
		}
		if found == nil || k.IsActive && !found.IsActive || k.IsActive == found.IsActive && k.UpdatedAt.After(found.UpdatedAt) {
			out := k
			found = &out
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryKeyStore) Insert(ctx context.Context, key models.RegistrationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyValue == key.KeyValue {
			return ErrDuplicate
		}
		if key.IsActive && k.IsActive && k.ClientID == key.ClientID {
			return ErrDuplicate
		}
	}
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryKeyStore) Update(ctx context.Context, key models.RegistrationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrNotFound
	}
	for id, k := range s.keys {
		if id == key.ID {
			continue
		}
		if k.KeyValue == key.KeyValue || key.IsActive && k.IsActive && k.ClientID == key.ClientID {
			return ErrDuplicate
		}
	}
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryKeyStore) MarkUsed(ctx context.Context, id string, reuse bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return false, ErrNotFound
	}
	if !reuse && k.UseCount > 0 {
		return false, nil
	}
	k.UseCount++
	s.keys[id] = k
	return true, nil
}

func (s *MemoryKeyStore) ReleaseUse(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.UseCount > 0 {
		k.UseCount--
		s.keys[id] = k
	}
	return nil
}

func (s *MemoryKeyStore) List(ctx context.Context) ([]models.RegistrationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RegistrationKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

type MemoryDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]models.Device
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: map[string]models.Device{}}
}

func (s *MemoryDeviceStore) Insert(ctx context.Context, d models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.DeviceID]; ok {
		return ErrDuplicate
	}
	s.devices[d.DeviceID] = d
	return nil
}

func (s *MemoryDeviceStore) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryDeviceStore) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.LastSeen = at
	s.devices[deviceID] = d
	return nil
}

func (s *MemoryDeviceStore) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	s.devices[deviceID] = d
	return nil
}
