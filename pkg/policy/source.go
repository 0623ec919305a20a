package policy

import (
	"context"
	"sync"

	"aegis/pkg/models"
)

// MemorySource keeps policies per client in memory.
type MemorySource struct {
	mu       sync.RWMutex
	byClient map[string][]models.Policy
}

func NewMemorySource(policies ...models.Policy) *MemorySource {
	m := &MemorySource{byClient: map[string][]models.Policy{}}
	for _, p := range policies {
		m.Put(p)
	}
	return m
}

// Put adds or replaces a policy by ID.
func (m *MemorySource) Put(p models.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byClient[p.ClientID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return
		}
	}
	m.byClient[p.ClientID] = append(list, p)
}

// SavePolicy is Put with the signature of the SQL repository.
func (m *MemorySource) SavePolicy(_ context.Context, p models.Policy) error {
	m.Put(p)
	return nil
}

func (m *MemorySource) ActivePolicies(_ context.Context, clientID string) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Policy
	for _, p := range m.byClient[clientID] {
		if !p.IsActive {
			continue
		}
		cp := p
		cp.Rules = append([]models.PolicyRule(nil), p.Rules...)
		out = append(out, cp)
	}
	return out, nil
}
