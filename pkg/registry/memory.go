package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// MemoryRegistry keeps nodes in process memory, in insertion order. It is used
// for local runs and tests; entries do not survive a restart.
type MemoryRegistry struct {
	baseTopic string
	now       func() time.Time

	mu      sync.RWMutex
	order   []string
	entries map[string]types.NodeEntry
}

// NewMemoryRegistry creates an empty registry deriving node ids under baseTopic.
func NewMemoryRegistry(baseTopic string) *MemoryRegistry {
	return &MemoryRegistry{
		baseTopic: baseTopic,
		now:       time.Now,
		entries:   make(map[string]types.NodeEntry),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, macID string) (RegisterResult, error) {
	macID, err := NormalizeMacID(macID)
	if err != nil {
		return RegisterResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[macID]; ok {
		return RegisterResult{NodeID: existing.NodeID}, nil
	}
	entry := types.NodeEntry{
		MacID:     macID,
		NodeID:    NodeIDFor(m.baseTopic, macID),
		CreatedAt: m.now().Unix(),
	}
	m.entries[macID] = entry
	m.order = append(m.order, macID)
	return RegisterResult{NodeID: entry.NodeID, Created: true}, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]types.NodeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.NodeEntry, 0, len(m.order))
	for _, macID := range m.order {
		out = append(out, m.entries[macID])
	}
	return out, nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, macID string) (DeregisterResult, error) {
	macID, err := NormalizeMacID(macID)
	if err != nil {
		return DeregisterResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[macID]
	if !ok {
		return DeregisterResult{}, nil
	}
	delete(m.entries, macID)
	for i, id := range m.order {
		if id == macID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return DeregisterResult{Found: true, NodeID: entry.NodeID}, nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, nodeID string) (types.NodeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		if entry.NodeID == nodeID {
			return entry, nil
		}
	}
	return types.NodeEntry{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
}

func (m *MemoryRegistry) Close() error { return nil }

var _ Registry = (*MemoryRegistry)(nil)
