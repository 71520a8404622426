package ringstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// DefaultCapacity is the number of readings retained per node.
const DefaultCapacity = 100

// ErrNodeMismatch is returned when a reading is appended under a key other
// than its own node id.
var ErrNodeMismatch = errors.New("reading node id does not match buffer key")

// Observer receives buffer events, e.g. for metrics. Implementations must be
// cheap and non-blocking: they are called while the node lock is held.
type Observer interface {
	Appended(nodeID string, evicted bool)
	Dropped(nodeID string)
}

type nodeBuffer struct {
	mu   sync.RWMutex
	ring *Ring[types.Reading]
}

// Store maps node ids to fixed-capacity reading buffers. The map lock is only
// held to find, create or delete a buffer; reads and writes to one node's
// buffer take that node's lock, so nodes never contend with each other.
type Store struct {
	capacity int
	observer Observer

	mu      sync.RWMutex
	buffers map[string]*nodeBuffer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithObserver attaches an Observer to the store.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// NewStore creates a Store whose buffers hold capacity readings each.
func NewStore(capacity int, opts ...StoreOption) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{
		capacity: capacity,
		buffers:  make(map[string]*nodeBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the per-node buffer capacity.
func (s *Store) Capacity() int { return s.capacity }

// Append adds a reading to the node's buffer, creating the buffer on first
// use. The oldest reading is overwritten once the buffer is full.
func (s *Store) Append(nodeID string, reading types.Reading) error {
	if nodeID == "" || reading.NodeID != nodeID {
		return fmt.Errorf("%w: key %q, reading %q", ErrNodeMismatch, nodeID, reading.NodeID)
	}
	buf := s.bufferFor(nodeID)

	buf.mu.Lock()
	evicted := buf.ring.Push(reading)
	if s.observer != nil {
		s.observer.Appended(nodeID, evicted)
	}
	buf.mu.Unlock()
	return nil
}

func (s *Store) bufferFor(nodeID string) *nodeBuffer {
	s.mu.RLock()
	buf, ok := s.buffers[nodeID]
	s.mu.RUnlock()
	if ok {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok = s.buffers[nodeID]; ok {
		return buf
	}
	buf = &nodeBuffer{ring: NewRing[types.Reading](s.capacity)}
	s.buffers[nodeID] = buf
	return buf
}

// Snapshot returns up to limit of the node's most recent readings, oldest
// first. Unknown nodes and a limit of zero or less yield an empty slice.
func (s *Store) Snapshot(nodeID string, limit int) []types.Reading {
	if limit <= 0 {
		return []types.Reading{}
	}
	s.mu.RLock()
	buf, ok := s.buffers[nodeID]
	s.mu.RUnlock()
	if !ok {
		return []types.Reading{}
	}

	buf.mu.RLock()
	defer buf.mu.RUnlock()
	return buf.ring.Last(limit)
}

// Drop removes the node's buffer. It reports whether a buffer existed.
func (s *Store) Drop(nodeID string) bool {
	s.mu.Lock()
	_, ok := s.buffers[nodeID]
	delete(s.buffers, nodeID)
	s.mu.Unlock()

	if ok && s.observer != nil {
		s.observer.Dropped(nodeID)
	}
	return ok
}

// Len returns the number of readings held for the node.
func (s *Store) Len(nodeID string) int {
	s.mu.RLock()
	buf, ok := s.buffers[nodeID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	buf.mu.RLock()
	defer buf.mu.RUnlock()
	return buf.ring.Len()
}

// Nodes returns the ids of all nodes with a buffer, sorted.
func (s *Store) Nodes() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Latest returns the newest reading of every buffered node.
func (s *Store) Latest() map[string]types.Reading {
	s.mu.RLock()
	bufs := make(map[string]*nodeBuffer, len(s.buffers))
	for id, buf := range s.buffers {
		bufs[id] = buf
	}
	s.mu.RUnlock()

	out := make(map[string]types.Reading, len(bufs))
	for id, buf := range bufs {
		buf.mu.RLock()
		if r, ok := buf.ring.Newest(); ok {
			out[id] = r
		}
		buf.mu.RUnlock()
	}
	return out
}
