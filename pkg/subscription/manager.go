// Package subscription keeps the transport's topic filters in step with the
// node registry: a full pass on every connect, incremental changes as nodes
// are registered and removed.
package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

// Transport is the part of the MQTT session the manager drives.
type Transport interface {
	Subscribe(topic string) error
	Unsubscribe(topics ...string) error
}

// NodeLister supplies the registered nodes; registry.Registry satisfies it.
type NodeLister interface {
	List(ctx context.Context) ([]types.NodeEntry, error)
}

// BufferDropper discards a node's buffered readings; ringstore.Store
// satisfies it.
type BufferDropper interface {
	Drop(nodeID string) bool
}

// Recorder receives the number of active filters.
type Recorder interface {
	ActiveSubscriptions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ActiveSubscriptions(int) {}

// State tracks the manager's view of the session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateResubscribing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResubscribing:
		return "resubscribing"
	default:
		return "unknown"
	}
}

// Manager tracks the set of active topic filters.
type Manager struct {
	transport    Transport
	nodes        NodeLister
	buffers      BufferDropper
	staticTopics []string
	recorder     Recorder
	logger       zerolog.Logger

	// opMu serializes calls into the transport so a connect pass and an
	// incremental change never interleave.
	opMu sync.Mutex

	mu     sync.RWMutex
	state  State
	active map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithStaticTopics adds filters subscribed on every connect regardless of
// the registry, e.g. legacy sensor topics. Wildcards are allowed.
func WithStaticTopics(topics ...string) Option {
	return func(m *Manager) {
		for _, t := range topics {
			if t = strings.TrimSpace(t); t != "" {
				m.staticTopics = append(m.staticTopics, t)
			}
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(t Transport, nodes NodeLister, buffers BufferDropper, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		nodes:     nodes,
		buffers:   buffers,
		recorder:  nopRecorder{},
		logger:    logger.With().Str("component", "SubscriptionManager").Logger(),
		active:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleTransportEvent applies a session lifecycle event. Message events are
// ignored. It runs on the transport's dispatch loop.
func (m *Manager) HandleTransportEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnecting:
		m.setState(StateConnecting)
	case transport.EventConnected:
		m.resubscribe(ctx)
	case transport.EventDisconnected:
		m.mu.Lock()
		m.state = StateDisconnected
		m.active = make(map[string]struct{})
		m.mu.Unlock()
		m.recorder.ActiveSubscriptions(0)
		m.logger.Info().Err(ev.Err).Msg("Transport disconnected, active subscriptions cleared")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// resubscribe subscribes every registered node and every static topic.
// Individual failures are logged and skipped.
func (m *Manager) resubscribe(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.setState(StateResubscribing)

	var topics []string
	entries, err := m.nodes.List(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list registered nodes, subscribing static topics only")
	}
	for _, e := range entries {
		topics = append(topics, e.NodeID)
	}
	topics = append(topics, m.staticTopics...)

	var subscribed, failed int
	for _, topic := range topics {
		if m.isActive(topic) {
			continue
		}
		if err := m.transport.Subscribe(topic); err != nil {
			failed++
			m.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to subscribe")
			continue
		}
		m.addActive(topic)
		subscribed++
	}

	m.setState(StateConnected)
	m.logger.Info().Int("subscribed", subscribed).Int("failed", failed).Msg("Subscription pass complete")
}

// NodeAdded subscribes a newly registered node. While disconnected it does
// nothing: the next connect pass reads the node from the registry.
func (m *Manager) NodeAdded(nodeID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.State() != StateConnected {
		m.logger.Debug().Str("node_id", nodeID).Msg("Not connected, subscription deferred to next connect")
		return nil
	}
	if m.isActive(nodeID) {
		return nil
	}
	if err := m.transport.Subscribe(nodeID); err != nil {
		return err
	}
	m.addActive(nodeID)
	m.logger.Info().Str("node_id", nodeID).Msg("Subscribed new node")
	return nil
}

// NodeRemoved unsubscribes a deregistered node and drops its buffer. The
// filter is removed from the active set and the buffer dropped even when the
// unsubscribe call fails; that error is returned for logging.
func (m *Manager) NodeRemoved(nodeID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var err error
	if m.isActive(nodeID) && m.State() == StateConnected {
		err = m.transport.Unsubscribe(nodeID)
		if err != nil {
			m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to unsubscribe removed node")
		}
	}
	// The buffer is dropped under the same lock Ingest holds, so a message
	// that passed the active check cannot recreate it afterwards.
	m.mu.Lock()
	delete(m.active, nodeID)
	n := len(m.active)
	if m.buffers != nil {
		m.buffers.Drop(nodeID)
	}
	m.mu.Unlock()
	m.recorder.ActiveSubscriptions(n)

	m.logger.Info().Str("node_id", nodeID).Msg("Removed node subscription and buffer")
	return err
}

func (m *Manager) isActive(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[topic]
	return ok
}

func (m *Manager) addActive(topic string) {
	m.mu.Lock()
	m.active[topic] = struct{}{}
	n := len(m.active)
	m.mu.Unlock()
	m.recorder.ActiveSubscriptions(n)
}

// Accepts reports whether topic matches an active filter. Messages still in
// flight for a removed node are rejected by it.
func (m *Manager) Accepts(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acceptsLocked(topic)
}

// Ingest runs fn only if topic matches an active filter, and holds the
// filter set while it runs: NodeRemoved waits for fn to finish before it
// drops the node's buffer. fn must not call back into the Manager. Ingest
// reports whether fn ran.
func (m *Manager) Ingest(topic string, fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.acceptsLocked(topic) {
		return false
	}
	fn()
	return true
}

func (m *Manager) acceptsLocked(topic string) bool {
	if _, ok := m.active[topic]; ok {
		return true
	}
	for filter := range m.active {
		if strings.ContainsAny(filter, "+#") && MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Active returns the active filters in sorted order.
func (m *Manager) Active() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.active))
	for t := range m.active {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
