// Package hub ties the sensor hub together. It handles transport events
// (normalize, buffer, persist, broadcast) and implements the management
// operations behind the HTTP API.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/readings"
	"github.com/illmade-knight/sensorhub/pkg/registry"
	"github.com/illmade-knight/sensorhub/pkg/ringstore"
	"github.com/illmade-knight/sensorhub/pkg/sink"
	"github.com/illmade-knight/sensorhub/pkg/subscription"
	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

// ErrInvalidCommand is returned for command bodies that are not JSON
// objects.
var ErrInvalidCommand = errors.New("command body must be a JSON object")

// DefaultCommandType is set on node commands that carry no type.
const DefaultCommandType = "fan_command"

// Transport is the part of the MQTT session the hub uses directly.
type Transport interface {
	Publish(topic string, payload []byte) error
	State() transport.State
	Broker() string
}

// Submitter queues payload documents for durable storage without blocking;
// *sink.AsyncWriter implements it.
type Submitter interface {
	Submit(doc *types.PayloadDocument) error
}

// Broadcaster pushes buffered readings to live clients without blocking.
type Broadcaster interface {
	Broadcast(r types.Reading)
}

// Recorder receives ingestion metrics; *metrics.Collector implements it.
type Recorder interface {
	MessageReceived(outcome string)
	ParseFailed()
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(string) {}
func (nopRecorder) ParseFailed()           {}

// Config holds the hub's own settings.
type Config struct {
	// CommandTopic receives every outbound command, e.g. "gateway1/cmd".
	CommandTopic string
}

// Service is the sensor hub.
type Service struct {
	cfg           Config
	normalizer    *readings.Normalizer
	store         *ringstore.Store
	registry      registry.Registry
	subscriptions *subscription.Manager
	transport     Transport
	sink          Submitter
	live          Broadcaster
	recorder      Recorder
	logger        zerolog.Logger
}

// Deps are the components a Service is built from. Sink, Live and Recorder
// are optional.
type Deps struct {
	Normalizer    *readings.Normalizer
	Store         *ringstore.Store
	Registry      registry.Registry
	Subscriptions *subscription.Manager
	Transport     Transport
	Sink          Submitter
	Live          Broadcaster
	Recorder      Recorder
}

// New creates a Service.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Normalizer == nil || deps.Store == nil || deps.Registry == nil || deps.Subscriptions == nil || deps.Transport == nil {
		return nil, errors.New("hub requires a normalizer, store, registry, subscription manager and transport")
	}
	if cfg.CommandTopic == "" {
		return nil, errors.New("hub requires a command topic")
	}
	s := &Service{
		cfg:           cfg,
		normalizer:    deps.Normalizer,
		store:         deps.Store,
		registry:      deps.Registry,
		subscriptions: deps.Subscriptions,
		transport:     deps.Transport,
		sink:          deps.Sink,
		live:          deps.Live,
		recorder:      deps.Recorder,
		logger:        logger.With().Str("component", "SensorHub").Logger(),
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	return s, nil
}

// HandleEvent implements transport.Handler.
func (s *Service) HandleEvent(ctx context.Context, ev transport.Event) {
	if ev.Kind != transport.EventMessage {
		s.subscriptions.HandleTransportEvent(ctx, ev)
		return
	}
	s.handleMessage(ev)
}

// handleMessage runs the ingestion path for one inbound message. Nothing in
// here returns an error: failures are logged and counted.
func (s *Service) handleMessage(ev transport.Event) {
	if !s.subscriptions.Accepts(ev.Topic) {
		s.recorder.MessageReceived("inactive_topic")
		s.logger.Debug().Str("topic", ev.Topic).Msg("Ignoring message on inactive topic")
		return
	}

	recs, err := s.normalizer.Normalize(ev.Topic, ev.Payload)
	if err != nil {
		s.recorder.ParseFailed()
		s.recorder.MessageReceived("malformed")
		snippetLen := len(ev.Payload)
		if snippetLen > 100 {
			snippetLen = 100
		}
		s.logger.Warn().Err(err).
			Str("topic", ev.Topic).
			Str("raw_message_snippet", string(ev.Payload[:snippetLen])).
			Msg("Failed to normalize payload")
	}

	buffered := s.subscriptions.Ingest(ev.Topic, func() {
		for _, r := range recs {
			if err := s.store.Append(r.NodeID, r); err != nil {
				s.logger.Error().Err(err).Str("node_id", r.NodeID).Msg("Failed to buffer reading")
				continue
			}
			if s.live != nil {
				s.live.Broadcast(r)
			}
		}
	})
	if !buffered && len(recs) > 0 {
		s.logger.Debug().Str("topic", ev.Topic).Msg("Node removed during ingestion, readings not buffered")
	}
	if err == nil {
		s.recorder.MessageReceived("accepted")
	}

	if s.sink != nil {
		doc := sink.NewDocument(ev.Topic, ev.Topic, ev.MessageID, ev.Payload, recs, ev.ReceivedAt)
		if err := s.sink.Submit(doc); err != nil {
			s.logger.Debug().Err(err).Str("topic", ev.Topic).Msg("Payload not queued for durable storage")
		}
	}
}

// RegisterNode registers a mac id and subscribes its topic. A failed
// subscribe does not fail the registration; the next connect pass retries it.
func (s *Service) RegisterNode(ctx context.Context, macID string) (registry.RegisterResult, error) {
	res, err := s.registry.Register(ctx, macID)
	if err != nil {
		return res, err
	}
	if err := s.subscriptions.NodeAdded(res.NodeID); err != nil {
		s.logger.Warn().Err(err).Str("node_id", res.NodeID).Msg("Registered node but subscribe failed")
	}
	if res.Created {
		s.logger.Info().Str("mac_id", macID).Str("node_id", res.NodeID).Msg("Node registered")
	}
	return res, nil
}

// ListNodes returns the registered nodes.
func (s *Service) ListNodes(ctx context.Context) ([]types.NodeEntry, error) {
	return s.registry.List(ctx)
}

// DeregisterNode removes a node, unsubscribes its topic and drops its
// buffer. Unknown mac ids have no side effects.
func (s *Service) DeregisterNode(ctx context.Context, macID string) (registry.DeregisterResult, error) {
	res, err := s.registry.Deregister(ctx, macID)
	if err != nil || !res.Found {
		return res, err
	}
	if err := s.subscriptions.NodeRemoved(res.NodeID); err != nil {
		s.logger.Warn().Err(err).Str("node_id", res.NodeID).Msg("Deregistered node but unsubscribe failed")
	}
	s.logger.Info().Str("mac_id", macID).Str("node_id", res.NodeID).Msg("Node deregistered")
	return res, nil
}

// Readings returns up to limit of the node's most recent readings, oldest
// first.
func (s *Service) Readings(nodeID string, limit int) []types.Reading {
	return s.store.Snapshot(nodeID, limit)
}

// Latest returns the newest buffered reading of every node.
func (s *Service) Latest() map[string]types.Reading {
	return s.store.Latest()
}

// SendCommand publishes body unchanged to the command topic.
func (s *Service) SendCommand(body []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return "", ErrInvalidCommand
	}
	if err := s.transport.Publish(s.cfg.CommandTopic, body); err != nil {
		return "", err
	}
	s.logger.Info().Str("topic", s.cfg.CommandTopic).Msg("Command published")
	return s.cfg.CommandTopic, nil
}

// SendNodeCommand publishes a command addressed to one registered node. The
// node's mac_id is filled in when absent and type defaults to fan_command.
// Unknown node ids return registry.ErrNodeNotFound.
func (s *Service) SendNodeCommand(ctx context.Context, nodeID string, body []byte) (string, error) {
	entry, err := s.registry.Lookup(ctx, nodeID)
	if err != nil {
		return "", err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return "", ErrInvalidCommand
	}
	if _, ok := obj["mac_id"]; !ok {
		obj["mac_id"], _ = json.Marshal(entry.MacID)
	}
	if _, ok := obj["type"]; !ok {
		obj["type"], _ = json.Marshal(DefaultCommandType)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}

	if err := s.transport.Publish(s.cfg.CommandTopic, out); err != nil {
		return "", err
	}
	s.logger.Info().Str("topic", s.cfg.CommandTopic).Str("node_id", nodeID).Msg("Node command published")
	return s.cfg.CommandTopic, nil
}

// Health describes the transport for the health endpoint.
type Health struct {
	OK        bool   `json:"ok"`
	Transport string `json:"transport"`
	MQTT      string `json:"mqtt"`
}

// Health reports the transport state. OK is false only once the reconnect
// sequence has given up.
func (s *Service) Health() Health {
	state := s.transport.State()
	return Health{
		OK:        state != transport.StateUnavailable,
		Transport: state.String(),
		MQTT:      s.transport.Broker(),
	}
}

// BufferCapacity returns the per-node buffer size.
func (s *Service) BufferCapacity() int { return s.store.Capacity() }
