// Package transport owns the MQTT session: connecting, bounded reconnects,
// subscriptions, outbound publishes and the single loop that hands inbound
// events to the application.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConnect wraps every failed connection attempt.
	ErrConnect = errors.New("mqtt connect failed")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("mqtt transport not connected")
	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("mqtt operation timed out")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("mqtt transport already started")
)

// State is the externally visible session state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateUnavailable is terminal: the reconnect sequence gave up and only a
	// restart brings the transport back.
	StateUnavailable
)

var stateNames = []string{"disconnected", "connecting", "connected", "unavailable"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateNames lists every state label, e.g. for metrics.
func StateNames() []string {
	return append([]string(nil), stateNames...)
}

// EventKind tells the handler what happened.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to the Handler by the dispatch loop. Topic, Payload,
// MessageID and ReceivedAt are set for EventMessage; Err may be set for
// EventDisconnected.
type Event struct {
	Kind       EventKind
	Topic      string
	Payload    []byte
	MessageID  string
	ReceivedAt time.Time
	Err        error
}

// Handler consumes transport events. Calls are serialized on the dispatch
// loop; a panicking handler is recovered and the session carries on.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Recorder receives transport metrics. *metrics.Collector implements it.
type Recorder interface {
	TransportState(state string, all []string)
	ReconnectAttempt()
	MessageReceived(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) TransportState(string, []string) {}
func (nopRecorder) ReconnectAttempt()               {}
func (nopRecorder) MessageReceived(string)          {}

// ClientFactory builds the paho client; tests substitute a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// Manager runs one MQTT session. Paho's own auto-reconnect is disabled; the
// bounded backoff here is the only retry path.
type Manager struct {
	cfg       Config
	logger    zerolog.Logger
	newClient ClientFactory
	recorder  Recorder

	// wait blocks for d or until ctx ends; it reports false on cancellation.
	wait func(ctx context.Context, d time.Duration) bool
	now  func() time.Time

	client    mqtt.Client
	handler   Handler
	events    chan Event
	reconnect chan error
	state     atomic.Int32
	started   atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a Manager; nothing connects until Start.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "MQTTTransport").Str("broker", cfg.BrokerURL).Logger(),
		newClient: mqtt.NewClient,
		recorder:  nopRecorder{},
		wait:      waitTimer,
		now:       time.Now,
		events:    make(chan Event, cfg.EventCapacity),
		reconnect: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func waitTimer(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Broker returns the configured broker URL.
func (m *Manager) Broker() string { return m.cfg.BrokerURL }

// State returns the current session state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.logger.Info().Str("state", s.String()).Msg("MQTT transport state changed")
	m.recorder.TransportState(s.String(), stateNames)
}

// Start launches the dispatch loop and the connector, which makes the first
// connection attempt in the background. ctx bounds the whole session; Stop
// cancels it as well.
func (m *Manager) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("transport handler cannot be nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	opts, err := m.clientOptions()
	if err != nil {
		m.started.Store(false)
		return err
	}
	m.client = m.newClient(opts)
	m.handler = handler
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.recorder.TransportState(StateDisconnected.String(), stateNames)

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.connectLoop()
	m.reconnect <- nil

	m.logger.Info().Str("client_id", opts.ClientID).Msg("MQTT transport started")
	return nil
}

func (m *Manager) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.BrokerURL)
	opts.SetClientID(m.cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		m.logger.Debug().Str("broker_host", broker.Host).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if usesTLS(m.cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(&m.cfg, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		m.logger.Info().Msg("TLS configured for MQTT client.")
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		m.logger.Warn().Str("topic", msg.Topic()).Msg("Received message without a subscription handler")
	})
	opts.SetConnectionLostHandler(m.onConnectionLost)
	return opts, nil
}

// newBackOff returns the policy for one reconnect sequence: doubling delays
// and MaxConnectAttempts-1 retries after the first attempt.
func newBackOff(cfg Config) backoff.BackOff {
	retries := cfg.MaxConnectAttempts - 1
	if retries <= 0 {
		return &backoff.StopBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectBaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.MaxInterval = cfg.ReconnectMaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = 24 * time.Hour
	}
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(retries))
}

func (m *Manager) connectLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case cause := <-m.reconnect:
			if cause != nil {
				m.emit(Event{Kind: EventDisconnected, Err: cause})
			}
			m.connectWithBackoff()
			if m.State() == StateUnavailable {
				return
			}
		}
	}
}

// connectWithBackoff runs one bounded connect sequence. It returns once
// connected, once the attempts are exhausted, or on shutdown.
func (m *Manager) connectWithBackoff() {
	b := newBackOff(m.cfg)
	for attempt := 1; ; attempt++ {
		m.setState(StateConnecting)
		m.emit(Event{Kind: EventConnecting})

		err := m.connectOnce()
		if err == nil {
			m.setState(StateConnected)
			m.logger.Info().Int("attempt", attempt).Msg("Connected to MQTT broker")
			m.emit(Event{Kind: EventConnected})
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Error().Err(err).Int("attempts", attempt).Msg("MQTT reconnect attempts exhausted, transport unavailable")
			m.setState(StateUnavailable)
			m.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}
		m.setState(StateDisconnected)
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("MQTT connect failed, retrying")
		m.recorder.ReconnectAttempt()
		if !m.wait(m.ctx, delay) {
			return
		}
	}
}

func (m *Manager) connectOnce() error {
	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("%w: no answer within %s", ErrConnect, m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return nil
}

func (m *Manager) onConnectionLost(_ mqtt.Client, err error) {
	m.logger.Error().Err(err).Msg("Lost MQTT connection")
	m.setState(StateDisconnected)
	if err == nil {
		err = errors.New("connection lost")
	}
	select {
	case m.reconnect <- err:
	default:
	}
}

// emit queues a lifecycle event. Unlike messages these are never dropped.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// onMessage is the paho message handler. It copies the payload and hands it
// to the dispatch loop without blocking paho's router.
func (m *Manager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	ev := Event{
		Kind:       EventMessage,
		Topic:      msg.Topic(),
		Payload:    payload,
		MessageID:  strconv.FormatUint(uint64(msg.MessageID()), 10),
		ReceivedAt: m.now().UTC(),
	}

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	default:
		m.recorder.MessageReceived("queue_full")
		m.logger.Error().Str("topic", msg.Topic()).Msg("Event queue is full, MQTT message dropped")
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.recorder.MessageReceived("panic")
			m.logger.Error().
				Str("event", ev.Kind.String()).
				Str("topic", ev.Topic).
				Interface("panic", r).
				Msg("Recovered from panic in transport event handler")
		}
	}()
	m.handler.HandleEvent(m.ctx, ev)
}

// Subscribe adds a topic filter and waits for the broker to confirm it.
func (m *Manager) Subscribe(topic string) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	token := m.client.Subscribe(topic, m.cfg.QoS, m.onMessage)
	if !token.WaitTimeout(m.cfg.OperationTimeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Unsubscribe removes topic filters and waits for the broker to confirm.
func (m *Manager) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	token := m.client.Unsubscribe(topics...)
	if !token.WaitTimeout(m.cfg.OperationTimeout) {
		return fmt.Errorf("unsubscribe %v: %w", topics, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}
	m.logger.Debug().Strs("topics", topics).Msg("Unsubscribed")
	return nil
}

// Publish sends payload without waiting for delivery. A missing session is
// reported immediately; delivery failures are only logged.
func (m *Manager) Publish(topic string, payload []byte) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	ctx, timeout := m.ctx, m.cfg.OperationTimeout
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				m.logger.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
			}
		case <-time.After(timeout):
			m.logger.Warn().Str("topic", topic).Dur("timeout", timeout).Msg("MQTT publish not confirmed in time")
		case <-ctx.Done():
		}
	}()
	return nil
}

// Stop cancels any pending reconnect, stops the dispatch loop, disconnects
// from the broker and waits for the goroutines to exit. It is safe to call
// more than once.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Stopping MQTT transport...")
		m.cancel()
		m.wg.Wait()
		if m.client.IsConnected() {
			m.client.Disconnect(250)
		}
		if m.State() != StateUnavailable {
			m.setState(StateDisconnected)
		}
		m.logger.Info().Msg("MQTT transport stopped.")
	})
}
