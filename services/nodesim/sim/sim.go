// Package sim simulates a sensor gateway: a set of nodes whose UART frames
// are forwarded to MQTT, plus the fan state those nodes keep in response to
// commands published by the hub.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/transport"
)

// Transport is the MQTT session the gateway uses; *transport.Manager
// implements it.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) error
}

// Config holds the simulator settings.
type Config struct {
	BaseTopic    string
	CommandTopic string
	// MACPrefix is followed by a two digit hex index per node, e.g.
	// "24:6F:28:A1:B2" -> "24:6F:28:A1:B2:00".
	MACPrefix string
	Nodes     int
	Interval  time.Duration
	// NullRate is the probability that a sensor reports an explicit null,
	// as the DHT11 does when a read fails.
	NullRate float64
	Seed     int64
}

// DefaultConfig returns a two node gateway publishing every five seconds.
func DefaultConfig() Config {
	return Config{
		BaseTopic:    "gateway1/node",
		CommandTopic: "gateway1/cmd",
		MACPrefix:    "24:6F:28:A1:B2",
		Nodes:        2,
		Interval:     5 * time.Second,
		Seed:         time.Now().UnixNano(),
	}
}

// Frame is the JSON a node writes to the gateway's UART.
type Frame struct {
	Type  string              `json:"type"`
	MacID string              `json:"MAC_Id"`
	Data  map[string]*float64 `json:"data"`
}

// Command is the part of a hub command a node acts on.
type Command struct {
	Type   string `json:"type"`
	MacID  string `json:"mac_id"`
	Mode   string `json:"mode"`
	Active *bool  `json:"active"`
}

// FanState is a node's last applied command.
type FanState struct {
	Mode   string
	Active bool
}

// Simulator publishes frames for its nodes and applies commands.
type Simulator struct {
	cfg    Config
	pub    Transport
	logger zerolog.Logger
	macs   []string

	mu        sync.Mutex
	rnd       *rand.Rand
	fans      map[string]FanState
	published int
	failed    int
}

// New creates a Simulator for cfg.Nodes nodes.
func New(cfg Config, pub Transport, logger zerolog.Logger) (*Simulator, error) {
	if cfg.Nodes <= 0 || cfg.Nodes > 256 {
		return nil, fmt.Errorf("node count must be between 1 and 256, got %d", cfg.Nodes)
	}
	if cfg.BaseTopic == "" {
		return nil, errors.New("base topic is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	s := &Simulator{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With().Str("component", "NodeSimulator").Logger(),
		rnd:    rand.New(rand.NewSource(cfg.Seed)),
		fans:   make(map[string]FanState, cfg.Nodes),
	}
	for i := 0; i < cfg.Nodes; i++ {
		mac := fmt.Sprintf("%s:%02X", cfg.MACPrefix, i)
		s.macs = append(s.macs, mac)
		s.fans[mac] = FanState{Mode: "auto"}
	}
	return s, nil
}

// MACs lists the simulated node mac ids.
func (s *Simulator) MACs() []string {
	return append([]string(nil), s.macs...)
}

// Topic is where the gateway forwards frames for mac.
func (s *Simulator) Topic(mac string) string {
	return strings.TrimRight(s.cfg.BaseTopic, "/") + "/" + mac
}

func (s *Simulator) sample(lo, hi float64) *float64 {
	if s.cfg.NullRate > 0 && s.rnd.Float64() < s.cfg.NullRate {
		return nil
	}
	v := lo + s.rnd.Float64()*(hi-lo)
	v = float64(int(v*10)) / 10
	return &v
}

// NextFrame builds the next reading frame for mac.
func (s *Simulator) NextFrame(mac string) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	adc := float64(s.rnd.Intn(4096))
	return Frame{
		Type:  "UART",
		MacID: mac,
		Data: map[string]*float64{
			"temperature": s.sample(18, 35),
			"humidity":    s.sample(30, 90),
			"adc_value":   &adc,
			"co_ppm":      s.sample(0, 50),
			"lpg_ppm":     s.sample(0, 20),
		},
	}
}

// Tick publishes one frame per node and returns how many were accepted by
// the publisher.
func (s *Simulator) Tick() int {
	sent := 0
	for _, mac := range s.macs {
		payload, err := json.Marshal(s.NextFrame(mac))
		if err != nil {
			s.logger.Error().Err(err).Str("mac_id", mac).Msg("Failed to encode frame")
			continue
		}
		if err := s.pub.Publish(s.Topic(mac), payload); err != nil {
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			if errors.Is(err, transport.ErrNotConnected) {
				s.logger.Debug().Str("mac_id", mac).Msg("Broker not connected, frame skipped")
			} else {
				s.logger.Warn().Err(err).Str("mac_id", mac).Msg("Failed to publish frame")
			}
			continue
		}
		sent++
	}
	s.mu.Lock()
	s.published += sent
	s.mu.Unlock()
	return sent
}

// Run publishes on every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Int("nodes", len(s.macs)).Dur("interval", s.cfg.Interval).Msg("Node simulator running")
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-ctx.Done():
			published, failed := s.Stats()
			s.logger.Info().Int("published", published).Int("failed", failed).Msg("Node simulator stopped")
			return
		}
	}
}

// Stats returns the published and failed frame counts.
func (s *Simulator) Stats() (published, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.failed
}

// HandleEvent implements transport.Handler. The command topic is
// subscribed on every connect; commands that name a simulated node update
// that node's fan state.
func (s *Simulator) HandleEvent(_ context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		s.applyCommand(ev)
	case transport.EventConnected:
		if s.cfg.CommandTopic == "" {
			return
		}
		if err := s.pub.Subscribe(s.cfg.CommandTopic); err != nil {
			s.logger.Error().Err(err).Str("topic", s.cfg.CommandTopic).Msg("Failed to subscribe to command topic")
		}
	default:
		s.logger.Info().Str("event", ev.Kind.String()).Msg("Transport event")
	}
}

func (s *Simulator) applyCommand(ev transport.Event) {
	var cmd Command
	if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
		s.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("Ignoring malformed command")
		return
	}
	s.mu.Lock()
	state, ok := s.fans[cmd.MacID]
	if ok {
		if cmd.Mode != "" {
			state.Mode = cmd.Mode
		}
		if cmd.Active != nil {
			state.Active = *cmd.Active
		}
		s.fans[cmd.MacID] = state
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Str("mac_id", cmd.MacID).Msg("Command for a node this gateway does not host")
		return
	}
	s.logger.Info().Str("mac_id", cmd.MacID).Str("mode", state.Mode).Bool("active", state.Active).Msg("Applied fan command")
}

// Fan returns the fan state of mac.
func (s *Simulator) Fan(mac string) (FanState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.fans[mac]
	return st, ok
}

// RegisterAll adds every simulated node to the hub's registry through its
// HTTP API.
func (s *Simulator) RegisterAll(ctx context.Context, client *http.Client, hubURL string) error {
	var errs []error
	for _, mac := range s.macs {
		u := strings.TrimRight(hubURL, "/") + "/add/node?mac_id=" + url.QueryEscape(mac)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", mac, err))
			continue
		}
		var body struct {
			Status string `json:"status"`
			NodeID string `json:"node_id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			errs = append(errs, fmt.Errorf("register %s: status %d", mac, resp.StatusCode))
			continue
		}
		s.logger.Info().Str("mac_id", mac).Str("node_id", body.NodeID).Str("status", body.Status).Msg("Registered node with hub")
	}
	return errors.Join(errs...)
}
