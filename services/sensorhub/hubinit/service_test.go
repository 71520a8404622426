package hubinit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/sensorhub/pkg/registry"
	"github.com/illmade-knight/sensorhub/pkg/sink"
	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/pkg/types"
)

// --- Mocks ---

type MockPahoMessage struct {
	topic   string
	payload []byte
}

func (m *MockPahoMessage) Duplicate() bool   { return false }
func (m *MockPahoMessage) Qos() byte         { return 1 }
func (m *MockPahoMessage) Retained() bool    { return false }
func (m *MockPahoMessage) Topic() string     { return m.topic }
func (m *MockPahoMessage) MessageID() uint16 { return 1 }
func (m *MockPahoMessage) Payload() []byte   { return m.payload }
func (m *MockPahoMessage) Ack()              {}

type MockPahoToken struct{}

func (t *MockPahoToken) Wait() bool                     { return true }
func (t *MockPahoToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockPahoToken) Error() error                   { return nil }
func (t *MockPahoToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockPahoClient accepts every operation and records subscriptions.
type MockPahoClient struct {
	mqtt.Client
	mu         sync.Mutex
	connected  bool
	subscribed map[string]mqtt.MessageHandler
	published  map[string][]byte
}

func (m *MockPahoClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return &MockPahoToken{}
}
func (m *MockPahoClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *MockPahoClient) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}
func (m *MockPahoClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[topic] = cb
	return &MockPahoToken{}
}
func (m *MockPahoClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.subscribed, topic)
	}
	return &MockPahoToken{}
}
func (m *MockPahoClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = payload.([]byte)
	return &MockPahoToken{}
}
func (m *MockPahoClient) isSubscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribed[topic]
	return ok
}
func (m *MockPahoClient) deliver(topic, payload string) {
	m.mu.Lock()
	cb := m.subscribed[topic]
	m.mu.Unlock()
	cb(m, &MockPahoMessage{topic: topic, payload: []byte(payload)})
}

// recordingSink keeps every document it is given.
type recordingSink struct {
	mu     sync.Mutex
	docs   []*types.PayloadDocument
	closed bool
}

func (s *recordingSink) Write(_ context.Context, doc *types.PayloadDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}
func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestService_EndToEnd(t *testing.T) {
	cfg, err := LoadConfig([]string{"--http-addr", "127.0.0.1:0"})
	require.NoError(t, err)
	cfg.HTTP.Timezone = "UTC"

	client := &MockPahoClient{subscribed: map[string]mqtt.MessageHandler{}, published: map[string][]byte{}}
	durable := &recordingSink{}
	svc, err := NewService(context.Background(), cfg, zerolog.Nop(),
		WithRegistry(registry.NewMemoryRegistry(cfg.MQTT.BaseTopic)),
		WithSinks(sink.NamedSink{Name: "recording", Sink: durable}),
		WithClientFactory(func(*mqtt.ClientOptions) mqtt.Client { return client }),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	base := "http://" + svc.Server.Addr()

	// Connected: static topics are active.
	require.Eventually(t, func() bool {
		return svc.Transport.State() == transport.StateConnected && client.isSubscribed("esp32/dht11")
	}, 2*time.Second, 10*time.Millisecond)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "connected", health["transport"])

	var added map[string]any
	getJSON(t, base+"/add/node?mac_id=AA:BB", &added)
	assert.Equal(t, "success", added["status"])
	assert.Equal(t, "gateway1/node/AA:BB", added["node_id"])
	require.True(t, client.isSubscribed("gateway1/node/AA:BB"))

	client.deliver("gateway1/node/AA:BB", `{"type":"UART","MAC_Id":"AA:BB","data":{"temperature":24.5,"humidity":61,"timestamp":1760000000}}`)

	var readings struct {
		Status string `json:"status"`
		Data   []struct {
			Fields    map[string]*float64 `json:"fields"`
			TimeLocal string              `json:"time_local"`
		} `json:"data"`
	}
	require.Eventually(t, func() bool {
		getJSON(t, base+"/data-sensor/gateway1/node/AA:BB", &readings)
		return len(readings.Data) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 24.5, *readings.Data[0].Fields["temperature"])
	assert.Equal(t, "2025-10-09 08:53:20", readings.Data[0].TimeLocal)
	require.Eventually(t, func() bool { return durable.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, base+"/cmd/sensor/gateway1/node/AA:BB", strings.NewReader(`{"mode":"auto"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `sensorhub_ingest_messages_total{outcome="accepted"} 1`)

	req, err = http.NewRequest(http.MethodDelete, base+"/delete/node?mac_id=AA:BB", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, client.isSubscribed("gateway1/node/AA:BB"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Shutdown(ctx)
	assert.True(t, durable.closed)
	assert.Equal(t, transport.StateDisconnected, svc.Transport.State())
}

func TestNewService_RejectsUnknownRegistry(t *testing.T) {
	cfg, err := LoadConfig([]string{"--http-addr", "127.0.0.1:0"})
	require.NoError(t, err)
	cfg.Registry.Kind = "redis"

	_, err = NewService(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown registry kind")
}
