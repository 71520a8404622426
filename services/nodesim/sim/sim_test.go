package sim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/sensorhub/pkg/readings"
	"github.com/illmade-knight/sensorhub/pkg/transport"
)

type fakeTransport struct {
	mu         sync.Mutex
	err        error
	published  map[string][][]byte
	subscribed []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: map[string][][]byte{}}
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func newTestSimulator(t *testing.T, tr Transport) *Simulator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 42
	s, err := New(cfg, tr, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes = 0
	_, err := New(cfg, newFakeTransport(), zerolog.Nop())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BaseTopic = ""
	_, err = New(cfg, newFakeTransport(), zerolog.Nop())
	assert.Error(t, err)
}

func TestSimulator_MACsAndTopics(t *testing.T) {
	s := newTestSimulator(t, newFakeTransport())
	assert.Equal(t, []string{"24:6F:28:A1:B2:00", "24:6F:28:A1:B2:01"}, s.MACs())
	assert.Equal(t, "gateway1/node/24:6F:28:A1:B2:01", s.Topic("24:6F:28:A1:B2:01"))
}

func TestSimulator_TickProducesNormalizableFrames(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSimulator(t, tr)

	assert.Equal(t, 2, s.Tick())
	published, failed := s.Stats()
	assert.Equal(t, 2, published)
	assert.Zero(t, failed)

	n := readings.NewNormalizer()
	for _, mac := range s.MACs() {
		topic := s.Topic(mac)
		require.Len(t, tr.published[topic], 1)

		recs, err := n.Normalize(topic, tr.published[topic][0])
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, mac, recs[0].MacID)
		assert.Equal(t, topic, recs[0].NodeID)
		for _, field := range []string{"temperature", "humidity", "adc_value", "co_ppm", "lpg_ppm"} {
			assert.Contains(t, recs[0].Fields, field)
		}
	}
}

func TestSimulator_NullReadings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NullRate = 1
	s, err := New(cfg, newFakeTransport(), zerolog.Nop())
	require.NoError(t, err)

	frame := s.NextFrame(s.MACs()[0])
	assert.Nil(t, frame.Data["temperature"])
	assert.NotNil(t, frame.Data["adc_value"], "the ADC always reads")

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"temperature":null`)
}

func TestSimulator_TickCountsFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.err = transport.ErrNotConnected
	s := newTestSimulator(t, tr)

	assert.Zero(t, s.Tick())
	published, failed := s.Stats()
	assert.Zero(t, published)
	assert.Equal(t, 2, failed)

	tr.err = errors.New("broken pipe")
	s.Tick()
	_, failed = s.Stats()
	assert.Equal(t, 4, failed)
}

func TestSimulator_CommandsUpdateFanState(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSimulator(t, tr)
	ctx := context.Background()

	s.HandleEvent(ctx, transport.Event{Kind: transport.EventConnected})
	assert.Equal(t, []string{"gateway1/cmd"}, tr.subscribed)

	mac := s.MACs()[1]
	s.HandleEvent(ctx, transport.Event{
		Kind:    transport.EventMessage,
		Topic:   "gateway1/cmd",
		Payload: []byte(`{"type":"fan_command","mac_id":"` + mac + `","mode":"manual","active":true}`),
	})
	st, ok := s.Fan(mac)
	require.True(t, ok)
	assert.Equal(t, FanState{Mode: "manual", Active: true}, st)

	// Other nodes and unknown macs are untouched.
	st, _ = s.Fan(s.MACs()[0])
	assert.Equal(t, FanState{Mode: "auto"}, st)
	s.HandleEvent(ctx, transport.Event{Kind: transport.EventMessage, Payload: []byte(`{"mac_id":"ZZ","mode":"none"}`)})
	_, ok = s.Fan("ZZ")
	assert.False(t, ok)

	// Malformed commands are ignored.
	s.HandleEvent(ctx, transport.Event{Kind: transport.EventMessage, Payload: []byte(`{`)})
	st, _ = s.Fan(mac)
	assert.Equal(t, "manual", st.Mode)
}

func TestSimulator_RegisterAll(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/add/node", r.URL.Path)
		mac := r.URL.Query().Get("mac_id")
		mu.Lock()
		got = append(got, mac)
		mu.Unlock()
		if mac == "24:6F:28:A1:B2:01" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","node_id":"gateway1/node/` + mac + `"}`))
	}))
	defer srv.Close()

	s := newTestSimulator(t, newFakeTransport())
	err := s.RegisterAll(context.Background(), srv.Client(), srv.URL+"/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "24:6F:28:A1:B2:01")
	assert.Equal(t, s.MACs(), got)
}
