package transport

import (
	"time"
)

// Config holds the MQTT session settings and the reconnect policy.
type Config struct {
	BrokerURL      string
	ClientIDPrefix string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// OperationTimeout bounds how long Subscribe and Unsubscribe wait for the
	// broker, and how long a background publish is watched before it is
	// reported as undelivered.
	OperationTimeout time.Duration
	QoS              byte

	// Reconnect policy. The delay before the n-th retry is
	// ReconnectBaseDelay * 2^(n-1), capped at ReconnectMaxDelay when set.
	// MaxConnectAttempts counts every connect call in one sequence,
	// including the first.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	MaxConnectAttempts int

	// EventCapacity is the size of the queue between the paho callbacks and
	// the dispatch loop. Messages arriving while it is full are dropped.
	EventCapacity int

	// TLS, used when the broker URL is tls://, ssl:// or port 8883.
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// DefaultConfig returns the settings used by the gateway deployment.
func DefaultConfig() Config {
	return Config{
		BrokerURL:          "tcp://localhost:1883",
		ClientIDPrefix:     "sensorhub-",
		KeepAlive:          60 * time.Second,
		ConnectTimeout:     10 * time.Second,
		OperationTimeout:   5 * time.Second,
		QoS:                1,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  0,
		MaxConnectAttempts: 10,
		EventCapacity:      256,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = d.EventCapacity
	}
	if c.QoS > 2 {
		c.QoS = d.QoS
	}
}
