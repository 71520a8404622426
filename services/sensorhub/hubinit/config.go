package hubinit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/illmade-knight/sensorhub/pkg/transport"
)

// Sink backend names accepted in sink.kinds.
const (
	SinkGCS      = "gcs"
	SinkBigQuery = "bigquery"
	SinkPubSub   = "pubsub"
)

// Registry kinds accepted in registry.kind.
const (
	RegistryMemory    = "memory"
	RegistryFirestore = "firestore"
)

// Config holds all configuration for the sensor hub.
// It's structured to neatly group settings for different components.
type Config struct {
	// LogLevel for the application-wide logger (e.g., "debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level"`

	// ProjectID is the GCP project shared by the Firestore registry and the
	// cloud sinks.
	ProjectID string `mapstructure:"project_id"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
		// Timezone is an IANA name used for time_local. Empty means the host zone.
		Timezone     string `mapstructure:"timezone"`
		DefaultLimit int    `mapstructure:"default_limit"`
		MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
		CORSOrigin   string `mapstructure:"cors_origin"`
	} `mapstructure:"http"`

	MQTT struct {
		Broker             string        `mapstructure:"broker"`
		ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
		Username           string        `mapstructure:"username"`
		Password           string        `mapstructure:"password"`
		KeepAlive          time.Duration `mapstructure:"keepalive"`
		ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
		OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
		QoS                int           `mapstructure:"qos"`
		BaseTopic          string        `mapstructure:"base_topic"`
		CommandTopic       string        `mapstructure:"command_topic"`
		LegacyDHTTopic     string        `mapstructure:"legacy_dht_topic"`
		StaticTopics       []string      `mapstructure:"static_topics"`
		ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
		ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
		MaxConnectAttempts int           `mapstructure:"max_connect_attempts"`
		EventCapacity      int           `mapstructure:"event_capacity"`
		CACertFile         string        `mapstructure:"ca_cert_file"`
		ClientCertFile     string        `mapstructure:"client_cert_file"`
		ClientKeyFile      string        `mapstructure:"client_key_file"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"mqtt"`

	Buffer struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"buffer"`

	Live struct {
		BroadcastCapacity int `mapstructure:"broadcast_capacity"`
		ClientBuffer      int `mapstructure:"client_buffer"`
	} `mapstructure:"live"`

	Registry struct {
		Kind            string `mapstructure:"kind"`
		Collection      string `mapstructure:"collection"`
		CredentialsFile string `mapstructure:"credentials_file"`
	} `mapstructure:"registry"`

	Sink struct {
		Kinds         []string      `mapstructure:"kinds"`
		QueueCapacity int           `mapstructure:"queue_capacity"`
		Workers       int           `mapstructure:"workers"`
		WriteTimeout  time.Duration `mapstructure:"write_timeout"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushTimeout  time.Duration `mapstructure:"flush_timeout"`

		CredentialsFile string `mapstructure:"credentials_file"`

		GCS struct {
			Bucket string `mapstructure:"bucket"`
			Prefix string `mapstructure:"prefix"`
		} `mapstructure:"gcs"`

		BigQuery struct {
			DatasetID string `mapstructure:"dataset_id"`
			TableID   string `mapstructure:"table_id"`
		} `mapstructure:"bigquery"`

		PubSub struct {
			TopicID string `mapstructure:"topic_id"`
		} `mapstructure:"pubsub"`
	} `mapstructure:"sink"`
}

func setDefaults(v *viper.Viper) {
	t := transport.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.timezone", "")
	v.SetDefault("http.default_limit", 50)
	v.SetDefault("http.max_body_bytes", 64<<10)
	v.SetDefault("http.cors_origin", "*")

	v.SetDefault("mqtt.broker", t.BrokerURL)
	v.SetDefault("mqtt.client_id_prefix", t.ClientIDPrefix)
	v.SetDefault("mqtt.keepalive", t.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", t.ConnectTimeout)
	v.SetDefault("mqtt.operation_timeout", t.OperationTimeout)
	v.SetDefault("mqtt.qos", int(t.QoS))
	v.SetDefault("mqtt.base_topic", "gateway1/node")
	v.SetDefault("mqtt.command_topic", "gateway1/cmd")
	v.SetDefault("mqtt.legacy_dht_topic", "esp32/dht11")
	v.SetDefault("mqtt.static_topics", []string{"esp32/dht11", "warehouse/+/sensors"})
	v.SetDefault("mqtt.reconnect_base_delay", t.ReconnectBaseDelay)
	v.SetDefault("mqtt.reconnect_max_delay", t.ReconnectMaxDelay)
	v.SetDefault("mqtt.max_connect_attempts", t.MaxConnectAttempts)
	v.SetDefault("mqtt.event_capacity", t.EventCapacity)

	v.SetDefault("buffer.capacity", 100)

	v.SetDefault("live.broadcast_capacity", 256)
	v.SetDefault("live.client_buffer", 64)

	v.SetDefault("registry.kind", RegistryMemory)
	v.SetDefault("registry.collection", "nodes")

	v.SetDefault("sink.kinds", []string{})
	v.SetDefault("sink.queue_capacity", 1000)
	v.SetDefault("sink.workers", 2)
	v.SetDefault("sink.write_timeout", 10*time.Second)
	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.flush_timeout", 30*time.Second)
	v.SetDefault("sink.gcs.prefix", "sensorhub/payloads")
	v.SetDefault("sink.bigquery.table_id", "readings")
}

// LoadConfig initializes and loads the application configuration.
// It sets defaults, binds command-line flags, reads an optional config file
// and finally applies APP_ environment overrides, e.g. APP_MQTT_BROKER.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()

	// --- 1. Set Defaults ---
	setDefaults(v)

	// --- 2. Set up pflag for command-line overrides ---
	fs := pflag.NewFlagSet("sensorhub", pflag.ContinueOnError)
	fs.String("config", "", "Path to config file")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("http-addr", ":8000", "HTTP listen address")
	fs.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	fs.String("project-id", "", "GCP Project ID")
	fs.String("registry", RegistryMemory, "Node registry backend (memory, firestore)")
	fs.StringSlice("sinks", nil, "Durable sinks to enable (gcs, bigquery, pubsub)")
	fs.Int("buffer-capacity", 100, "Readings kept per node")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	flagKeys := map[string]string{
		"log-level":       "log_level",
		"http-addr":       "http.addr",
		"mqtt-broker":     "mqtt.broker",
		"project-id":      "project_id",
		"registry":        "registry.kind",
		"sinks":           "sink.kinds",
		"buffer-capacity": "buffer.capacity",
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	// --- 3. Set up Viper to read from file ---
	if configFile, _ := fs.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// --- 4. Set up environment variable support ---
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// --- 5. Unmarshal config into our struct ---
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.BaseTopic == "" {
		errs = append(errs, errors.New("mqtt.base_topic is required"))
	}
	if c.MQTT.CommandTopic == "" {
		errs = append(errs, errors.New("mqtt.command_topic is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity))
	}
	if c.HTTP.Timezone != "" {
		if _, err := time.LoadLocation(c.HTTP.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("http.timezone: %w", err))
		}
	}

	switch c.Registry.Kind {
	case RegistryMemory:
	case RegistryFirestore:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the firestore registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry kind %q", c.Registry.Kind))
	}

	for _, kind := range c.Sink.Kinds {
		switch kind {
		case SinkGCS:
			if c.Sink.GCS.Bucket == "" {
				errs = append(errs, errors.New("sink.gcs.bucket is required for the gcs sink"))
			}
		case SinkBigQuery:
			if c.ProjectID == "" || c.Sink.BigQuery.DatasetID == "" || c.Sink.BigQuery.TableID == "" {
				errs = append(errs, errors.New("project_id, sink.bigquery.dataset_id and sink.bigquery.table_id are required for the bigquery sink"))
			}
		case SinkPubSub:
			if c.ProjectID == "" || c.Sink.PubSub.TopicID == "" {
				errs = append(errs, errors.New("project_id and sink.pubsub.topic_id are required for the pubsub sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown sink kind %q", kind))
		}
	}
	return errors.Join(errs...)
}

// TransportConfig maps the mqtt group onto the transport settings.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		BrokerURL:          c.MQTT.Broker,
		ClientIDPrefix:     c.MQTT.ClientIDPrefix,
		Username:           c.MQTT.Username,
		Password:           c.MQTT.Password,
		KeepAlive:          c.MQTT.KeepAlive,
		ConnectTimeout:     c.MQTT.ConnectTimeout,
		OperationTimeout:   c.MQTT.OperationTimeout,
		QoS:                byte(c.MQTT.QoS),
		ReconnectBaseDelay: c.MQTT.ReconnectBaseDelay,
		ReconnectMaxDelay:  c.MQTT.ReconnectMaxDelay,
		MaxConnectAttempts: c.MQTT.MaxConnectAttempts,
		EventCapacity:      c.MQTT.EventCapacity,
		CACertFile:         c.MQTT.CACertFile,
		ClientCertFile:     c.MQTT.ClientCertFile,
		ClientKeyFile:      c.MQTT.ClientKeyFile,
		InsecureSkipVerify: c.MQTT.InsecureSkipVerify,
	}
}
