// Package pubsubsink forwards payload documents to a Google Cloud Pub/Sub
// topic for downstream pipelines.
package pubsubsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// Config holds configuration for the Pub/Sub publisher.
type Config struct {
	ProjectID string
	TopicID   string
	// Optional: CredentialsFile for specific service account, otherwise ADC are used.
	CredentialsFile string
}

// Publisher publishes one message per payload document. It implements
// sink.Sink.
type Publisher struct {
	client    *pubsub.Client
	topic     *pubsub.Topic
	ownClient bool
	logger    zerolog.Logger
}

// NewPublisher creates a client for cfg.ProjectID and checks that the topic
// exists. Extra client options (emulator endpoints, test servers) are appended
// after the credentials option.
func NewPublisher(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("pubsub sink requires a project id and topic id")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Pub/Sub")
	}
	clientOpts = append(clientOpts, opts...)

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create Google Cloud Pub/Sub client")
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	p, err := NewPublisherFromClient(ctx, client, cfg.TopicID, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	p.ownClient = true
	return p, nil
}

// NewPublisherFromClient uses an existing client; Close then leaves the client
// open.
func NewPublisherFromClient(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*Publisher, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		logger.Error().Err(err).Str("topic_id", topicID).Msg("Failed to check if Pub/Sub topic exists")
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	logger.Info().Str("topic_id", topicID).Msg("Pub/Sub sink initialized")
	return &Publisher{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "PubSubSink").Str("topic_id", topicID).Logger(),
	}, nil
}

// Write publishes doc as JSON and blocks until the server acknowledges it or
// ctx expires.
func (p *Publisher) Write(ctx context.Context, doc *types.PayloadDocument) error {
	if doc == nil {
		return errors.New("cannot publish nil document")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	attrs := map[string]string{"node_id": doc.NodeID, "topic": doc.Topic}
	if doc.MacID != "" {
		attrs["mac_id"] = doc.MacID
	}
	if doc.RawText != "" {
		attrs["malformed"] = "true"
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})

	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish Get: %w", err)
	}
	p.logger.Debug().Str("message_id", msgID).Str("node_id", doc.NodeID).Msg("Payload document published")
	return nil
}

// Close flushes pending messages and closes the client when it owns it.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.ownClient {
		return p.client.Close()
	}
	return nil
}
