package bqstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// BigQueryInserterConfig holds configuration for the BigQuery inserter.
type BigQueryInserterConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: For production if not using ADC
}

// ReadingRow is one normalized reading as stored in BigQuery. The open field
// map is kept as a JSON string so new sensor types need no schema change.
type ReadingRow struct {
	NodeID     string    `bigquery:"node_id"`
	MacID      string    `bigquery:"mac_id"`
	GatewayID  string    `bigquery:"gateway_id"`
	DeviceID   string    `bigquery:"device_id"`
	Topic      string    `bigquery:"topic"`
	MessageID  string    `bigquery:"message_id"`
	Timestamp  time.Time `bigquery:"timestamp"`
	ReceivedAt time.Time `bigquery:"received_at"`
	Fields     string    `bigquery:"fields"`
}

// RowsFromDocument flattens a payload document into one row per reading.
// Documents without readings, such as malformed payloads, produce no rows.
func RowsFromDocument(doc *types.PayloadDocument) ([]*ReadingRow, error) {
	rows := make([]*ReadingRow, 0, len(doc.Readings))
	for _, r := range doc.Readings {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshal fields for %s: %w", r.NodeID, err)
		}
		rows = append(rows, &ReadingRow{
			NodeID:     r.NodeID,
			MacID:      r.MacID,
			GatewayID:  r.GatewayID,
			DeviceID:   r.DeviceID,
			Topic:      r.Topic,
			MessageID:  doc.MessageID,
			Timestamp:  r.Time().UTC(),
			ReceivedAt: doc.ReceivedAt.UTC(),
			Fields:     string(fields),
		})
	}
	return rows, nil
}

// NewProductionBigQueryClient creates a BigQuery client with ADC or the
// configured credentials file.
func NewProductionBigQueryClient(ctx context.Context, cfg *BigQueryInserterConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	if cfg == nil || cfg.ProjectID == "" {
		return nil, errors.New("BigQuery project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create BigQuery client")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryInserter streams payload documents into a reading table. It
// implements DataBatchInserter[types.PayloadDocument].
type BigQueryInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter checks the table exists, creating it from ReadingRow's
// inferred schema (day-partitioned on timestamp) when it does not.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryInserterConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil || cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("DatasetID and TableID must be provided in BigQueryInserterConfig")
	}
	logger = logger.With().Str("component", "BigQueryInserter").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata for %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Warn().Msg("BigQuery table not found. Creating it with the inferred reading schema.")
		schema, err := bigquery.InferSchema(ReadingRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer schema for ReadingRow: %w", err)
		}
		meta := &bigquery.TableMetadata{
			Schema: schema,
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "timestamp",
			},
		}
		if err := tableRef.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created.")
	}

	return &BigQueryInserter{
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch flattens the documents and inserts all rows in one call.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, docs []*types.PayloadDocument) error {
	var rows []*ReadingRow
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		docRows, err := RowsFromDocument(doc)
		if err != nil {
			return err
		}
		rows = append(rows, docRows...)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put: %w", err)
	}
	i.logger.Debug().Int("row_count", len(rows)).Int("document_count", len(docs)).Msg("Inserted readings into BigQuery")
	return nil
}

// Close is a no-op; the client lifecycle is managed by the caller.
func (i *BigQueryInserter) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

var _ DataBatchInserter[types.PayloadDocument] = (*BigQueryInserter)(nil)

// TableDocument is the sink converter for BigQuery. Documents without
// readings are skipped; the archive still keeps their raw body.
func TableDocument(doc *types.PayloadDocument) (*types.PayloadDocument, error) {
	if len(doc.Readings) == 0 {
		return nil, nil
	}
	return doc, nil
}
