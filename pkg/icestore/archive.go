package icestore

import (
	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// ArchiveConfig configures the payload archive.
type ArchiveConfig struct {
	Batcher  BatcherConfig
	Uploader GCSBatchUploaderConfig
}

// NewArchiveProcessor assembles the batcher and GCS uploader that archive
// payload documents. Objects land under
// {prefix}/{node id}/{yyyy/mm/dd}/{uuid}.jsonl.gz.
func NewArchiveProcessor(client GCSClient, cfg ArchiveConfig, logger zerolog.Logger) (*Batcher[types.PayloadDocument], error) {
	uploader, err := NewGCSBatchUploader[types.PayloadDocument](client, cfg.Uploader, logger)
	if err != nil {
		return nil, err
	}
	batcherCfg := cfg.Batcher
	return NewBatcher[types.PayloadDocument](&batcherCfg, uploader, logger), nil
}

// ArchiveDocument is the sink converter for the archive: documents are stored
// as they are.
func ArchiveDocument(doc *types.PayloadDocument) (*types.PayloadDocument, error) {
	return doc, nil
}
