package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// DataUploader writes a batch of items to file storage.
type DataUploader[T any] interface {
	UploadBatch(ctx context.Context, items []*T) error
	Close() error
}

// Batchable items know which archive directory they belong to.
type Batchable interface {
	GetBatchKey() string
}

// --- GCS Client Abstraction Interfaces ---

type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

type GCSWriter interface {
	io.WriteCloser
}

// --- Adapters for Google Cloud Storage Client ---

// NewGCSClientAdapter wraps a storage client so it satisfies GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	return &gcsClientAdapter{client: client}
}

type gcsClientAdapter struct{ client *storage.Client }

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &bucketHandleAdapter{BucketHandle: a.client.Bucket(name)}
}

type bucketHandleAdapter struct{ *storage.BucketHandle }

func (a *bucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &objectHandleAdapter{ObjectHandle: a.BucketHandle.Object(name)}
}

type objectHandleAdapter struct{ *storage.ObjectHandle }

func (a *objectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	w := a.ObjectHandle.NewWriter(ctx)
	w.ContentType = "application/gzip"
	return w
}

var _ GCSClient = &gcsClientAdapter{}
var _ GCSBucketHandle = &bucketHandleAdapter{}
var _ GCSObjectHandle = &objectHandleAdapter{}
