package gcs

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Client is the subset of Cloud Storage used by the store.
// This enables testing with mock implementations.
type Client interface {
	// NewObjectHandle returns a handle to an object. A non-zero generation
	// pins that generation; conds, when non-nil, are evaluated by the service.
	NewObjectHandle(bucket, object string, generation int64, conds *storage.Conditions) ObjectHandle

	// ListPage returns one page of a bucket listing and the token of the next
	// page, empty at the end.
	ListPage(ctx context.Context, bucket string, q *storage.Query, pageSize int, pageToken string) ([]*storage.ObjectAttrs, string, error)
}

// ObjectHandle provides operations on one object.
type ObjectHandle interface {
	// NewRangeReader reads length bytes from offset. A negative length reads
	// to the end of the object.
	NewRangeReader(ctx context.Context, offset, length int64) (RangeReader, error)
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Write(ctx context.Context, data []byte, contentType string, crc32c uint32) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context) error
}

// RangeReader is an open object body.
type RangeReader interface {
	io.ReadCloser

	// Generation is the generation of the object being read.
	Generation() int64
}

// ClientConfig holds configuration for creating a Cloud Storage client.
type ClientConfig struct {
	// Endpoint overrides the service endpoint, e.g. for fake-gcs-server.
	Endpoint string

	// NoAuth disables authentication. Only publicly readable objects
	// and emulators can be accessed.
	NoAuth bool

	// CredentialsFile is a service account key file. Empty uses
	// application default credentials.
	CredentialsFile string
}

// NewClient creates a Cloud Storage client.
//
// Library retries are disabled on every handle the client returns:
// objstream applies its own per-operation retry specs and resumes reads.
func NewClient(ctx context.Context, cfg ClientConfig) (*GCSClient, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.NoAuth {
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSClient{Client: c}, nil
}

// GCSClient adapts *storage.Client to Client.
type GCSClient struct {
	*storage.Client
}

var noRetry = storage.WithPolicy(storage.RetryNever)

// NewObjectHandle returns a handle to the specified object.
func (c *GCSClient) NewObjectHandle(bucket, object string, generation int64, conds *storage.Conditions) ObjectHandle {
	h := c.Bucket(bucket).Object(object).Retryer(noRetry)
	if generation != 0 {
		h = h.Generation(generation)
	}
	if conds != nil {
		h = h.If(*conds)
	}
	return gcsObjectHandle{h}
}

// ListPage fetches one page through an iterator.Pager.
func (c *GCSClient) ListPage(ctx context.Context, bucket string, q *storage.Query, pageSize int, pageToken string) ([]*storage.ObjectAttrs, string, error) {
	it := c.Bucket(bucket).Retryer(noRetry).Objects(ctx, q)
	var page []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, pageToken).NextPage(&page)
	if err != nil {
		return nil, "", err
	}
	return page, next, nil
}

type gcsObjectHandle struct {
	*storage.ObjectHandle
}

func (h gcsObjectHandle) NewRangeReader(ctx context.Context, offset, length int64) (RangeReader, error) {
	r, err := h.ObjectHandle.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, err
	}
	return gcsReader{r}, nil
}

func (h gcsObjectHandle) Write(ctx context.Context, data []byte, contentType string, crc32c uint32) (*storage.ObjectAttrs, error) {
	w := h.NewWriter(ctx)
	w.ContentType = contentType
	w.CRC32C = crc32c
	w.SendCRC32C = true
	// One request for the whole payload.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

type gcsReader struct {
	*storage.Reader
}

func (r gcsReader) Generation() int64 {
	return r.Attrs.Generation
}

var _ Client = (*GCSClient)(nil)
