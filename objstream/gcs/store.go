// Package gcs provides a Google Cloud Storage Backend for objstream.
//
// # Backend Semantics
//
//   - OpenRead: NewRangeReader on a handle pinned to the request's
//     generation and conditions. The body is streamed in fixed-size chunks
//     tagged with the object generation.
//   - ListObjects: one iterator.Pager page per call.
//   - StatObject: object attributes.
//   - WriteObject: a single-request upload carrying the payload CRC32C,
//     with a DoesNotExist precondition for guarded writes.
//   - DeleteObject: object delete; a missing object reports ErrNotFound.
//
// Every failure is tagged with a failure class. Handles returned by
// NewClient have library retries disabled so that objstream owns them.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"cloud.google.com/go/storage"

	"github.com/pithecene-io/objstream/objstream"
)

// DefaultChunkSize is the size of chunks cut from an object body.
const DefaultChunkSize = 2 << 20

// defaultPageSize is used when a listing names no page size.
const defaultPageSize = 1000

// Config holds configuration for the GCS store.
type Config struct {
	// ChunkSize is the size of chunks cut from object bodies.
	// Zero selects DefaultChunkSize.
	ChunkSize int
}

// Store implements objstream.Backend using Google Cloud Storage.
type Store struct {
	client    Client
	chunkSize int
}

// New creates a new GCS store.
//
// Example:
//
//	client, err := gcs.NewClient(ctx, gcs.ClientConfig{})
//	store, err := gcs.New(client, gcs.Config{})
//	c, err := objstream.NewClient(store)
func New(client Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("gcs: client is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("gcs: chunk size %d must be non-negative", cfg.ChunkSize)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{client: client, chunkSize: chunkSize}, nil
}

func validateRef(ref objstream.ObjectRef) error {
	if ref.Bucket == "" || ref.Name == "" {
		return fmt.Errorf("gcs: %s: bucket and name are required: %w", ref, objstream.ErrInvalidRequest)
	}
	return nil
}

// conditions converts read preconditions, nil when there are none.
func conditions(c objstream.Conditions) *storage.Conditions {
	if c == (objstream.Conditions{}) {
		return nil
	}
	return &storage.Conditions{
		GenerationMatch:     c.IfGenerationMatch,
		MetagenerationMatch: c.IfMetagenerationMatch,
	}
}

// OpenRead opens a range reader and streams its body.
func (s *Store) OpenRead(ctx context.Context, req objstream.ReadRequest) (objstream.Stream, error) {
	if err := validateRef(req.Object); err != nil {
		return nil, err
	}

	// A limit reaching past the largest addressable offset reads to the end.
	length := int64(-1)
	if req.Bounded() && req.ReadLimit <= math.MaxInt64-req.ReadOffset {
		length = req.ReadLimit
	}

	h := s.client.NewObjectHandle(req.Object.Bucket, req.Object.Name, req.Object.Generation, conditions(req.Conditions))
	r, err := h.NewRangeReader(ctx, req.ReadOffset, length)
	if err != nil {
		if isStatus(err, http.StatusRequestedRangeNotSatisfiable) {
			return emptyStream{}, nil
		}
		return nil, classify("read", req.Object, err)
	}

	return &readerStream{
		object: req.Object,
		r:      r,
		buf:    make([]byte, s.chunkSize),
	}, nil
}

// ListObjects returns one listing page.
func (s *Store) ListObjects(ctx context.Context, req objstream.ListObjectsRequest) (*objstream.ListObjectsResponse, error) {
	if req.Bucket == "" {
		return nil, fmt.Errorf("gcs: list: bucket is required: %w", objstream.ErrInvalidRequest)
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	q := &storage.Query{Prefix: req.Prefix, Delimiter: req.Delimiter}
	page, next, err := s.client.ListPage(ctx, req.Bucket, q, pageSize, req.PageToken)
	if err != nil {
		return nil, classify("list", objstream.ObjectRef{Bucket: req.Bucket, Name: req.Prefix}, err)
	}

	resp := &objstream.ListObjectsResponse{NextPageToken: next}
	for _, a := range page {
		if a.Name == "" && a.Prefix != "" {
			resp.Prefixes = append(resp.Prefixes, a.Prefix)
			continue
		}
		resp.Objects = append(resp.Objects, toAttrs(a))
	}
	return resp, nil
}

// StatObject returns object attributes.
func (s *Store) StatObject(ctx context.Context, ref objstream.ObjectRef) (*objstream.ObjectAttrs, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	a, err := s.client.NewObjectHandle(ref.Bucket, ref.Name, ref.Generation, nil).Attrs(ctx)
	if err != nil {
		return nil, classify("attrs", ref, err)
	}
	attrs := toAttrs(a)
	return &attrs, nil
}

// WriteObject uploads the payload in a single request.
func (s *Store) WriteObject(ctx context.Context, req objstream.WriteRequest) (*objstream.ObjectAttrs, error) {
	if err := validateRef(req.Object); err != nil {
		return nil, err
	}

	var conds *storage.Conditions
	if req.IfNotExists {
		conds = &storage.Conditions{DoesNotExist: true}
	}

	h := s.client.NewObjectHandle(req.Object.Bucket, req.Object.Name, 0, conds)
	a, err := h.Write(ctx, req.Data, req.ContentType, objstream.CRC32C(req.Data))
	if err != nil {
		if req.IfNotExists && isStatus(err, http.StatusPreconditionFailed) {
			return nil, fmt.Errorf("gcs: %s: %w", req.Object, objstream.ErrObjectExists)
		}
		return nil, classify("write", req.Object, err)
	}
	attrs := toAttrs(a)
	return &attrs, nil
}

// DeleteObject removes an object.
func (s *Store) DeleteObject(ctx context.Context, ref objstream.ObjectRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := s.client.NewObjectHandle(ref.Bucket, ref.Name, ref.Generation, nil).Delete(ctx); err != nil {
		return classify("delete", ref, err)
	}
	return nil
}

func toAttrs(a *storage.ObjectAttrs) objstream.ObjectAttrs {
	return objstream.ObjectAttrs{
		Bucket:      a.Bucket,
		Name:        a.Name,
		Size:        a.Size,
		Generation:  a.Generation,
		ETag:        a.Etag,
		ContentType: a.ContentType,
		Updated:     a.Updated,
		CRC32C:      a.CRC32C,
	}
}

// readerStream cuts a range reader into chunks.
type readerStream struct {
	object objstream.ObjectRef
	r      RangeReader
	buf    []byte
}

func (s *readerStream) Recv() (objstream.Chunk, error) {
	n, err := io.ReadFull(s.r, s.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, s.buf[:n])
		return objstream.Chunk{Data: data, Generation: s.r.Generation()}, nil
	}
	if errors.Is(err, io.EOF) {
		return objstream.Chunk{}, io.EOF
	}
	return objstream.Chunk{}, classify("read body", s.object, err)
}

func (s *readerStream) Close() error {
	return s.r.Close()
}

// emptyStream ends immediately.
type emptyStream struct{}

func (emptyStream) Recv() (objstream.Chunk, error) { return objstream.Chunk{}, io.EOF }
func (emptyStream) Close() error                   { return nil }

var _ objstream.Backend = (*Store)(nil)
