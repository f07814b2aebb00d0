package objstream

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Memory Backend
// -----------------------------------------------------------------------------

// Memory is an in-memory Backend. Buckets come into existence on first
// write. Every write assigns a new generation, and reads stream the
// requested range in checksummed chunks.
//
// Consistency: Immediate.
// Memory is safe for concurrent use.
type Memory struct {
	chunkSize int

	mu      sync.RWMutex
	buckets map[string]map[string]*memObject
	lastGen int64
}

type memObject struct {
	data  []byte
	attrs ObjectAttrs
}

// NewMemory creates an empty in-memory backend streaming chunks of
// chunkSize bytes. A chunkSize of zero or less selects DefaultChunkSize.
func NewMemory(chunkSize int) *Memory {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Memory{
		chunkSize: chunkSize,
		buckets:   make(map[string]map[string]*memObject),
	}
}

func (m *Memory) lookup(ref ObjectRef) (*memObject, error) {
	m.mu.RLock()
	obj, ok := m.buckets[ref.Bucket][ref.Name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("objstream: %s: %w", ref, ErrNotFound)
	}
	return obj, nil
}

// OpenRead streams the requested range of an object.
func (m *Memory) OpenRead(ctx context.Context, req ReadRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := m.lookup(req.Object)
	if err != nil {
		return nil, err
	}
	if err := checkGeneration(req, obj.attrs.Generation); err != nil {
		return nil, err
	}
	start, end, err := readRange(req, obj.attrs.Size)
	if err != nil {
		return nil, err
	}
	return &memStream{
		ctx:        ctx,
		data:       obj.data[start:end],
		chunkSize:  m.chunkSize,
		generation: obj.attrs.Generation,
	}, nil
}

// ListObjects returns one page of objects in name order.
func (m *Memory) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.buckets[req.Bucket]
	names := make([]string, 0, len(bucket))
	for name := range bucket {
		names = append(names, name)
	}
	sort.Strings(names)

	page := pageNames(names, req)
	resp := &ListObjectsResponse{Prefixes: page.prefixes, NextPageToken: page.next}
	for _, name := range page.names {
		resp.Objects = append(resp.Objects, bucket[name].attrs)
	}
	return resp, nil
}

// StatObject returns an object's attributes.
func (m *Memory) StatObject(ctx context.Context, ref ObjectRef) (*ObjectAttrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	attrs := obj.attrs
	return &attrs, nil
}

// WriteObject stores a copy of req.Data under a new generation.
func (m *Memory) WriteObject(ctx context.Context, req WriteRequest) (*ObjectAttrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.buckets[req.Object.Bucket]
	if !ok {
		bucket = make(map[string]*memObject)
		m.buckets[req.Object.Bucket] = bucket
	}
	if _, exists := bucket[req.Object.Name]; exists && req.IfNotExists {
		return nil, fmt.Errorf("objstream: %s: %w", req.Object, ErrObjectExists)
	}

	m.lastGen++
	data := slices.Clone(req.Data)
	obj := &memObject{
		data: data,
		attrs: ObjectAttrs{
			Bucket:      req.Object.Bucket,
			Name:        req.Object.Name,
			Size:        int64(len(data)),
			Generation:  m.lastGen,
			ContentType: req.ContentType,
			Updated:     time.Now().UTC(),
			CRC32C:      CRC32C(data),
		},
	}
	obj.attrs.ETag = fmt.Sprintf("%08x-%d", obj.attrs.CRC32C, obj.attrs.Generation)
	bucket[req.Object.Name] = obj

	attrs := obj.attrs
	return &attrs, nil
}

// DeleteObject removes an object. A missing object returns ErrNotFound.
func (m *Memory) DeleteObject(ctx context.Context, ref ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[ref.Bucket]
	if _, ok := bucket[ref.Name]; !ok {
		return fmt.Errorf("objstream: %s: %w", ref, ErrNotFound)
	}
	delete(bucket, ref.Name)
	return nil
}

// memStream serves an immutable byte range. Stored data is never modified
// in place, so the range needs no copy until a chunk is handed out.
type memStream struct {
	ctx        context.Context
	data       []byte
	chunkSize  int
	generation int64
}

func (s *memStream) Recv() (Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if len(s.data) == 0 {
		return Chunk{}, io.EOF
	}
	n := min(s.chunkSize, len(s.data))
	data := slices.Clone(s.data[:n])
	s.data = s.data[n:]
	return ChecksummedChunk(data, s.generation), nil
}

func (s *memStream) Close() error {
	s.data = nil
	return nil
}

var _ Backend = (*Memory)(nil)
